package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/priceduel/roundengine/internal/round"
)

// AddEntry inserts entry if absent by identity. A second call with the
// same identity is a no-op and reports created=false.
func (l *Ledger) AddEntry(ctx context.Context, e *round.Entry) (created bool, err error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO entries (id, market, round_id, wallet, side, stake_units, joined_at, position_pda)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.Market, e.RoundID, e.Wallet, int(e.Side), e.StakeUnits, e.JoinedAt, e.PositionPDA)
	if err != nil {
		return false, fmt.Errorf("ledger: add entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: add entry rows affected: %w", err)
	}
	return n > 0, nil
}

// HasEntry reports whether an entry with the given identity already
// exists — the replay detector used by join validation.
func (l *Ledger) HasEntry(ctx context.Context, id string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: has entry: %w", err)
	}
	return true, nil
}

// ListEntries returns all entries for a round in canonical order
// (ascending joined_at, ties broken by entry identity) — the order
// PayoutArithmetic's remainder assignment depends on.
func (l *Ledger) ListEntries(ctx context.Context, market string, roundID int64) ([]*round.Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, market, round_id, wallet, side, stake_units, joined_at, position_pda
		FROM entries WHERE market = ? AND round_id = ?
		ORDER BY joined_at ASC, id ASC
	`, market, roundID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()

	var out []*round.Entry
	for rows.Next() {
		var e round.Entry
		var side int
		if err := rows.Scan(&e.ID, &e.Market, &e.RoundID, &e.Wallet, &side, &e.StakeUnits, &e.JoinedAt, &e.PositionPDA); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.Side = round.Side(side)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecordJoinAttempt appends a rolling-window counter row for rate policy.
func (l *Ledger) RecordJoinAttempt(ctx context.Context, wallet, ip string, now int64) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO join_attempts (wallet, ip, attempted_at) VALUES (?, ?, ?)`, wallet, ip, now)
	if err != nil {
		return fmt.Errorf("ledger: record join attempt: %w", err)
	}
	return nil
}

// CountRecentByWallet counts join attempts by wallet within the last
// windowMs milliseconds as of now (unix millis).
func (l *Ledger) CountRecentByWallet(ctx context.Context, wallet string, windowMs, now int64) (int, error) {
	return l.countRecent(ctx, "wallet", wallet, windowMs, now)
}

// CountRecentByIP counts join attempts by ip within the last windowMs
// milliseconds as of now (unix millis).
func (l *Ledger) CountRecentByIP(ctx context.Context, ip string, windowMs, now int64) (int, error) {
	return l.countRecent(ctx, "ip", ip, windowMs, now)
}

func (l *Ledger) countRecent(ctx context.Context, column, value string, windowMs, now int64) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM join_attempts WHERE %s = ? AND attempted_at >= ?`, column)
	err := l.db.QueryRowContext(ctx, query, value, now-windowMs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ledger: count recent: %w", err)
	}
	return count, nil
}
