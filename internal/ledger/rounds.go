package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/priceduel/roundengine/internal/round"
)

// CreateRound inserts r if no round exists yet for (market, round_id).
// Idempotent: a second call with the same key is a no-op.
func (l *Ledger) CreateRound(ctx context.Context, r *round.Round) (created bool, err error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO rounds (market, round_id, start_ts, lock_ts, end_ts, status, feed_id, oracle_account, created_at,
		                     round_pda, vault_up_pda, vault_down_pda)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market, round_id) DO NOTHING
	`, r.Market, r.RoundID, r.StartTS, r.LockTS, r.EndTS, int(round.Open), r.FeedID, r.OracleAccount, r.CreatedAt,
		r.RoundPDA, r.VaultUpPDA, r.VaultDownPDA)
	if err != nil {
		return false, fmt.Errorf("ledger: create round: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: create round rows affected: %w", err)
	}
	return n > 0, nil
}

// GetRound reads a single round by key, or nil if it doesn't exist.
func (l *Ledger) GetRound(ctx context.Context, market string, roundID int64) (*round.Round, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT market, round_id, start_ts, lock_ts, end_ts, status, start_price, price_expo,
		       end_price, winner_side, up_total, down_total, fee_units, distributable_units,
		       feed_id, oracle_account, created_at, locked_at, settled_at,
		       round_pda, vault_up_pda, vault_down_pda
		FROM rounds WHERE market = ? AND round_id = ?
	`, market, roundID)
	r, err := scanRound(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListDueForLock returns OPEN rounds for market whose lock_ts has passed.
func (l *Ledger) ListDueForLock(ctx context.Context, market string, now int64) ([]*round.Round, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT market, round_id, start_ts, lock_ts, end_ts, status, start_price, price_expo,
		       end_price, winner_side, up_total, down_total, fee_units, distributable_units,
		       feed_id, oracle_account, created_at, locked_at, settled_at,
		       round_pda, vault_up_pda, vault_down_pda
		FROM rounds WHERE market = ? AND status = ? AND lock_ts <= ?
	`, market, int(round.Open), now)
	if err != nil {
		return nil, fmt.Errorf("ledger: list due for lock: %w", err)
	}
	return scanRounds(rows)
}

// ListNonSettledDue returns rounds across all markets whose end_ts has
// passed but are not yet SETTLED — the settlement engine's discovery step.
func (l *Ledger) ListNonSettledDue(ctx context.Context, now int64) ([]*round.Round, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT market, round_id, start_ts, lock_ts, end_ts, status, start_price, price_expo,
		       end_price, winner_side, up_total, down_total, fee_units, distributable_units,
		       feed_id, oracle_account, created_at, locked_at, settled_at,
		       round_pda, vault_up_pda, vault_down_pda
		FROM rounds WHERE end_ts <= ? AND status != ?
	`, now, int(round.Settled))
	if err != nil {
		return nil, fmt.Errorf("ledger: list non-settled due: %w", err)
	}
	return scanRounds(rows)
}

// LockRound transitions an OPEN round to LOCKED, recording the start
// price. It is a no-op (returns false) if the round is not OPEN.
func (l *Ledger) LockRound(ctx context.Context, marketSymbol string, roundID, now, startPrice int64, expo int32) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE rounds SET status = ?, start_price = ?, price_expo = ?, locked_at = ?
		WHERE market = ? AND round_id = ? AND status = ?
	`, int(round.Locked), startPrice, expo, now, marketSymbol, roundID, int(round.Open))
	if err != nil {
		return false, fmt.Errorf("ledger: lock round: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: lock round rows affected: %w", err)
	}
	return n > 0, nil
}

// FinalizeSettlement writes the computed settlement fields onto a round
// and transitions it to SETTLED, from whatever state it was in (OPEN or
// LOCKED — a forced settle skips the lock transition).
func (l *Ledger) FinalizeSettlement(ctx context.Context, marketSymbol string, roundID int64, plan *round.SettlementPlan, distributableUnits, now int64) error {
	var winnerSide sql.NullInt64
	if plan.WinnerSide != nil {
		winnerSide = sql.NullInt64{Int64: int64(*plan.WinnerSide), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		UPDATE rounds SET status = ?, end_price = ?, winner_side = ?, fee_units = ?,
		       distributable_units = ?, settled_at = ?
		WHERE market = ? AND round_id = ?
	`, int(round.Settled), plan.EndPrice, winnerSide, plan.FeeUnits,
		distributableUnits, now, marketSymbol, roundID)
	if err != nil {
		return fmt.Errorf("ledger: finalize settlement: %w", err)
	}
	return nil
}

// RecordSideTotals persists the up/down totals computed at lock time (the
// round's pool, frozen once locked).
func (l *Ledger) RecordSideTotals(ctx context.Context, marketSymbol string, roundID, upTotal, downTotal int64) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE rounds SET up_total = ?, down_total = ? WHERE market = ? AND round_id = ?
	`, upTotal, downTotal, marketSymbol, roundID)
	if err != nil {
		return fmt.Errorf("ledger: record side totals: %w", err)
	}
	return nil
}

func scanRound(row *sql.Row) (*round.Round, error) {
	var r round.Round
	var status int
	var startPrice, endPrice, winnerSide, expo sql.NullInt64
	if err := row.Scan(&r.Market, &r.RoundID, &r.StartTS, &r.LockTS, &r.EndTS, &status,
		&startPrice, &expo, &endPrice, &winnerSide, &r.UpTotalUnits, &r.DownTotalUnits,
		&r.FeeUnits, &r.DistributableUnits, &r.FeedID, &r.OracleAccount,
		&r.CreatedAt, &r.LockedAt, &r.SettledAt,
		&r.RoundPDA, &r.VaultUpPDA, &r.VaultDownPDA); err != nil {
		return nil, err
	}
	r.Status = round.Status(status)
	applyNullableRoundFields(&r, startPrice, expo, endPrice, winnerSide)
	return &r, nil
}

func scanRounds(rows *sql.Rows) ([]*round.Round, error) {
	defer rows.Close()
	var out []*round.Round
	for rows.Next() {
		var r round.Round
		var status int
		var startPrice, endPrice, winnerSide, expo sql.NullInt64
		if err := rows.Scan(&r.Market, &r.RoundID, &r.StartTS, &r.LockTS, &r.EndTS, &status,
			&startPrice, &expo, &endPrice, &winnerSide, &r.UpTotalUnits, &r.DownTotalUnits,
			&r.FeeUnits, &r.DistributableUnits, &r.FeedID, &r.OracleAccount,
			&r.CreatedAt, &r.LockedAt, &r.SettledAt,
			&r.RoundPDA, &r.VaultUpPDA, &r.VaultDownPDA); err != nil {
			return nil, fmt.Errorf("ledger: scan round: %w", err)
		}
		r.Status = round.Status(status)
		applyNullableRoundFields(&r, startPrice, expo, endPrice, winnerSide)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func applyNullableRoundFields(r *round.Round, startPrice, expo, endPrice, winnerSide sql.NullInt64) {
	if startPrice.Valid {
		v := startPrice.Int64
		r.StartPrice = &v
	}
	if expo.Valid {
		r.PriceExpo = int32(expo.Int64)
	}
	if endPrice.Valid {
		v := endPrice.Int64
		r.EndPrice = &v
	}
	if winnerSide.Valid {
		s := round.Side(winnerSide.Int64)
		r.WinnerSide = &s
	}
}
