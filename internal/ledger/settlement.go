package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/priceduel/roundengine/internal/round"
)

// AddSettlement inserts plan if no plan exists yet for (market, round_id)
// — first writer wins. A second call is a no-op (returns created=false).
func (l *Ledger) AddSettlement(ctx context.Context, plan *round.SettlementPlan) (created bool, err error) {
	return l.writeSettlement(ctx, plan, false)
}

// UpsertSettlement writes plan, overwriting any existing plan for the
// round. Only safe before any transfer has been executed — callers must
// not upsert over a plan with receipts already appended.
func (l *Ledger) UpsertSettlement(ctx context.Context, plan *round.SettlementPlan) error {
	_, err := l.writeSettlement(ctx, plan, true)
	return err
}

func (l *Ledger) writeSettlement(ctx context.Context, plan *round.SettlementPlan, overwrite bool) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ledger: begin settlement tx: %w", err)
	}
	defer tx.Rollback()

	var winnerSide sql.NullInt64
	if plan.WinnerSide != nil {
		winnerSide = sql.NullInt64{Int64: int64(*plan.WinnerSide), Valid: true}
	}

	var res sql.Result
	if overwrite {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO settlement_plans (market, round_id, mode, winner_side, start_price, end_price, fee_units, completed)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(market, round_id) DO UPDATE SET
				mode = excluded.mode, winner_side = excluded.winner_side,
				start_price = excluded.start_price, end_price = excluded.end_price,
				fee_units = excluded.fee_units
		`, plan.Market, plan.RoundID, int(plan.Mode), winnerSide, plan.StartPrice, plan.EndPrice, plan.FeeUnits)
	} else {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO settlement_plans (market, round_id, mode, winner_side, start_price, end_price, fee_units, completed)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(market, round_id) DO NOTHING
		`, plan.Market, plan.RoundID, int(plan.Mode), winnerSide, plan.StartPrice, plan.EndPrice, plan.FeeUnits)
	}
	if err != nil {
		return false, fmt.Errorf("ledger: write settlement plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: settlement plan rows affected: %w", err)
	}
	created := n > 0
	if !overwrite && !created {
		// Another writer already persisted a plan for this round; don't
		// touch planned_transfers.
		return false, tx.Commit()
	}

	for i, pt := range plan.PlannedTransfers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO planned_transfers (market, round_id, transfer_id, recipient, units, kind, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(market, round_id, transfer_id) DO NOTHING
		`, plan.Market, plan.RoundID, pt.TransferID, pt.Recipient, pt.Units, int(pt.Kind), i)
		if err != nil {
			return false, fmt.Errorf("ledger: write planned transfer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("ledger: commit settlement tx: %w", err)
	}
	return created, nil
}

// GetSettlementPlan reads back a round's plan together with its planned
// transfers, in plan order, for idempotent resume after a crash.
func (l *Ledger) GetSettlementPlan(ctx context.Context, marketSymbol string, roundID int64) (*round.SettlementPlan, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT market, round_id, mode, winner_side, start_price, end_price, fee_units, completed
		FROM settlement_plans WHERE market = ? AND round_id = ?
	`, marketSymbol, roundID)

	var plan round.SettlementPlan
	var mode int
	var winnerSide sql.NullInt64
	var completed int
	if err := row.Scan(&plan.Market, &plan.RoundID, &mode, &winnerSide, &plan.StartPrice, &plan.EndPrice, &plan.FeeUnits, &completed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: get settlement plan: %w", err)
	}
	plan.Mode = round.SettlementMode(mode)
	plan.Completed = completed != 0
	if winnerSide.Valid {
		s := round.Side(winnerSide.Int64)
		plan.WinnerSide = &s
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT transfer_id, recipient, units, kind FROM planned_transfers
		WHERE market = ? AND round_id = ? ORDER BY seq ASC
	`, marketSymbol, roundID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list planned transfers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pt round.PlannedTransfer
		var kind int
		if err := rows.Scan(&pt.TransferID, &pt.Recipient, &pt.Units, &kind); err != nil {
			return nil, fmt.Errorf("ledger: scan planned transfer: %w", err)
		}
		pt.Kind = round.TransferKind(kind)
		plan.PlannedTransfers = append(plan.PlannedTransfers, pt)
	}
	return &plan, rows.Err()
}

// AppendTransferReceipt records a planned transfer's execution. Unique on
// (round_id, transfer_id) and on signature; a duplicate append (resumed
// execution) is silently treated as success.
func (l *Ledger) AppendTransferReceipt(ctx context.Context, r *round.TransferReceipt) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transfer_receipts (market, round_id, transfer_id, signature, units)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(market, round_id, transfer_id) DO NOTHING
	`, r.Market, r.RoundID, r.TransferID, r.Signature, r.Units)
	if err != nil {
		return fmt.Errorf("ledger: append transfer receipt: %w", err)
	}
	return nil
}

// ListReceipts returns the receipts recorded so far for a round.
func (l *Ledger) ListReceipts(ctx context.Context, marketSymbol string, roundID int64) ([]*round.TransferReceipt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT market, round_id, transfer_id, signature, units FROM transfer_receipts
		WHERE market = ? AND round_id = ?
	`, marketSymbol, roundID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list receipts: %w", err)
	}
	defer rows.Close()

	var out []*round.TransferReceipt
	for rows.Next() {
		var r round.TransferReceipt
		if err := rows.Scan(&r.Market, &r.RoundID, &r.TransferID, &r.Signature, &r.Units); err != nil {
			return nil, fmt.Errorf("ledger: scan receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkSettlementCompleted sets the terminal completed flag on a round's
// settlement plan.
func (l *Ledger) MarkSettlementCompleted(ctx context.Context, marketSymbol string, roundID int64) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE settlement_plans SET completed = 1 WHERE market = ? AND round_id = ?
	`, marketSymbol, roundID)
	if err != nil {
		return fmt.Errorf("ledger: mark settlement completed: %w", err)
	}
	return nil
}
