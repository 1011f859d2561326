package ledger

import (
	"context"
	"fmt"
)

// TryAcquireRoundLock attempts to take the exclusive processing lock for
// (market, roundID). It succeeds when no holder exists or the existing
// holder is older than staleAfterMs — recovering from a worker crash
// between acquisition and release. Release is explicit via
// ReleaseRoundLock.
func (l *Ledger) TryAcquireRoundLock(ctx context.Context, marketSymbol string, roundID, now, staleAfterMs int64) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO round_locks (market, round_id, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(market, round_id) DO UPDATE SET acquired_at = excluded.acquired_at
		WHERE round_locks.acquired_at < ?
	`, marketSymbol, roundID, now, now-staleAfterMs)
	if err != nil {
		return false, fmt.Errorf("ledger: acquire round lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: acquire round lock rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseRoundLock releases the processing lock for (market, roundID).
// Safe to call even if no lock is held.
func (l *Ledger) ReleaseRoundLock(ctx context.Context, marketSymbol string, roundID int64) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM round_locks WHERE market = ? AND round_id = ?`, marketSymbol, roundID)
	if err != nil {
		return fmt.Errorf("ledger: release round lock: %w", err)
	}
	return nil
}
