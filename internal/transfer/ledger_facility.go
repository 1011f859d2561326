package transfer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// LedgerBackedFacility is the server-custody transfer facility: it
// simulates the external settlement ledger with its own table, separate
// from the engine's own transfer_receipts, so that the crash-recovery
// contract (consult the external ledger for an existing signature before
// re-submitting) is actually exercised rather than trivially satisfied by
// re-reading the engine's own receipt.
type LedgerBackedFacility struct {
	db *sql.DB
}

var _ Facility = (*LedgerBackedFacility)(nil)

const externalTransfersSchema = `
CREATE TABLE IF NOT EXISTS external_transfers (
	market TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	transfer_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	units INTEGER NOT NULL,
	signature TEXT NOT NULL UNIQUE,
	PRIMARY KEY (market, round_id, transfer_id)
);
`

// NewLedgerBackedFacility prepares the facility against db, creating its
// table if necessary.
func NewLedgerBackedFacility(db *sql.DB) (*LedgerBackedFacility, error) {
	if _, err := db.Exec(externalTransfersSchema); err != nil {
		return nil, fmt.Errorf("transfer: creating external_transfers table: %w", err)
	}
	return &LedgerBackedFacility{db: db}, nil
}

// Submit records intent's execution, assigning it a fresh signature.
// Resubmitting the same intent returns the signature already on file
// rather than minting a second one.
func (f *LedgerBackedFacility) Submit(ctx context.Context, intent Intent) (string, error) {
	if sig, found, err := f.FindBySignatureIntent(ctx, intent); err != nil {
		return "", err
	} else if found {
		return sig, nil
	}

	sig := uuid.NewString()
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO external_transfers (market, round_id, transfer_id, recipient, units, signature)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(market, round_id, transfer_id) DO NOTHING
	`, intent.Market, intent.RoundID, intent.TransferID, intent.Recipient, intent.Units, sig)
	if err != nil {
		return "", fmt.Errorf("transfer: submit: %w", err)
	}

	// Another racer may have won the insert; re-read to return the
	// signature actually on file.
	sig, _, err = f.FindBySignatureIntent(ctx, intent)
	if err != nil {
		return "", err
	}
	return sig, nil
}

// FindBySignatureIntent reports whether intent has already been executed.
func (f *LedgerBackedFacility) FindBySignatureIntent(ctx context.Context, intent Intent) (string, bool, error) {
	var sig string
	err := f.db.QueryRowContext(ctx, `
		SELECT signature FROM external_transfers WHERE market = ? AND round_id = ? AND transfer_id = ?
	`, intent.Market, intent.RoundID, intent.TransferID).Scan(&sig)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("transfer: find by intent: %w", err)
	}
	return sig, true, nil
}
