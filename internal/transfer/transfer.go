// Package transfer models the external transfer facility the settlement
// engine submits planned payouts to. It is kept interface-only at the
// boundary: wallet signing is an external collaborator out of scope here,
// the way the rest of this codebase never signs inside its orchestration
// layer either.
package transfer

import "context"

// Intent is the recipient-and-amount description of one planned transfer,
// used both to submit it and to look it up by idempotency key on resume.
type Intent struct {
	Market     string
	RoundID    int64
	TransferID string
	Recipient  string
	Units      int64
}

// Facility is the external transfer boundary SettlementEngine executes
// planned transfers against.
type Facility interface {
	// Submit executes intent and returns its external signature.
	Submit(ctx context.Context, intent Intent) (signature string, err error)

	// FindBySignatureIntent looks up whether intent was already submitted
	// — consulted after a crash between submission and receipt append, so
	// a resumed engine never re-emits an external transfer.
	FindBySignatureIntent(ctx context.Context, intent Intent) (signature string, found bool, err error)
}
