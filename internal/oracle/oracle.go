// Package oracle defines the narrow port the settlement engine uses to
// fetch a price at a wall-clock instant, plus a concrete HTTP
// implementation, a single-flight deduplicating wrapper, and an in-memory
// test double.
package oracle

import (
	"context"
	"fmt"

	"github.com/priceduel/roundengine/internal/rounderrors"
)

// Snapshot is the (price, expo, publish_time, confidence, owner) tuple
// returned for a (market, timestamp) query.
type Snapshot struct {
	Market      string
	Price       int64 // integer mantissa
	Expo        int32
	PublishTime int64 // unix seconds
	Confidence  int64
	SourceOwner string
}

// Port is the contract every oracle implementation satisfies. Callers
// assume deterministic results for identical (market, unixTS) within a
// grace window.
type Port interface {
	PriceAt(ctx context.Context, market string, unixTS int64) (Snapshot, error)
}

// VerifyOwner checks a snapshot's source owner against the market's
// expected oracle owner, returning an OracleOwnerMismatch error if they
// differ.
func VerifyOwner(snap Snapshot, expectedOwner string) error {
	if snap.SourceOwner != expectedOwner {
		return rounderrors.New(rounderrors.OracleOwnerMismatch,
			fmt.Sprintf("oracle owner %q does not match expected %q", snap.SourceOwner, expectedOwner))
	}
	return nil
}

// VerifyFresh checks a snapshot's publish time against unixTS within
// maxAgeSeconds, returning a StaleOracle error if it falls outside
// tolerance.
func VerifyFresh(snap Snapshot, unixTS, maxAgeSeconds int64) error {
	age := unixTS - snap.PublishTime
	if age < 0 {
		age = -age
	}
	if age > maxAgeSeconds {
		return rounderrors.New(rounderrors.StaleOracle,
			fmt.Sprintf("publish_time %d is %ds from query time %d, exceeds max age %ds", snap.PublishTime, age, unixTS, maxAgeSeconds))
	}
	return nil
}

// NearestTimestampSearchSeconds is the ±window the settlement engine
// retries within before giving up and falling back to REFUND.
const NearestTimestampSearchSeconds = 10
