// Package payout computes pro-rata payouts and protocol fees using pure,
// deterministic integer arithmetic. Nothing here touches I/O, configuration,
// or storage — it is a standalone library so the conservation and
// determinism properties it must preserve can be tested in isolation.
package payout

// Recipient is one weighted claim against a distributable amount. Key is
// carried through only for identification in the returned Allocation; it
// plays no role in the arithmetic itself.
type Recipient struct {
	Key    string
	Weight int64
}

// Allocation is one recipient's share of a distributable amount.
type Allocation struct {
	Key   string
	Units int64
}

// Fee computes the protocol fee and the remaining distributable amount.
// fee = floor(total * feeBps / 10_000); distributable = total - fee.
func Fee(total int64, feeBps int) (fee, distributable int64) {
	if total <= 0 || feeBps <= 0 {
		return 0, total
	}
	fee = (total * int64(feeBps)) / 10_000
	return fee, total - fee
}

// Allocate splits distributable pro-rata across recipients by weight, in
// the input order, assigning any floor-division remainder entirely to the
// first recipient. Callers MUST pass recipients in the canonical order
// (ascending joined_at, ties broken by entry identity) for the result to
// be stable across replays.
//
// Degenerate inputs — zero distributable, an empty recipient list, or a
// zero weight total — produce an all-zero (or empty) allocation rather
// than an error.
func Allocate(distributable int64, recipients []Recipient) []Allocation {
	out := make([]Allocation, len(recipients))
	if distributable <= 0 || len(recipients) == 0 {
		for i, r := range recipients {
			out[i] = Allocation{Key: r.Key, Units: 0}
		}
		return out
	}

	var weightTotal int64
	for _, r := range recipients {
		weightTotal += r.Weight
	}
	if weightTotal <= 0 {
		for i, r := range recipients {
			out[i] = Allocation{Key: r.Key, Units: 0}
		}
		return out
	}

	var paid int64
	for i, r := range recipients {
		units := (distributable * r.Weight) / weightTotal
		out[i] = Allocation{Key: r.Key, Units: units}
		paid += units
	}

	if remainder := distributable - paid; remainder > 0 {
		out[0].Units += remainder
	}

	return out
}
