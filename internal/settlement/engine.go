// Package settlement implements SettlementEngine: discovering due rounds,
// acquiring the per-round processing lock, building a payout plan,
// executing transfers idempotently, and finalizing round state.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/priceduel/roundengine/internal/ledger"
	"github.com/priceduel/roundengine/internal/market"
	"github.com/priceduel/roundengine/internal/oracle"
	"github.com/priceduel/roundengine/internal/payout"
	"github.com/priceduel/roundengine/internal/round"
	"github.com/priceduel/roundengine/internal/rounderrors"
	"github.com/priceduel/roundengine/internal/roundsconfig"
	"github.com/priceduel/roundengine/internal/transfer"
	"github.com/priceduel/roundengine/pkg/logging"
)

// ProcessingLockTTLMs is the 15-minute stale-lock threshold from the
// concurrency model.
const ProcessingLockTTLMs = 15 * 60 * 1000

// localRetryAttempts and localRetryDelay implement the "3 attempts with
// linear backoff within one tick" propagation policy for TransientExternal
// errors encountered while executing a single planned transfer.
const localRetryAttempts = 3

var localRetryDelay = 200 * time.Millisecond

// EventHandler receives "round.settled" events as the Engine emits them.
type EventHandler func(eventType string, data map[string]any)

// Engine orchestrates settlement.
type Engine struct {
	ledger   *ledger.Ledger
	oracle   oracle.Port
	facility transfer.Facility
	cfg      *roundsconfig.Config
	log      *logging.Logger

	eventHandlers []EventHandler
}

// OnEvent registers a handler invoked for every round.settled event.
func (e *Engine) OnEvent(h EventHandler) {
	e.eventHandlers = append(e.eventHandlers, h)
}

func (e *Engine) emitEvent(eventType string, data map[string]any) {
	for _, h := range e.eventHandlers {
		h(eventType, data)
	}
}

// New constructs a settlement Engine.
func New(l *ledger.Ledger, o oracle.Port, f transfer.Facility, cfg *roundsconfig.Config) *Engine {
	return &Engine{
		ledger:   l,
		oracle:   o,
		facility: f,
		cfg:      cfg,
		log:      logging.GetDefault().Component("settlement"),
	}
}

// SettleDueRounds discovers rounds with end_ts <= now that are not
// SETTLED and drives each one through settlement. A failure on one round
// never prevents others from being processed in the same call.
func (e *Engine) SettleDueRounds(ctx context.Context, now int64) (settled []string, err error) {
	if e.cfg.PauseSettle {
		return nil, rounderrors.New(rounderrors.Paused, "settlement is paused")
	}

	due, err := e.ledger.ListNonSettledDue(ctx, now)
	if err != nil {
		return nil, rounderrors.Wrap(rounderrors.TransientExternal, "listing due rounds", err)
	}

	for _, r := range due {
		ok, err := e.settleOne(ctx, r, now)
		if err != nil {
			e.log.Warnf("settlement attempt failed for %s: %v", r.WireID(), err)
			continue
		}
		if ok {
			settled = append(settled, r.WireID())
			e.emitEvent("round.settled", map[string]any{"market": r.Market, "round_id": r.WireID()})
		}
	}
	return settled, nil
}

// settleOne attempts to settle a single round, releasing the processing
// lock on every exit path.
func (e *Engine) settleOne(ctx context.Context, r *round.Round, now int64) (bool, error) {
	acquired, err := e.ledger.TryAcquireRoundLock(ctx, r.Market, r.RoundID, now*1000, ProcessingLockTTLMs)
	if err != nil {
		return false, err
	}
	if !acquired {
		// Another worker holds the lock; this is expected under
		// multi-replica Keeper deployment, not an error.
		return false, nil
	}
	defer e.ledger.ReleaseRoundLock(ctx, r.Market, r.RoundID)

	fresh, err := e.ledger.GetRound(ctx, r.Market, r.RoundID)
	if err != nil {
		return false, err
	}
	if fresh == nil {
		return false, fmt.Errorf("settlement: round %s vanished under lock", r.WireID())
	}
	if fresh.Status == round.Settled {
		return false, nil
	}

	plan, distributable, err := e.buildOrResumePlan(ctx, fresh, now)
	if err != nil {
		return false, err
	}

	completed, err := e.executeTransfers(ctx, plan)
	if err != nil {
		return false, err
	}
	if !completed {
		// Transient failure mid-execution: leave the plan in place for
		// the next tick to resume.
		return false, nil
	}

	if err := e.ledger.MarkSettlementCompleted(ctx, fresh.Market, fresh.RoundID); err != nil {
		return false, err
	}
	if err := e.ledger.FinalizeSettlement(ctx, fresh.Market, fresh.RoundID, plan, distributable, now); err != nil {
		return false, err
	}
	return true, nil
}

// buildOrResumePlan returns the round's settlement plan, building it (and
// persisting it first-writer-wins) if none exists yet, or reading back the
// already-persisted plan otherwise — the idempotence contract forbids
// overwriting a plan once it exists.
func (e *Engine) buildOrResumePlan(ctx context.Context, r *round.Round, now int64) (*round.SettlementPlan, int64, error) {
	existing, err := e.ledger.GetSettlementPlan(ctx, r.Market, r.RoundID)
	if err != nil {
		return nil, 0, err
	}
	if existing != nil {
		return existing, sumDistributable(existing), nil
	}

	plan, distributable, err := e.buildPlan(ctx, r, now)
	if err != nil {
		return nil, 0, err
	}

	created, err := e.ledger.AddSettlement(ctx, plan)
	if err != nil {
		return nil, 0, err
	}
	if !created {
		// Lost a race with another writer between the read above and
		// this insert; defer to whatever they persisted.
		reread, err := e.ledger.GetSettlementPlan(ctx, r.Market, r.RoundID)
		if err != nil {
			return nil, 0, err
		}
		return reread, sumDistributable(reread), nil
	}
	return plan, distributable, nil
}

func sumDistributable(plan *round.SettlementPlan) int64 {
	var total int64
	for _, pt := range plan.PlannedTransfers {
		if pt.Kind != round.FeeTransfer {
			total += pt.Units
		}
	}
	return total
}

// buildPlan computes a round's settlement plan from its entries and the
// oracle snapshots at lock_ts and end_ts, falling back to REFUND when a
// snapshot is unavailable or stale beyond the nearest-timestamp search
// budget.
func (e *Engine) buildPlan(ctx context.Context, r *round.Round, now int64) (*round.SettlementPlan, int64, error) {
	m, ok := market.Get(r.Market)
	if !ok {
		return nil, 0, rounderrors.New(rounderrors.Fatal, fmt.Sprintf("settlement: unregistered market %q", r.Market))
	}

	entries, err := e.ledger.ListEntries(ctx, r.Market, r.RoundID)
	if err != nil {
		return nil, 0, err
	}

	var upTotal, downTotal int64
	for _, en := range entries {
		if en.Side == round.Up {
			upTotal += en.StakeUnits
		} else {
			downTotal += en.StakeUnits
		}
	}

	startSnap, startErr := e.snapshotWithFallback(ctx, r.Market, r.LockTS, m.ExpectedOwner)
	endSnap, endErr := e.snapshotWithFallback(ctx, r.Market, r.EndTS, m.ExpectedOwner)

	var mode round.SettlementMode
	var winner *round.Side
	var startPrice, endPrice int64

	if startErr != nil || endErr != nil {
		// Oracle retrieval failed even after the nearest-timestamp
		// fallback: settle as REFUND using whatever last-known values
		// exist, per the settlement engine's fallback contract.
		mode = round.Refund
		if r.StartPrice != nil {
			startPrice = *r.StartPrice
		}
		if r.EndPrice != nil {
			endPrice = *r.EndPrice
		}
	} else {
		startPrice = startSnap.Price
		endPrice = endSnap.Price
		mode, winner = round.Decide(upTotal, downTotal, startPrice, endPrice)
	}

	total := upTotal + downTotal
	var fee, distributable int64
	if mode == round.Win {
		fee, distributable = payout.Fee(total, e.cfg.FeeBps)
	} else {
		fee, distributable = 0, total
	}

	plan := &round.SettlementPlan{
		Market:     r.Market,
		RoundID:    r.RoundID,
		Mode:       mode,
		WinnerSide: winner,
		StartPrice: startPrice,
		EndPrice:   endPrice,
		FeeUnits:   fee,
	}

	plan.PlannedTransfers = buildTransfers(entries, mode, winner, distributable, fee, e.cfg.ExpectedTreasuryWallet)

	return plan, distributable, nil
}

func buildTransfers(entries []*round.Entry, mode round.SettlementMode, winner *round.Side, distributable, fee int64, treasury string) []round.PlannedTransfer {
	var recipients []payout.Recipient
	for _, en := range entries {
		if mode == round.Win && en.Side != *winner {
			continue
		}
		recipients = append(recipients, payout.Recipient{Key: en.ID, Weight: en.StakeUnits})
	}

	allocs := payout.Allocate(distributable, recipients)

	transfers := make([]round.PlannedTransfer, 0, len(allocs)+1)
	kind := round.Payout
	if mode == round.Refund {
		kind = round.RefundTransfer
	}
	for _, a := range allocs {
		if a.Units == 0 {
			continue
		}
		transfers = append(transfers, round.PlannedTransfer{
			TransferID: fmt.Sprintf("entry:%s", a.Key),
			Recipient:  a.Key,
			Units:      a.Units,
			Kind:       kind,
		})
	}
	if fee > 0 && treasury != "" {
		transfers = append(transfers, round.PlannedTransfer{
			TransferID: "fee",
			Recipient:  treasury,
			Units:      fee,
			Kind:       round.FeeTransfer,
		})
	}
	return transfers
}

// snapshotWithFallback fetches an oracle snapshot at ts, verifying
// owner/freshness, and searches ±NearestTimestampSearchSeconds before
// giving up.
func (e *Engine) snapshotWithFallback(ctx context.Context, marketSymbol string, ts int64, expectedOwner string) (oracle.Snapshot, error) {
	snap, err := e.oracle.PriceAt(ctx, marketSymbol, ts)
	if err == nil {
		if verr := verify(snap, ts, expectedOwner, e.cfg.OracleMaxAgeSec); verr == nil {
			return snap, nil
		}
	}

	for d := int64(1); d <= oracle.NearestTimestampSearchSeconds; d++ {
		for _, probe := range []int64{ts + d, ts - d} {
			snap, err := e.oracle.PriceAt(ctx, marketSymbol, probe)
			if err != nil {
				continue
			}
			if verr := verify(snap, ts, expectedOwner, e.cfg.OracleMaxAgeSec); verr == nil {
				return snap, nil
			}
		}
	}

	return oracle.Snapshot{}, rounderrors.New(rounderrors.StaleOracle, fmt.Sprintf("no fresh snapshot for %s near %d", marketSymbol, ts))
}

func verify(snap oracle.Snapshot, ts int64, expectedOwner string, maxAge int64) error {
	if err := oracle.VerifyOwner(snap, expectedOwner); err != nil {
		return err
	}
	return oracle.VerifyFresh(snap, ts, maxAge)
}

// executeTransfers submits each planned transfer in order, appending a
// receipt on success. It stops (without erroring) on the first transient
// failure that survives local retry, leaving the plan PROCESSING for the
// next tick. Already-receipted transfers are skipped, and the external
// ledger is consulted before resubmitting an intent whose receipt was
// never appended (the crash-between-submit-and-receipt scenario).
func (e *Engine) executeTransfers(ctx context.Context, plan *round.SettlementPlan) (completed bool, err error) {
	existingReceipts, err := e.ledger.ListReceipts(ctx, plan.Market, plan.RoundID)
	if err != nil {
		return false, err
	}
	done := make(map[string]bool, len(existingReceipts))
	for _, r := range existingReceipts {
		done[r.TransferID] = true
	}

	for _, pt := range plan.PlannedTransfers {
		if done[pt.TransferID] {
			continue
		}

		intent := transfer.Intent{
			Market:     plan.Market,
			RoundID:    plan.RoundID,
			TransferID: pt.TransferID,
			Recipient:  pt.Recipient,
			Units:      pt.Units,
		}

		sig, found, err := e.facility.FindBySignatureIntent(ctx, intent)
		if err != nil {
			return false, rounderrors.Wrap(rounderrors.TransientExternal, "checking external ledger for existing signature", err)
		}
		if !found {
			sig, err = e.submitWithRetry(ctx, intent)
			if err != nil {
				if rounderrors.Is(err, rounderrors.TransientExternal) {
					return false, nil
				}
				return false, err
			}
		}

		if err := e.ledger.AppendTransferReceipt(ctx, &round.TransferReceipt{
			Market:     plan.Market,
			RoundID:    plan.RoundID,
			TransferID: pt.TransferID,
			Signature:  sig,
			Units:      pt.Units,
		}); err != nil {
			return false, err
		}
	}

	return true, nil
}

func (e *Engine) submitWithRetry(ctx context.Context, intent transfer.Intent) (string, error) {
	var lastErr error
	for attempt := 0; attempt < localRetryAttempts; attempt++ {
		sig, err := e.facility.Submit(ctx, intent)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if attempt < localRetryAttempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(localRetryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return "", rounderrors.Wrap(rounderrors.TransientExternal, "transfer submission failed after retries", lastErr)
}
