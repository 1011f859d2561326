// Package keeper drives rounds forward against wall-clock time: creating
// upcoming rounds, locking matured ones, and triggering settlement. It runs
// its own background goroutine and ticker, in the same shape as the
// teacher's swap timeout monitor.
package keeper

import (
	"context"
	"time"

	"github.com/priceduel/roundengine/internal/ledger"
	"github.com/priceduel/roundengine/internal/market"
	"github.com/priceduel/roundengine/internal/onchain"
	"github.com/priceduel/roundengine/internal/oracle"
	"github.com/priceduel/roundengine/internal/round"
	"github.com/priceduel/roundengine/internal/rounderrors"
	"github.com/priceduel/roundengine/internal/roundsconfig"
	"github.com/priceduel/roundengine/internal/settlement"
	"github.com/priceduel/roundengine/pkg/logging"
)

// minCreationSlackSeconds keeps create_round from racing a lock_round on
// the same boundary: a round is only created while there is at least this
// much slack before its lock timestamp.
const minCreationSlackSeconds = 1

// TickResult summarizes one tick's work, mainly for tests and the status
// endpoint.
type TickResult struct {
	Created []string
	Locked  []string
	Settled []string
}

// EventHandler receives round lifecycle events ("round.created",
// "round.locked") as the Keeper emits them, the same shape as the
// coordinator's swap event handlers.
type EventHandler func(eventType string, data map[string]any)

// Keeper is the periodic driver. It owns no durable state beyond the
// processing locks it asks the Ledger to take.
type Keeper struct {
	ledger *ledger.Ledger
	oracle oracle.Port
	engine *settlement.Engine
	cfg    *roundsconfig.Config
	log    *logging.Logger

	eventHandlers []EventHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// OnEvent registers a handler invoked for every round.created and
// round.locked event. Handlers run synchronously in tick order; a slow
// handler (e.g. a websocket broadcast) should not block on I/O.
func (k *Keeper) OnEvent(h EventHandler) {
	k.eventHandlers = append(k.eventHandlers, h)
}

func (k *Keeper) emitEvent(eventType string, data map[string]any) {
	for _, h := range k.eventHandlers {
		h(eventType, data)
	}
}

// New constructs a Keeper.
func New(l *ledger.Ledger, o oracle.Port, engine *settlement.Engine, cfg *roundsconfig.Config) *Keeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Keeper{
		ledger: l,
		oracle: o,
		engine: engine,
		cfg:    cfg,
		log:    logging.GetDefault().Component("keeper"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the tick loop in a background goroutine until Stop is called.
func (k *Keeper) Start() {
	go k.run()
	k.log.Info("keeper started", "interval", k.cfg.KeeperInterval)
}

// Stop ends the tick loop.
func (k *Keeper) Stop() {
	k.cancel()
	k.log.Info("keeper stopped")
}

func (k *Keeper) run() {
	ticker := time.NewTicker(k.cfg.KeeperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.Tick(k.ctx, time.Now().Unix())
		}
	}
}

// Tick runs one full pass: ensure/lock per market, then a single global
// settlement sweep. A failure in one market's step never prevents other
// markets or the settlement sweep from running in the same tick.
func (k *Keeper) Tick(ctx context.Context, now int64) TickResult {
	var result TickResult

	for _, symbol := range market.List() {
		created, err := k.ensureRounds(ctx, symbol, now)
		if err != nil {
			k.log.Warnf("ensure rounds failed for %s: %v", symbol, err)
		}
		result.Created = append(result.Created, created...)

		locked, err := k.lockDue(ctx, symbol, now)
		if err != nil {
			k.log.Warnf("lock due failed for %s: %v", symbol, err)
		}
		result.Locked = append(result.Locked, locked...)
	}

	if k.cfg.PauseSettle {
		return result
	}
	settled, err := k.engine.SettleDueRounds(ctx, now)
	if err != nil {
		k.log.Warnf("settle due rounds failed: %v", err)
	}
	result.Settled = settled

	return result
}

// ensureRounds creates the current and next cycle-aligned rounds for a
// market if they don't exist yet, as long as there is still creation
// slack before each one locks.
func (k *Keeper) ensureRounds(ctx context.Context, symbol string, now int64) ([]string, error) {
	m, ok := market.Get(symbol)
	if !ok {
		return nil, rounderrors.New(rounderrors.Fatal, "unregistered market "+symbol)
	}

	cycle := k.cfg.CycleSeconds()
	if cycle <= 0 {
		return nil, rounderrors.New(rounderrors.Fatal, "non-positive cycle duration")
	}

	currentStart := now - (now % cycle)
	var wireIDs []string

	for _, startTS := range []int64{currentStart, currentStart + cycle} {
		lockTS := startTS + k.cfg.OpenSeconds
		endTS := lockTS + k.cfg.SettleSeconds

		if !round.CanCreate(now, lockTS, minCreationSlackSeconds) {
			continue
		}

		r := &round.Round{
			Market:        symbol,
			RoundID:       startTS,
			StartTS:       startTS,
			LockTS:        lockTS,
			EndTS:         endTS,
			FeedID:        m.FeedID,
			OracleAccount: m.ExpectedOwner,
			CreatedAt:     now,
		}
		if k.cfg.ProgramID != "" {
			roundPDA, _ := onchain.DeriveRoundPDA(k.cfg.ProgramID, symbol, startTS)
			vaultUp, _ := onchain.DeriveVaultPDA(k.cfg.ProgramID, roundPDA, round.Up.Byte())
			vaultDown, _ := onchain.DeriveVaultPDA(k.cfg.ProgramID, roundPDA, round.Down.Byte())
			r.RoundPDA = roundPDA
			r.VaultUpPDA = vaultUp
			r.VaultDownPDA = vaultDown
		}
		created, err := k.ledger.CreateRound(ctx, r)
		if err != nil {
			return wireIDs, err
		}
		if created {
			wireIDs = append(wireIDs, r.WireID())
			k.emitEvent("round.created", map[string]any{"market": symbol, "round_id": r.WireID()})
		}
	}
	return wireIDs, nil
}

// lockDue transitions every OPEN round whose lock_ts has passed to LOCKED,
// recording the start price and freezing the round's side totals.
func (k *Keeper) lockDue(ctx context.Context, symbol string, now int64) ([]string, error) {
	m, ok := market.Get(symbol)
	if !ok {
		return nil, rounderrors.New(rounderrors.Fatal, "unregistered market "+symbol)
	}

	due, err := k.ledger.ListDueForLock(ctx, symbol, now)
	if err != nil {
		return nil, err
	}

	var wireIDs []string
	for _, r := range due {
		snap, err := k.oracle.PriceAt(ctx, symbol, r.LockTS)
		if err != nil {
			k.log.Warnf("oracle fetch failed locking %s: %v", r.WireID(), err)
			continue
		}
		if err := oracle.VerifyOwner(snap, m.ExpectedOwner); err != nil {
			k.log.Warnf("oracle owner mismatch locking %s: %v", r.WireID(), err)
			continue
		}
		if err := oracle.VerifyFresh(snap, r.LockTS, k.cfg.OracleMaxAgeSec); err != nil {
			k.log.Warnf("stale oracle locking %s: %v", r.WireID(), err)
			continue
		}

		locked, err := k.ledger.LockRound(ctx, symbol, r.RoundID, now, snap.Price, snap.Expo)
		if err != nil {
			return wireIDs, err
		}
		if !locked {
			continue
		}

		entries, err := k.ledger.ListEntries(ctx, symbol, r.RoundID)
		if err != nil {
			return wireIDs, err
		}
		var up, down int64
		for _, e := range entries {
			if e.Side == round.Up {
				up += e.StakeUnits
			} else {
				down += e.StakeUnits
			}
		}
		if err := k.ledger.RecordSideTotals(ctx, symbol, r.RoundID, up, down); err != nil {
			return wireIDs, err
		}

		wireIDs = append(wireIDs, r.WireID())
		k.emitEvent("round.locked", map[string]any{"market": symbol, "round_id": r.WireID(), "start_price": snap.Price})
	}
	return wireIDs, nil
}
