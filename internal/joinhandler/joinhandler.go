// Package joinhandler validates and records entry submissions: payload
// shape, pause gate, per-ip and per-wallet rate limits, window and
// cycle-alignment checks, and (in server-custody mode) confirmation that
// the claimed stake actually arrived at the escrow address before the
// entry is durably recorded.
package joinhandler

import (
	"context"
	"fmt"

	"github.com/priceduel/roundengine/internal/ledger"
	"github.com/priceduel/roundengine/internal/market"
	"github.com/priceduel/roundengine/internal/onchain"
	"github.com/priceduel/roundengine/internal/round"
	"github.com/priceduel/roundengine/internal/rounderrors"
	"github.com/priceduel/roundengine/internal/roundsconfig"
	"github.com/priceduel/roundengine/pkg/logging"
)

// EntryPayload is the wire shape of one POST /entries submission.
type EntryPayload struct {
	RoundID       string
	Market        string
	FeedID        string
	RoundStartMs  int64
	RoundEndMs    int64
	Wallet        string
	Direction     string
	StakeLamports int64
	Signature     string
	JoinedAtMs    int64   // advisory only; server time is authoritative
	StakeUSD      float64 // advisory only; StakeLamports is authoritative
	StartPrice    float64 // advisory only; the oracle snapshot at lock is authoritative
}

// EscrowVerifier confirms an external deposit matching a claimed stake
// actually landed at the escrow address within a round's open window. It
// is kept interface-only at the wallet/chain boundary the same way
// internal/transfer is: signing and chain confirmation are external
// collaborators out of scope here.
type EscrowVerifier interface {
	VerifyDeposit(ctx context.Context, wallet, memo string, units, windowStartMs, windowEndMs int64) (bool, error)
}

// Handler validates and records entries.
type Handler struct {
	ledger *ledger.Ledger
	escrow EscrowVerifier
	cfg    *roundsconfig.Config
	log    *logging.Logger
}

// New constructs a Handler. escrow may be nil to skip deposit verification
// (pre-on-chain / trusted-submission deployments).
func New(l *ledger.Ledger, escrow EscrowVerifier, cfg *roundsconfig.Config) *Handler {
	return &Handler{
		ledger: l,
		escrow: escrow,
		cfg:    cfg,
		log:    logging.GetDefault().Component("joinhandler"),
	}
}

// Submit validates and records one entry. ip identifies the caller for
// per-ip rate limiting; nowMs is the server-received submission time used
// both for window checks and as the entry's authoritative joined_at.
func (h *Handler) Submit(ctx context.Context, ip string, p EntryPayload, nowMs int64) (created bool, err error) {
	if h.cfg.PauseJoins {
		return false, rounderrors.New(rounderrors.Paused, "joins are paused")
	}

	if err := h.checkRateLimit(ctx, "ip", ip, nowMs); err != nil {
		return false, err
	}
	if err := h.checkRateLimit(ctx, "wallet", p.Wallet, nowMs); err != nil {
		return false, err
	}
	if err := h.ledger.RecordJoinAttempt(ctx, p.Wallet, ip, nowMs); err != nil {
		h.log.Warnf("recording join attempt: %v", err)
	}

	m, side, startTS, lockTS, err := h.validatePayload(p)
	if err != nil {
		return false, err
	}

	nowSec := nowMs / 1000
	if !round.IsJoinWindowOpen(nowSec, startTS, lockTS) {
		return false, rounderrors.New(rounderrors.Validation, "round not open")
	}

	if h.escrow != nil {
		ok, err := h.escrow.VerifyDeposit(ctx, p.Wallet, p.Signature, p.StakeLamports, startTS*1000, lockTS*1000)
		if err != nil {
			return false, rounderrors.Wrap(rounderrors.TransientExternal, "verifying escrow deposit", err)
		}
		if !ok {
			return false, rounderrors.New(rounderrors.Validation, "escrow deposit not found or mismatched")
		}
	}

	entry := &round.Entry{
		ID:         p.Signature,
		Market:     m.Symbol,
		RoundID:    startTS,
		Wallet:     p.Wallet,
		Side:       side,
		StakeUnits: p.StakeLamports,
		JoinedAt:   nowMs,
	}
	if h.cfg.ProgramID != "" {
		roundPDA, _ := onchain.DeriveRoundPDA(h.cfg.ProgramID, m.Symbol, startTS)
		positionPDA, _ := onchain.DerivePositionPDA(h.cfg.ProgramID, roundPDA, p.Wallet, side.Byte())
		entry.PositionPDA = positionPDA
	}

	created, err = h.ledger.AddEntry(ctx, entry)
	if err != nil {
		return false, rounderrors.Wrap(rounderrors.TransientExternal, "recording entry", err)
	}
	return created, nil
}

// validatePayload checks the payload is well-formed and consistent with
// its market's binding and the round's scheduling invariants.
func (h *Handler) validatePayload(p EntryPayload) (m *market.Market, side round.Side, startTS, lockTS int64, err error) {
	m, ok := market.Get(p.Market)
	if !ok {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, fmt.Sprintf("unknown market %q", p.Market))
	}
	if p.FeedID != m.FeedID {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, fmt.Sprintf("feed %q does not match market %q", p.FeedID, p.Market))
	}
	if !m.IsSupportedTier(p.StakeLamports) {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, fmt.Sprintf("stake %d is not an enumerated tier for %q", p.StakeLamports, p.Market))
	}

	side, err = round.ParseSide(p.Direction)
	if err != nil {
		return nil, 0, 0, 0, rounderrors.Wrap(rounderrors.Validation, "invalid direction", err)
	}

	if p.RoundStartMs%1000 != 0 || p.RoundEndMs%1000 != 0 {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, "round timestamps must be whole seconds")
	}
	startTS = p.RoundStartMs / 1000
	endTS := p.RoundEndMs / 1000
	lockTS = startTS + h.cfg.OpenSeconds

	wantRoundID := fmt.Sprintf("%s-%d-5m", m.Symbol, startTS)
	if p.RoundID != wantRoundID {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, fmt.Sprintf("round_id %q does not match computed id %q", p.RoundID, wantRoundID))
	}

	cycle := h.cfg.CycleSeconds()
	if !round.IsStartAligned(startTS, cycle) {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, "start_ts is not cycle-aligned")
	}

	wantEndTS := startTS + h.cfg.OpenSeconds + h.cfg.SettleSeconds
	if endTS != wantEndTS {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, fmt.Sprintf("end_ts %d does not match computed %d", endTS, wantEndTS))
	}

	if p.Wallet == "" {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, "wallet is required")
	}
	if p.Signature == "" {
		return nil, 0, 0, 0, rounderrors.New(rounderrors.Validation, "signature is required")
	}

	return m, side, startTS, lockTS, nil
}

// checkRateLimit enforces the configured (limit, window) bucket for
// (endpoint="entries", scope) against value, counting recent join
// attempts by the matching column.
func (h *Handler) checkRateLimit(ctx context.Context, scope, value string, nowMs int64) error {
	rule, ok := h.cfg.RateLimits[roundsconfig.RateLimitKey{Endpoint: "entries", Scope: scope}]
	if !ok || rule.Limit <= 0 {
		return nil
	}

	var count int
	var err error
	switch scope {
	case "ip":
		count, err = h.ledger.CountRecentByIP(ctx, value, rule.WindowMs, nowMs)
	case "wallet":
		count, err = h.ledger.CountRecentByWallet(ctx, value, rule.WindowMs, nowMs)
	default:
		return nil
	}
	if err != nil {
		return rounderrors.Wrap(rounderrors.TransientExternal, "checking rate limit", err)
	}
	if count >= rule.Limit {
		return rounderrors.New(rounderrors.RateLimited, fmt.Sprintf("rate limit exceeded for %s", scope))
	}
	return nil
}
