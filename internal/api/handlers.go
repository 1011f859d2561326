package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/priceduel/roundengine/internal/joinhandler"
	"github.com/priceduel/roundengine/internal/market"
	"github.com/priceduel/roundengine/internal/rounderrors"
)

// opsHealthScanLimit bounds how many pending rounds /ops/health will list,
// so a large backlog never turns a health check into a table scan.
const opsHealthScanLimit = 50

type entryPayloadWire struct {
	RoundID       string `json:"round_id"`
	Market        string `json:"market"`
	FeedID        string `json:"feed_id"`
	RoundStartMs  int64  `json:"round_start_ms"`
	RoundEndMs    int64  `json:"round_end_ms"`
	Wallet        string `json:"wallet"`
	Direction     string `json:"direction"`
	StakeLamports int64   `json:"stake_lamports"`
	Signature     string  `json:"signature"`
	JoinedAtMs    int64   `json:"joined_at_ms"`
	StakeUSD      float64 `json:"stake_usd"`
	StartPrice    float64 `json:"start_price"`
}

func (s *Server) handleSubmitEntry(w http.ResponseWriter, r *http.Request) {
	var wire entryPayloadWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, rounderrors.New(rounderrors.Validation, "malformed JSON body"))
		return
	}

	payload := joinhandler.EntryPayload{
		RoundID:       wire.RoundID,
		Market:        wire.Market,
		FeedID:        wire.FeedID,
		RoundStartMs:  wire.RoundStartMs,
		RoundEndMs:    wire.RoundEndMs,
		Wallet:        wire.Wallet,
		Direction:     wire.Direction,
		StakeLamports: wire.StakeLamports,
		Signature:     wire.Signature,
		JoinedAtMs:    wire.JoinedAtMs,
		StakeUSD:      wire.StakeUSD,
		StartPrice:    wire.StartPrice,
	}
	ip := clientIP(r)

	created, err := s.entries.Submit(r.Context(), ip, payload, s.nowMs())
	if err != nil {
		if rounderrors.Is(err, rounderrors.RateLimited) {
			w.Header().Set("Retry-After", "60")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "created": created})
}

func (s *Server) handleOracleSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("market")
	m, ok := market.Get(symbol)
	if !ok {
		writeError(w, rounderrors.New(rounderrors.Validation, "unknown market"))
		return
	}

	now := s.nowMs() / 1000
	snap, err := s.oracle.PriceAt(r.Context(), symbol, now)
	if err != nil {
		writeError(w, rounderrors.Wrap(rounderrors.TransientExternal, "fetching oracle snapshot", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market":       snap.Market,
		"asset":        symbol,
		"source":       snap.SourceOwner,
		"feed_id":      m.FeedID,
		"price":        snap.Price,
		"confidence":   snap.Confidence,
		"publish_time": snap.PublishTime,
		"fetched_at":   s.nowMs() / 1000,
	})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if !constantTimeKeyMatch(r.Header.Get("x-settle-key"), s.cfg.SettleKey) {
		writeError(w, rounderrors.New(rounderrors.Auth, "missing or invalid settle key"))
		return
	}
	if s.cfg.PauseSettle {
		writeError(w, rounderrors.New(rounderrors.Paused, "settlement is paused"))
		return
	}

	settled, err := s.engine.SettleDueRounds(r.Context(), s.nowMs()/1000)
	if err != nil {
		writeError(w, rounderrors.Wrap(rounderrors.TransientExternal, "settling due rounds", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "settled": settled})
}

// constantTimeKeyMatch reports whether header equals want, in constant
// time, with empty-want always rejected so an unset SETTLE_KEY can never
// be satisfied by an empty header.
func constantTimeKeyMatch(header, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(want)) == 1
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	nowSec := s.nowMs() / 1000

	due, err := s.ledger.ListNonSettledDue(r.Context(), nowSec)
	if err != nil {
		writeError(w, rounderrors.Wrap(rounderrors.TransientExternal, "listing due rounds", err))
		return
	}

	var maxLagMs int64
	for _, rr := range due {
		lag := (nowSec - rr.EndTS) * 1000
		if lag > maxLagMs {
			maxLagMs = lag
		}
	}

	status := "ok"
	switch {
	case s.cfg.PauseJoins || s.cfg.PauseSettle:
		status = "paused"
	case maxLagMs > 2*s.cfg.SettleSeconds*1000:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                    true,
		"status":                status,
		"joins_paused":          s.cfg.PauseJoins,
		"settlement_paused":     s.cfg.PauseSettle,
		"pending_due_rounds":    len(due),
		"max_settlement_lag_ms": maxLagMs,
		"updated_at_ms":         s.nowMs(),
	})
}

func (s *Server) handleOpsHealth(w http.ResponseWriter, r *http.Request) {
	if !constantTimeKeyMatch(r.Header.Get("x-settle-key"), s.cfg.SettleKey) {
		writeError(w, rounderrors.New(rounderrors.Auth, "missing or invalid settle key"))
		return
	}

	nowSec := s.nowMs() / 1000
	due, err := s.ledger.ListNonSettledDue(r.Context(), nowSec)
	if err != nil {
		writeError(w, rounderrors.Wrap(rounderrors.TransientExternal, "listing due rounds", err))
		return
	}

	var maxLagMs int64
	pending := make([]string, 0, opsHealthScanLimit)
	for i, rr := range due {
		lag := (nowSec - rr.EndTS) * 1000
		if lag > maxLagMs {
			maxLagMs = lag
		}
		if i < opsHealthScanLimit {
			pending = append(pending, rr.WireID())
		}
	}

	status := "ok"
	switch {
	case s.cfg.PauseJoins || s.cfg.PauseSettle:
		status = "paused"
	case maxLagMs > 2*s.cfg.SettleSeconds*1000:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                    true,
		"status":                status,
		"joins_paused":          s.cfg.PauseJoins,
		"settlement_paused":     s.cfg.PauseSettle,
		"pending_due_rounds":    len(due),
		"max_settlement_lag_ms": maxLagMs,
		"updated_at_ms":         s.nowMs(),
		"pending_round_ids":     pending,
		"pending_scan_limit":    opsHealthScanLimit,
		"ws_clients":            s.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := rounderrors.Fatal
	if e, ok := err.(*rounderrors.Error); ok {
		kind = e.Kind
	}
	writeJSON(w, rounderrors.HTTPStatus(kind), map[string]any{"error": err.Error()})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if i := lastColon(host); i >= 0 {
		return host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
