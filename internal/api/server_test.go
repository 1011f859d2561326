package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/priceduel/roundengine/internal/joinhandler"
	"github.com/priceduel/roundengine/internal/ledger"
	"github.com/priceduel/roundengine/internal/oracle"
	"github.com/priceduel/roundengine/internal/roundsconfig"
	"github.com/priceduel/roundengine/internal/settlement"
	"github.com/priceduel/roundengine/internal/transfer"
)

const alignedStart = int64(1_400_000_000) / 120 * 120

func newTestServer(t *testing.T) (*Server, *ledger.Ledger, *oracle.Static) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "roundengine-api-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	l, err := ledger.New(&ledger.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })

	fac, err := transfer.NewLedgerBackedFacility(l.DB())
	if err != nil {
		t.Fatalf("NewLedgerBackedFacility() error = %v", err)
	}

	o := oracle.NewStatic()
	cfg := &roundsconfig.Config{
		FeeBps:          600,
		OpenSeconds:     60,
		LockSeconds:     60,
		SettleSeconds:   300,
		OracleMaxAgeSec: 120,
		SettleKey:       "test-secret",
		RateLimits: map[roundsconfig.RateLimitKey]roundsconfig.RateLimitRule{
			{Endpoint: "entries", Scope: "ip"}:     {Limit: 100, WindowMs: 60_000},
			{Endpoint: "entries", Scope: "wallet"}: {Limit: 100, WindowMs: 60_000},
		},
	}
	engine := settlement.New(l, o, fac, cfg)
	jh := joinhandler.New(l, nil, cfg)

	s := New(l, o, engine, jh, cfg)
	s.nowMs = func() int64 { return alignedStart*1000 + 5000 }
	return s, l, o
}

func TestHandleStatusReportsPauseState(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}

	s.cfg.PauseSettle = true
	rec2 := httptest.NewRecorder()
	s.handleStatus(rec2, req)
	var body2 map[string]any
	json.Unmarshal(rec2.Body.Bytes(), &body2)
	if body2["status"] != "paused" {
		t.Errorf("status = %v, want paused", body2["status"])
	}
}

func TestHandleSettleRequiresKey(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/settle", nil)
	rec := httptest.NewRecorder()
	s.handleSettle(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status code = %d, want 401 without key", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/settle", nil)
	req2.Header.Set("x-settle-key", "test-secret")
	rec2 := httptest.NewRecorder()
	s.handleSettle(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200 with correct key", rec2.Code)
	}
}

func TestHandleSettleRejectsWhenPaused(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.cfg.PauseSettle = true

	req := httptest.NewRequest(http.MethodPost, "/settle", nil)
	req.Header.Set("x-settle-key", "test-secret")
	rec := httptest.NewRecorder()
	s.handleSettle(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503 when paused", rec.Code)
	}
}

func TestHandleOracleSnapshotReturnsSnapshot(t *testing.T) {
	s, _, o := newTestServer(t)
	nowSec := s.nowMs() / 1000
	o.Set("SOL", nowSec, oracle.Snapshot{Market: "SOL", Price: 12345, PublishTime: nowSec, SourceOwner: "pyth-price-program"})

	req := httptest.NewRequest(http.MethodGet, "/oracle?market=SOL", nil)
	rec := httptest.NewRecorder()
	s.handleOracleSnapshot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["feed_id"] != "sol-usd" {
		t.Errorf("feed_id = %v, want sol-usd", body["feed_id"])
	}
}

func TestHandleOracleSnapshotRejectsUnknownMarket(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/oracle?market=DOGE", nil)
	rec := httptest.NewRecorder()
	s.handleOracleSnapshot(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400", rec.Code)
	}
}

func TestHandleSubmitEntryAcceptsValidEntry(t *testing.T) {
	s, l, _ := newTestServer(t)

	body := map[string]any{
		"round_id":       fmt.Sprintf("SOL-%d-5m", alignedStart),
		"market":         "SOL",
		"feed_id":        "sol-usd",
		"round_start_ms": alignedStart * 1000,
		"round_end_ms":   (alignedStart + 360) * 1000,
		"wallet":         "alice-wallet",
		"direction":      "UP",
		"stake_lamports": 1_000_000_000,
		"signature":      "sig-api-1",
	}
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/entries", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	s.handleSubmitEntry(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	has, err := l.HasEntry(req.Context(), "sig-api-1")
	if err != nil || !has {
		t.Errorf("HasEntry() = %v, %v, want true, nil", has, err)
	}
}

func TestHandleSubmitEntryRejectsMalformedBody(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/entries", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.handleSubmitEntry(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400", rec.Code)
	}
}

func TestHandleOpsHealthRequiresKey(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ops/health", nil)
	rec := httptest.NewRecorder()
	s.handleOpsHealth(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status code = %d, want 401", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/ops/health", nil)
	req2.Header.Set("x-settle-key", "test-secret")
	rec2 := httptest.NewRecorder()
	s.handleOpsHealth(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec2.Code)
	}
}
