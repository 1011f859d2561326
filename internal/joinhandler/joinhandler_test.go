package joinhandler

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/priceduel/roundengine/internal/ledger"
	"github.com/priceduel/roundengine/internal/rounderrors"
	"github.com/priceduel/roundengine/internal/roundsconfig"
)

func newTestHandler(t *testing.T) (*Handler, *ledger.Ledger) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "roundengine-join-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	l, err := ledger.New(&ledger.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })

	cfg := &roundsconfig.Config{
		OpenSeconds:   60,
		LockSeconds:   60,
		SettleSeconds: 300,
		RateLimits: map[roundsconfig.RateLimitKey]roundsconfig.RateLimitRule{
			{Endpoint: "entries", Scope: "ip"}:     {Limit: 2, WindowMs: 60_000},
			{Endpoint: "entries", Scope: "wallet"}: {Limit: 1, WindowMs: 60_000},
		},
	}
	return New(l, nil, cfg), l
}

func validPayload(startSec int64) EntryPayload {
	return EntryPayload{
		RoundID:       fmt.Sprintf("SOL-%d-5m", startSec),
		Market:        "SOL",
		FeedID:        "sol-usd",
		RoundStartMs:  startSec * 1000,
		RoundEndMs:    (startSec + 360) * 1000,
		Wallet:        "alice-wallet",
		Direction:     "UP",
		StakeLamports: 1_000_000_000,
		Signature:     "sig-1",
	}
}

const alignedStart = int64(1_200_000_000) // multiple of 120 (OpenSeconds+LockSeconds)

func TestSubmitAcceptsValidEntry(t *testing.T) {
	h, l := newTestHandler(t)
	ctx := context.Background()

	p := validPayload(alignedStart)
	created, err := h.Submit(ctx, "1.2.3.4", p, alignedStart*1000+5000)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !created {
		t.Error("Submit() should report created=true for a new entry")
	}

	has, err := l.HasEntry(ctx, p.Signature)
	if err != nil || !has {
		t.Errorf("HasEntry() = %v, %v, want true, nil", has, err)
	}
}

func TestSubmitReplayIsNotDuplicated(t *testing.T) {
	h, l := newTestHandler(t)
	ctx := context.Background()

	p := validPayload(alignedStart)
	if _, err := h.Submit(ctx, "1.2.3.4", p, alignedStart*1000+1000); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	p2 := p
	p2.Wallet = "bob-wallet" // different wallet, same signature: still the same entry identity
	created, err := h.Submit(ctx, "5.6.7.8", p2, alignedStart*1000+2000)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if created {
		t.Error("second Submit() with the same signature should report created=false")
	}

	entries, err := l.ListEntries(ctx, "SOL", alignedStart)
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1 (replay must not duplicate)", len(entries))
	}
}

// TestSubmitRejectsLateJoin mirrors the late-join scenario: submitting at
// lock_ts itself (not before) must be rejected with no ledger mutation.
func TestSubmitRejectsLateJoin(t *testing.T) {
	h, l := newTestHandler(t)
	ctx := context.Background()

	p := validPayload(alignedStart)
	lockTS := alignedStart + 60
	_, err := h.Submit(ctx, "1.2.3.4", p, lockTS*1000)
	if err == nil {
		t.Fatal("Submit() at lock_ts should be rejected")
	}
	if !rounderrors.Is(err, rounderrors.Validation) {
		t.Errorf("error kind = %v, want Validation", err)
	}

	has, _ := l.HasEntry(ctx, p.Signature)
	if has {
		t.Error("late join must not mutate the ledger")
	}
}

func TestSubmitRejectsUnsupportedTier(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	p := validPayload(alignedStart)
	p.StakeLamports = 7 // not an enumerated tier
	_, err := h.Submit(ctx, "1.2.3.4", p, alignedStart*1000+1000)
	if !rounderrors.Is(err, rounderrors.Validation) {
		t.Errorf("error = %v, want Validation for unsupported tier", err)
	}
}

func TestSubmitEnforcesWalletRateLimit(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	p1 := validPayload(alignedStart)
	p1.Signature = "sig-a"
	if _, err := h.Submit(ctx, "1.2.3.4", p1, alignedStart*1000+1000); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	p2 := validPayload(alignedStart)
	p2.Signature = "sig-b"
	_, err := h.Submit(ctx, "9.9.9.9", p2, alignedStart*1000+2000)
	if !rounderrors.Is(err, rounderrors.RateLimited) {
		t.Errorf("error = %v, want RateLimited (wallet limit is 1)", err)
	}
}

func TestSubmitDerivesPositionPDAWhenProgramConfigured(t *testing.T) {
	h, l := newTestHandler(t)
	h.cfg.ProgramID = "PriceDuelProgram11111111111111111111111111"
	ctx := context.Background()

	p := validPayload(alignedStart)
	if _, err := h.Submit(ctx, "1.2.3.4", p, alignedStart*1000+5000); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	entries, err := l.ListEntries(ctx, "SOL", alignedStart)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListEntries() = %v, %v, want 1 entry", entries, err)
	}
	if entries[0].PositionPDA == "" {
		t.Error("PositionPDA should be derived when a program id is configured")
	}
}

func TestSubmitRejectsWhenPaused(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.PauseJoins = true
	ctx := context.Background()

	p := validPayload(alignedStart)
	_, err := h.Submit(ctx, "1.2.3.4", p, alignedStart*1000+1000)
	if !rounderrors.Is(err, rounderrors.Paused) {
		t.Errorf("error = %v, want Paused", err)
	}
}
