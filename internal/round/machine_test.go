package round

import "testing"

func TestDecideWinUp(t *testing.T) {
	mode, winner := Decide(75, 30, 100, 101)
	if mode != Win || winner == nil || *winner != Up {
		t.Errorf("Decide() = %v, %v, want Win, Up", mode, winner)
	}
}

func TestDecideWinDown(t *testing.T) {
	mode, winner := Decide(75, 30, 101, 100)
	if mode != Win || winner == nil || *winner != Down {
		t.Errorf("Decide() = %v, %v, want Win, Down", mode, winner)
	}
}

func TestDecideRefundOneSidedEmpty(t *testing.T) {
	mode, winner := Decide(40, 0, 100, 101)
	if mode != Refund || winner != nil {
		t.Errorf("Decide() = %v, %v, want Refund, nil", mode, winner)
	}
}

func TestDecideRefundTie(t *testing.T) {
	mode, winner := Decide(50, 50, 100, 100)
	if mode != Refund || winner != nil {
		t.Errorf("Decide() = %v, %v, want Refund, nil", mode, winner)
	}
}

func TestJoinWindow(t *testing.T) {
	if !IsJoinWindowOpen(1000, 1000, 1060) {
		t.Error("start of window should be open")
	}
	if IsJoinWindowOpen(1060, 1000, 1060) {
		t.Error("lock_ts itself should be closed (scenario F)")
	}
	if IsJoinWindowOpen(999, 1000, 1060) {
		t.Error("before start should be closed")
	}
}

func TestStartAlignment(t *testing.T) {
	if !IsStartAligned(1200, 120) {
		t.Error("1200 should align to cycle 120")
	}
	if IsStartAligned(1205, 120) {
		t.Error("1205 should not align to cycle 120")
	}
}
