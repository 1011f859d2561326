package onchain

import "testing"

const testProgramID = "PriceDuelProgram11111111111111111111111111"

func TestDeriveRoundPDADeterministic(t *testing.T) {
	addr1, bump1 := DeriveRoundPDA(testProgramID, "SOL", 1_700_000_000)
	addr2, bump2 := DeriveRoundPDA(testProgramID, "SOL", 1_700_000_000)

	if addr1 != addr2 || bump1 != bump2 {
		t.Errorf("DeriveRoundPDA() not deterministic: (%s, %d) != (%s, %d)", addr1, bump1, addr2, bump2)
	}
	if addr1 == "" {
		t.Error("DeriveRoundPDA() returned empty address")
	}
}

func TestDeriveRoundPDADiffersBySeed(t *testing.T) {
	solAddr, _ := DeriveRoundPDA(testProgramID, "SOL", 1_700_000_000)
	btcAddr, _ := DeriveRoundPDA(testProgramID, "BTC", 1_700_000_000)
	if solAddr == btcAddr {
		t.Error("DeriveRoundPDA() for different markets should differ")
	}

	earlier, _ := DeriveRoundPDA(testProgramID, "SOL", 1_700_000_000)
	later, _ := DeriveRoundPDA(testProgramID, "SOL", 1_700_000_060)
	if earlier == later {
		t.Error("DeriveRoundPDA() for different round ids should differ")
	}
}

func TestDeriveVaultPDADiffersBySide(t *testing.T) {
	roundPubkey, _ := DeriveRoundPDA(testProgramID, "SOL", 1_700_000_000)

	up, bumpUp := DeriveVaultPDA(testProgramID, roundPubkey, 0)
	down, bumpDown := DeriveVaultPDA(testProgramID, roundPubkey, 1)

	if up == down {
		t.Error("DeriveVaultPDA() for UP and DOWN sides should differ")
	}
	if bumpUp != canonicalBump || bumpDown != canonicalBump {
		t.Errorf("DeriveVaultPDA() bump = %d, %d, want %d", bumpUp, bumpDown, canonicalBump)
	}
}

func TestDerivePositionPDADeterministicPerWalletAndSide(t *testing.T) {
	roundPubkey, _ := DeriveRoundPDA(testProgramID, "SOL", 1_700_000_000)

	alice, _ := DerivePositionPDA(testProgramID, roundPubkey, "alice-wallet", 0)
	aliceAgain, _ := DerivePositionPDA(testProgramID, roundPubkey, "alice-wallet", 0)
	if alice != aliceAgain {
		t.Error("DerivePositionPDA() not deterministic for the same inputs")
	}

	bob, _ := DerivePositionPDA(testProgramID, roundPubkey, "bob-wallet", 0)
	if alice == bob {
		t.Error("DerivePositionPDA() for different wallets should differ")
	}

	aliceDown, _ := DerivePositionPDA(testProgramID, roundPubkey, "alice-wallet", 1)
	if alice == aliceDown {
		t.Error("DerivePositionPDA() for different sides should differ")
	}
}

func TestDeriveConfigPDADeterministic(t *testing.T) {
	addr1, bump1 := DeriveConfigPDA(testProgramID)
	addr2, bump2 := DeriveConfigPDA(testProgramID)
	if addr1 != addr2 || bump1 != bump2 {
		t.Error("DeriveConfigPDA() not deterministic")
	}

	other, _ := DeriveConfigPDA("AnotherProgram2222222222222222222222222222")
	if addr1 == other {
		t.Error("DeriveConfigPDA() for different program ids should differ")
	}
}
