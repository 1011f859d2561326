// Package onchain derives the deterministic program-derived addresses the
// on-chain custody program's instructions key their accounts by. It does
// not implement the program itself — account-layout serialization beyond
// the fields the settlement engine asserts (status, start_price, end_price,
// winner_side) is an external collaborator out of scope here, the way a
// wallet signing client is.
package onchain

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/mr-tron/base58"
)

// canonicalBump is the bump seed this package always reports. Solana's
// real find-program-address searches bumps 255 down to 0 for the first
// off-curve hash; that requires an elliptic-curve check this package
// does not implement (no Solana SDK is available to this stack), so
// every address here is derived with the highest bump without a search.
// Good enough for deterministic address derivation; not a substitute for
// the on-chain program's own address validation at submission time.
const canonicalBump = 255

// DeriveConfigPDA derives the PDA for seed ("config").
func DeriveConfigPDA(programID string) (address string, bump byte) {
	return derive(programID, []byte("config"))
}

// DeriveRoundPDA derives the PDA for seeds ("round", market_code, round_id_le_i64).
func DeriveRoundPDA(programID, marketCode string, roundID int64) (address string, bump byte) {
	var roundIDLE [8]byte
	binary.LittleEndian.PutUint64(roundIDLE[:], uint64(roundID))
	return derive(programID, []byte("round"), []byte(marketCode), roundIDLE[:])
}

// DeriveVaultPDA derives the PDA for seeds ("vault", round_pubkey, side_u8).
func DeriveVaultPDA(programID, roundPubkey string, side uint8) (address string, bump byte) {
	return derive(programID, []byte("vault"), []byte(roundPubkey), []byte{side})
}

// DerivePositionPDA derives the PDA for seeds
// ("position", round_pubkey, user_pubkey, side_u8).
func DerivePositionPDA(programID, roundPubkey, userPubkey string, side uint8) (address string, bump byte) {
	return derive(programID, []byte("position"), []byte(roundPubkey), []byte(userPubkey), []byte{side})
}

func derive(programID string, seeds ...[]byte) (string, byte) {
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write([]byte{canonicalBump})
	h.Write([]byte(programID))
	return base58.Encode(h.Sum(nil)), canonicalBump
}
