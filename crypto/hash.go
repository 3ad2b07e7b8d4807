// Package crypto holds the two hash functions the relay depends on: the
// host ledger's keccak256, used for every on-ledger commitment, and the
// tracked chain's double SHA-256, used for block hashes and Merkle trees.
package crypto

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the legacy (pre-NIST) Keccak-256 digest of the
// concatenation of all inputs.
func Keccak256(inputs ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, in := range inputs {
		_, _ = h.Write(in)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DoubleSHA256 returns sha256(sha256(input)) in internal byte order.
func DoubleSHA256(input []byte) [32]byte {
	return [32]byte(chainhash.DoubleHashH(input))
}

// Reverse32 flips between internal and display byte order.
func Reverse32(in [32]byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = in[31-i]
	}
	return out
}
