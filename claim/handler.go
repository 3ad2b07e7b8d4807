// Package claim verifies that a tracked-chain transaction, or one of its
// outputs, is included in a sufficiently confirmed canonical block of a
// specific relay. Handlers hold no state; every input arrives in the
// witness.
package claim

import (
	"encoding/binary"
	"sync"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/crypto"
)

// Handler authenticates a witness against a commitment and returns the
// claim identifier.
type Handler interface {
	Name() string
	Claim(commitment [32]byte, witness []byte) ([32]byte, error)
}

// Verifier is the relay query a claim depends on.
type Verifier interface {
	VerifyBlockheader(h consensus.StoredHeader) (uint32, error)
}

// Resolver maps a relay identity carried in a witness to the relay it names.
type Resolver interface {
	Resolve(identity [32]byte) (Verifier, error)
}

// Registry is a Resolver over a fixed set of relays. It is safe for
// concurrent use.
type Registry struct {
	mtx    sync.RWMutex
	relays map[[32]byte]Verifier
}

func NewRegistry() *Registry {
	return &Registry{relays: make(map[[32]byte]Verifier)}
}

func (r *Registry) Register(identity [32]byte, v Verifier) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.relays[identity] = v
}

func (r *Registry) Resolve(identity [32]byte) (Verifier, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	v, ok := r.relays[identity]
	if !ok {
		return nil, consensus.Errorf(consensus.ERR_UNKNOWN_RELAY, "%x", identity)
	}
	return v, nil
}

// Commitment binds an identifier to a confirmation requirement on one relay.
func Commitment(identifier [32]byte, confirmations uint32, relayIdentity [32]byte) [32]byte {
	var conf [4]byte
	binary.BigEndian.PutUint32(conf[:], confirmations)
	return crypto.Keccak256(identifier[:], conf[:], relayIdentity[:])
}

// OutputHash identifies an output by value and script.
func OutputHash(value uint64, script []byte) [32]byte {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], value)
	scriptHash := crypto.Keccak256(script)
	return crypto.Keccak256(v[:], scriptHash[:])
}

// NoncedOutputHash identifies an output by value and script together with the
// nonce its transaction carries.
func NoncedOutputHash(nonce uint64, value uint64, script []byte) [32]byte {
	var n, v [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	binary.BigEndian.PutUint64(v[:], value)
	scriptHash := crypto.Keccak256(script)
	return crypto.Keccak256(n[:], v[:], scriptHash[:])
}

// checkCommitment compares against the commitment over the witness prefix.
func checkCommitment(want [32]byte, witness []byte) error {
	if len(witness) < commitmentPreimageSize {
		return consensus.Errorf(consensus.ERR_OUT_OF_BOUNDS, "witness: %d bytes", len(witness))
	}
	if crypto.Keccak256(witness[:commitmentPreimageSize]) != want {
		return consensus.Errorf(consensus.ERR_INVALID_COMMITMENT, "")
	}
	return nil
}

// checkInclusion runs the relay and Merkle checks shared by every handler.
func checkInclusion(resolver Resolver, relay [32]byte, need uint32, h consensus.StoredHeader, txid [32]byte, position uint32, proof [][32]byte) error {
	v, err := resolver.Resolve(relay)
	if err != nil {
		return err
	}
	conf, err := v.VerifyBlockheader(h)
	if err != nil {
		return err
	}
	if conf < need {
		return consensus.Errorf(consensus.ERR_INSUFFICIENT_CONFIRMATIONS, "have %d, need %d", conf, need)
	}
	return consensus.VerifyMerkleProof(txid, proof, position, h.MerkleRoot)
}
