package store

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
)

const (
	BackendBolt      = "bolt"
	BackendMemDB     = "memdb"
	BackendGoLevelDB = "goleveldb"
)

// Tip is the canonical chain head.
type Tip struct {
	Height     uint32
	Commitment [32]byte
	Work       *big.Int
}

// ForkKey identifies a long-fork candidate. Candidates are private to the
// submitter that opened them.
type ForkKey struct {
	Submitter [20]byte
	ForkID    uint32
}

func (k ForkKey) String() string {
	return fmt.Sprintf("%x/%d", k.Submitter, k.ForkID)
}

// ForkCandidate is a competing branch that has not yet overtaken the tip.
type ForkCandidate struct {
	Key ForkKey

	// StartHeight is the height of the first fork header. The canonical
	// header at StartHeight-1 is the fork's ancestor.
	StartHeight        uint32
	AncestorCommitment [32]byte

	// Commitments[i] is the fork header at StartHeight+i.
	Commitments [][32]byte
	TipWork     *big.Int
}

func (f ForkCandidate) TipHeight() uint32 {
	return f.StartHeight + uint32(len(f.Commitments)) - 1 // #nosec G115 -- bounded by height overflow checks in UpdateChain.
}

func (f ForkCandidate) TipCommitment() [32]byte {
	if len(f.Commitments) == 0 {
		return f.AncestorCommitment
	}
	return f.Commitments[len(f.Commitments)-1]
}

// CanonicalEntry overwrites the main-chain commitment at Height.
type CanonicalEntry struct {
	Height     uint32
	Commitment [32]byte
}

// ChangeSet is everything one accepted submission writes. A Store applies
// it atomically: either all of it is visible afterwards or none of it is.
type ChangeSet struct {
	Tip         *Tip
	Canonical   []CanonicalEntry
	Headers     []consensus.StoredHeader
	PutForks    []ForkCandidate
	DeleteForks []ForkKey
}

func (cs ChangeSet) Empty() bool {
	return cs.Tip == nil && len(cs.Canonical) == 0 && len(cs.Headers) == 0 && len(cs.PutForks) == 0 && len(cs.DeleteForks) == 0
}

// Store persists relay state. Reads are safe for concurrent use; Commit
// calls are expected to be serialized by the caller.
type Store interface {
	LoadTip() (Tip, bool, error)
	CommitmentAt(height uint32) ([32]byte, bool, error)
	HeaderByCommitment(commitment [32]byte) (consensus.StoredHeader, bool, error)
	LoadFork(key ForkKey) (ForkCandidate, bool, error)
	ForkCount() (int, error)
	Commit(cs ChangeSet) error
	Close() error
}

// Open opens the store for network under dataDir with the named backend.
// The memdb backend ignores dataDir and starts empty.
func Open(backend, dataDir, network string) (Store, error) {
	switch backend {
	case BackendBolt, "":
		return OpenBolt(dataDir, network)
	case BackendMemDB:
		return NewMemKVStore(), nil
	case BackendGoLevelDB:
		return OpenLevelDB(dataDir, network)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}

func putWork(dst []byte, w *big.Int) error {
	if w == nil || w.Sign() < 0 || w.BitLen() > 256 {
		return fmt.Errorf("store: cumulative work out of range")
	}
	w.FillBytes(dst[:32])
	return nil
}

// Layout: height u32be | commitment 32 | work 32
func encodeTip(t Tip) ([]byte, error) {
	out := make([]byte, 4+32+32)
	binary.BigEndian.PutUint32(out[0:4], t.Height)
	copy(out[4:36], t.Commitment[:])
	if err := putWork(out[36:], t.Work); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeTip(b []byte) (Tip, error) {
	if len(b) != 4+32+32 {
		return Tip{}, fmt.Errorf("tip: bad length %d", len(b))
	}
	var t Tip
	t.Height = binary.BigEndian.Uint32(b[0:4])
	copy(t.Commitment[:], b[4:36])
	t.Work = new(big.Int).SetBytes(b[36:68])
	return t, nil
}

func encodeForkKey(k ForkKey) []byte {
	out := make([]byte, 20+4)
	copy(out[:20], k.Submitter[:])
	binary.BigEndian.PutUint32(out[20:], k.ForkID)
	return out
}

// Layout: start u32be | ancestor 32 | work 32 | n u32be | n*commitment
func encodeForkCandidate(f ForkCandidate) ([]byte, error) {
	out := make([]byte, 4+32+32+4+32*len(f.Commitments))
	binary.BigEndian.PutUint32(out[0:4], f.StartHeight)
	copy(out[4:36], f.AncestorCommitment[:])
	if err := putWork(out[36:68], f.TipWork); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(out[68:72], uint32(len(f.Commitments))) // #nosec G115 -- fork length is bounded by chain height.
	off := 72
	for _, c := range f.Commitments {
		copy(out[off:off+32], c[:])
		off += 32
	}
	return out, nil
}

func decodeForkCandidate(key ForkKey, b []byte) (ForkCandidate, error) {
	if len(b) < 72 {
		return ForkCandidate{}, fmt.Errorf("fork candidate: truncated")
	}
	f := ForkCandidate{Key: key}
	f.StartHeight = binary.BigEndian.Uint32(b[0:4])
	copy(f.AncestorCommitment[:], b[4:36])
	f.TipWork = new(big.Int).SetBytes(b[36:68])
	n := int(binary.BigEndian.Uint32(b[68:72]))
	if len(b) != 72+32*n {
		return ForkCandidate{}, fmt.Errorf("fork candidate: bad commitment count %d", n)
	}
	f.Commitments = make([][32]byte, n)
	off := 72
	for i := range f.Commitments {
		copy(f.Commitments[i][:], b[off:off+32])
		off += 32
	}
	return f, nil
}
