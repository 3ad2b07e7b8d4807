// Package chaintest builds small, really-mined tracked-chain header chains
// for tests. Difficulty is kept low enough that mining a header costs a few
// hundred hashes.
package chaintest

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
)

const (
	// EasyBits is a target of 0xffff<<232: roughly one hash in 256 passes.
	EasyBits uint32 = 0x2000ffff

	Spacing uint32 = 600

	// GenesisTime is an arbitrary fixed start time.
	GenesisTime uint32 = 1_700_000_000

	// FarFuture is a nowBound that no test chain reaches.
	FarFuture uint32 = 4_000_000_000
)

// Params returns regtest parameters; the returned value may be modified.
func Params() *consensus.Params {
	p := consensus.RegressionNetParams
	return &p
}

// Genesis returns a trusted starting snapshot at height with timestamps
// spaced Spacing apart and an epoch start consistent with that spacing.
func Genesis(height uint32, bits uint32, timestamp uint32) consensus.StoredHeader {
	g := consensus.StoredHeader{
		Version:             0x20000000,
		Timestamp:           timestamp,
		Bits:                bits,
		Height:              height,
		EpochStartTimestamp: timestamp - Spacing*(height%consensus.RETARGET_INTERVAL),
	}
	binary.BigEndian.PutUint32(g.MerkleRoot[:4], height)
	g.PreviousHash[0] = 0x42
	for i := range g.RecentTimestamps {
		g.RecentTimestamps[i] = timestamp - Spacing*uint32(consensus.RECENT_TIMESTAMPS-i)
	}
	target, err := consensus.TargetFromBits(bits)
	if err != nil {
		panic(err)
	}
	w := consensus.WorkForTarget(target)
	g.SetWork(w.Mul(w, big.NewInt(int64(height)+1)))
	return g
}

// Mine searches nonces starting at c.Nonce until c meets its own target on
// top of parent.
func Mine(parent consensus.StoredHeader, c consensus.CompactHeader) consensus.CompactHeader {
	for !consensus.CheckProofOfWork(parent, c) {
		c.Nonce++
	}
	return c
}

// Builder extends a chain one mined header at a time, tracking the derived
// StoredHeaders.
type Builder struct {
	t      testing.TB
	params *consensus.Params

	// Tag is mixed into every merkle root so two builders starting from the
	// same parent produce different blocks.
	Tag byte

	Tip     consensus.StoredHeader
	Compact []consensus.CompactHeader
	Stored  []consensus.StoredHeader
}

func NewBuilder(t testing.TB, params *consensus.Params, start consensus.StoredHeader, tag byte) *Builder {
	t.Helper()
	return &Builder{t: t, params: params, Tag: tag, Tip: start}
}

// Header mines the next header at timestamp without appending it.
func (b *Builder) Header(timestamp uint32) consensus.CompactHeader {
	b.t.Helper()
	bits, err := consensus.ExpectedBits(b.params, b.Tip)
	if err != nil {
		b.t.Fatalf("ExpectedBits: %v", err)
	}
	c := consensus.CompactHeader{
		Version:   0x20000000,
		Timestamp: timestamp,
		Bits:      bits,
	}
	c.MerkleRoot[0] = b.Tag
	binary.BigEndian.PutUint32(c.MerkleRoot[1:5], b.Tip.Height+1)
	return Mine(b.Tip, c)
}

// Append validates c on top of the current tip and advances to it.
func (b *Builder) Append(c consensus.CompactHeader) consensus.StoredHeader {
	b.t.Helper()
	_, next, err := consensus.UpdateChain(b.params, b.Tip, c, FarFuture)
	if err != nil {
		b.t.Fatalf("UpdateChain at height %d: %v", b.Tip.Height+1, err)
	}
	b.Tip = next
	b.Compact = append(b.Compact, c)
	b.Stored = append(b.Stored, next)
	return next
}

// Next mines and appends one header at timestamp.
func (b *Builder) Next(timestamp uint32) consensus.StoredHeader {
	b.t.Helper()
	return b.Append(b.Header(timestamp))
}

// Extend mines n headers spaced Spacing seconds after the current tip.
func (b *Builder) Extend(n int) []consensus.CompactHeader {
	b.t.Helper()
	first := len(b.Compact)
	for i := 0; i < n; i++ {
		b.Next(b.Tip.Timestamp + Spacing)
	}
	return b.Compact[first:]
}
