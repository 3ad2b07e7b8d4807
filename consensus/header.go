package consensus

import (
	"math/big"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/crypto"
)

const (
	STORED_HEADER_BYTES  = 160
	COMPACT_HEADER_BYTES = 48
	NATIVE_HEADER_BYTES  = 80

	RECENT_TIMESTAMPS = 10
)

// StoredHeader is the relay's full snapshot of one tracked-chain block.
// The first 80 bytes of its encoding are the tracked chain's own block
// header; the rest is relay bookkeeping needed to validate a child without
// looking at any other state.
type StoredHeader struct {
	Version        uint32
	PreviousHash   [32]byte // native hash of the parent, internal byte order
	MerkleRoot     [32]byte
	Timestamp      uint32
	Bits           uint32
	Nonce          uint32
	CumulativeWork [32]byte // uint256, big-endian
	Height         uint32

	EpochStartTimestamp uint32
	RecentTimestamps    [RECENT_TIMESTAMPS]uint32 // oldest first
}

// CompactHeader is what an extender supplies to append one block. It has no
// previous-hash field: the parent is always taken from stored state.
type CompactHeader struct {
	Version    uint32
	MerkleRoot [32]byte
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

func (h StoredHeader) Work() *big.Int {
	return new(big.Int).SetBytes(h.CumulativeWork[:])
}

// SetWork stores w as a 256-bit big-endian value. w must fit in 256 bits.
func (h *StoredHeader) SetWork(w *big.Int) {
	var out [32]byte
	w.FillBytes(out[:])
	h.CumulativeWork = out
}

// NativeBytes returns the tracked chain's 80-byte header encoding.
func (h StoredHeader) NativeBytes() []byte {
	out := make([]byte, 0, NATIVE_HEADER_BYTES)
	out = appendU32le(out, h.Version)
	out = append(out, h.PreviousHash[:]...)
	out = append(out, h.MerkleRoot[:]...)
	out = appendU32le(out, h.Timestamp)
	out = appendU32le(out, h.Bits)
	out = appendU32le(out, h.Nonce)
	return out
}

// NativeHash is the tracked chain's block hash (internal byte order).
func (h StoredHeader) NativeHash() [32]byte {
	return crypto.DoubleSHA256(h.NativeBytes())
}

// Commitment is the host-ledger handle of a StoredHeader. Two StoredHeaders
// are the same iff their commitments are.
func (h StoredHeader) Commitment() [32]byte {
	return crypto.Keccak256(h.Encode())
}

func (h StoredHeader) Encode() []byte {
	out := h.NativeBytes()
	out = append(out, h.CumulativeWork[:]...)
	out = appendU32be(out, h.Height)
	out = appendU32be(out, h.EpochStartTimestamp)
	for _, ts := range h.RecentTimestamps {
		out = appendU32be(out, ts)
	}
	return out
}

// DecodeStoredHeader reads a 160-byte StoredHeader starting at off.
func DecodeStoredHeader(b []byte, off int) (StoredHeader, error) {
	if err := need(b, off, STORED_HEADER_BYTES, "stored header"); err != nil {
		return StoredHeader{}, err
	}
	var h StoredHeader
	h.Version = readU32le(b, &off)
	h.PreviousHash = readHash(b, &off)
	h.MerkleRoot = readHash(b, &off)
	h.Timestamp = readU32le(b, &off)
	h.Bits = readU32le(b, &off)
	h.Nonce = readU32le(b, &off)
	h.CumulativeWork = readHash(b, &off)
	h.Height = readU32be(b, &off)
	h.EpochStartTimestamp = readU32be(b, &off)
	for i := range h.RecentTimestamps {
		h.RecentTimestamps[i] = readU32be(b, &off)
	}
	return h, nil
}

func (c CompactHeader) Encode() []byte {
	out := make([]byte, 0, COMPACT_HEADER_BYTES)
	out = appendU32le(out, c.Version)
	out = append(out, c.MerkleRoot[:]...)
	out = appendU32le(out, c.Timestamp)
	out = appendU32le(out, c.Bits)
	out = appendU32le(out, c.Nonce)
	return out
}

// DecodeCompactHeader reads a 48-byte CompactHeader starting at off.
func DecodeCompactHeader(b []byte, off int) (CompactHeader, error) {
	if err := need(b, off, COMPACT_HEADER_BYTES, "compact header"); err != nil {
		return CompactHeader{}, err
	}
	var c CompactHeader
	c.Version = readU32le(b, &off)
	c.MerkleRoot = readHash(b, &off)
	c.Timestamp = readU32le(b, &off)
	c.Bits = readU32le(b, &off)
	c.Nonce = readU32le(b, &off)
	return c, nil
}

// Compact strips a StoredHeader down to the fields an extender submits.
func (h StoredHeader) Compact() CompactHeader {
	return CompactHeader{
		Version:    h.Version,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
}

// nativeBytesOn lays c out as an 80-byte native header mined on top of prev.
func (c CompactHeader) nativeBytesOn(prev [32]byte) []byte {
	out := make([]byte, 0, NATIVE_HEADER_BYTES)
	out = appendU32le(out, c.Version)
	out = append(out, prev[:]...)
	out = append(out, c.MerkleRoot[:]...)
	out = appendU32le(out, c.Timestamp)
	out = appendU32le(out, c.Bits)
	out = appendU32le(out, c.Nonce)
	return out
}

// HashOn is the native block hash c would have as a child of prev.
func (c CompactHeader) HashOn(prev [32]byte) [32]byte {
	return crypto.DoubleSHA256(c.nativeBytesOn(prev))
}

// DecodeHeaderChain parses the chain-extension wire format: one StoredHeader
// followed by zero or more CompactHeaders.
func DecodeHeaderChain(b []byte) (StoredHeader, []CompactHeader, error) {
	start, err := DecodeStoredHeader(b, 0)
	if err != nil {
		return StoredHeader{}, nil, err
	}
	rest := len(b) - STORED_HEADER_BYTES
	if rest%COMPACT_HEADER_BYTES != 0 {
		return StoredHeader{}, nil, Errorf(ERR_OUT_OF_BOUNDS, "header chain: %d trailing bytes", rest%COMPACT_HEADER_BYTES)
	}
	headers := make([]CompactHeader, 0, rest/COMPACT_HEADER_BYTES)
	for off := STORED_HEADER_BYTES; off < len(b); off += COMPACT_HEADER_BYTES {
		c, err := DecodeCompactHeader(b, off)
		if err != nil {
			return StoredHeader{}, nil, err
		}
		headers = append(headers, c)
	}
	return start, headers, nil
}

func EncodeHeaderChain(start StoredHeader, headers []CompactHeader) []byte {
	out := make([]byte, 0, STORED_HEADER_BYTES+len(headers)*COMPACT_HEADER_BYTES)
	out = append(out, start.Encode()...)
	for _, c := range headers {
		out = append(out, c.Encode()...)
	}
	return out
}
