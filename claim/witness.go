package claim

import (
	"encoding/binary"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
)

const (
	// wordSize is the width of a length prefix in a witness.
	wordSize = 32

	// commitmentPreimageSize covers identifier, confirmations and relay
	// identity: the witness prefix a commitment is computed over.
	commitmentPreimageSize = 32 + 4 + 32

	storedHeaderSize = 160
)

// TxIDWitness proves that a transaction with TxID (internal byte order) is
// included in Header, which must have at least Confirmations on the relay
// named by RelayIdentity.
type TxIDWitness struct {
	TxID          [32]byte
	Confirmations uint32
	RelayIdentity [32]byte
	Header        consensus.StoredHeader
	Position      uint32
	Proof         [][32]byte
}

// OutputWitness proves one output of RawTx. Binding is the output hash for
// the output handler and the nonced output hash for the nonced handler.
type OutputWitness struct {
	Binding       [32]byte
	Confirmations uint32
	RelayIdentity [32]byte
	Header        consensus.StoredHeader
	Vout          uint32
	RawTx         []byte
	Position      uint32
	Proof         [][32]byte
}

func (w TxIDWitness) Commitment() [32]byte {
	return Commitment(w.TxID, w.Confirmations, w.RelayIdentity)
}

func (w OutputWitness) Commitment() [32]byte {
	return Commitment(w.Binding, w.Confirmations, w.RelayIdentity)
}

type cursor struct {
	b   []byte
	pos int
}

func newCursor(b []byte) *cursor {
	return &cursor{b: b, pos: 0}
}

func (c *cursor) remaining() int {
	if c.pos >= len(c.b) {
		return 0
	}
	return len(c.b) - c.pos
}

func (c *cursor) readExact(n int, what string) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, consensus.Errorf(consensus.ERR_OUT_OF_BOUNDS, "witness: %s needs %d bytes at offset %d, have %d", what, n, c.pos, c.remaining())
	}
	start := c.pos
	c.pos += n
	return c.b[start:c.pos], nil
}

func (c *cursor) readHash(what string) ([32]byte, error) {
	b, err := c.readExact(32, what)
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(b), nil
}

func (c *cursor) readU32BE(what string) (uint32, error) {
	b, err := c.readExact(4, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// readLength reads a 32-byte big-endian length word and checks that
// length*unit bytes remain after it.
func (c *cursor) readLength(unit int, what string) (int, error) {
	w, err := c.readExact(wordSize, what+" length")
	if err != nil {
		return 0, err
	}
	for _, b := range w[:wordSize-8] {
		if b != 0 {
			return 0, consensus.Errorf(consensus.ERR_OUT_OF_BOUNDS, "witness: %s length does not fit", what)
		}
	}
	n := binary.BigEndian.Uint64(w[wordSize-8:])
	if n > uint64(c.remaining()/unit) {
		return 0, consensus.Errorf(consensus.ERR_OUT_OF_BOUNDS, "witness: %s length %d exceeds remaining %d bytes", what, n, c.remaining())
	}
	return int(n), nil // #nosec G115 -- n <= remaining()
}

func (c *cursor) readStoredHeader() (consensus.StoredHeader, error) {
	b, err := c.readExact(storedHeaderSize, "stored header")
	if err != nil {
		return consensus.StoredHeader{}, err
	}
	return consensus.DecodeStoredHeader(b, 0)
}

func (c *cursor) readProof() (uint32, [][32]byte, error) {
	position, err := c.readU32BE("merkle position")
	if err != nil {
		return 0, nil, err
	}
	n, err := c.readLength(32, "merkle proof")
	if err != nil {
		return 0, nil, err
	}
	proof := make([][32]byte, n)
	for i := range proof {
		if proof[i], err = c.readHash("merkle sibling"); err != nil {
			return 0, nil, err
		}
	}
	return position, proof, nil
}

func (c *cursor) done() error {
	if n := c.remaining(); n != 0 {
		return consensus.Errorf(consensus.ERR_OUT_OF_BOUNDS, "witness: %d trailing bytes", n)
	}
	return nil
}

func (c *cursor) readPrefix() (id [32]byte, conf uint32, relay [32]byte, h consensus.StoredHeader, err error) {
	if id, err = c.readHash("identifier"); err != nil {
		return
	}
	if conf, err = c.readU32BE("confirmations"); err != nil {
		return
	}
	if relay, err = c.readHash("relay identity"); err != nil {
		return
	}
	h, err = c.readStoredHeader()
	return
}

func DecodeTxIDWitness(b []byte) (TxIDWitness, error) {
	var w TxIDWitness
	c := newCursor(b)
	var err error
	if w.TxID, w.Confirmations, w.RelayIdentity, w.Header, err = c.readPrefix(); err != nil {
		return TxIDWitness{}, err
	}
	if w.Position, w.Proof, err = c.readProof(); err != nil {
		return TxIDWitness{}, err
	}
	if err := c.done(); err != nil {
		return TxIDWitness{}, err
	}
	return w, nil
}

func DecodeOutputWitness(b []byte) (OutputWitness, error) {
	var w OutputWitness
	c := newCursor(b)
	var err error
	if w.Binding, w.Confirmations, w.RelayIdentity, w.Header, err = c.readPrefix(); err != nil {
		return OutputWitness{}, err
	}
	if w.Vout, err = c.readU32BE("vout"); err != nil {
		return OutputWitness{}, err
	}
	n, err := c.readLength(1, "raw transaction")
	if err != nil {
		return OutputWitness{}, err
	}
	raw, err := c.readExact(n, "raw transaction")
	if err != nil {
		return OutputWitness{}, err
	}
	w.RawTx = append([]byte(nil), raw...)
	if w.Position, w.Proof, err = c.readProof(); err != nil {
		return OutputWitness{}, err
	}
	if err := c.done(); err != nil {
		return OutputWitness{}, err
	}
	return w, nil
}

func appendLength(dst []byte, n int) []byte {
	var w [wordSize]byte
	binary.BigEndian.PutUint64(w[wordSize-8:], uint64(n)) // #nosec G115 -- lengths are non-negative
	return append(dst, w[:]...)
}

func appendPrefix(dst []byte, id [32]byte, conf uint32, relay [32]byte, h consensus.StoredHeader) []byte {
	dst = append(dst, id[:]...)
	dst = binary.BigEndian.AppendUint32(dst, conf)
	dst = append(dst, relay[:]...)
	return append(dst, h.Encode()...)
}

func appendProof(dst []byte, position uint32, proof [][32]byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, position)
	dst = appendLength(dst, len(proof))
	for _, s := range proof {
		dst = append(dst, s[:]...)
	}
	return dst
}

// EncodeTxIDWitness serializes w in the layout TxIDHandler reads.
func EncodeTxIDWitness(w TxIDWitness) []byte {
	out := make([]byte, 0, commitmentPreimageSize+storedHeaderSize+4+wordSize+32*len(w.Proof))
	out = appendPrefix(out, w.TxID, w.Confirmations, w.RelayIdentity, w.Header)
	return appendProof(out, w.Position, w.Proof)
}

// EncodeOutputWitness serializes w in the layout the output handlers read.
func EncodeOutputWitness(w OutputWitness) []byte {
	out := make([]byte, 0, commitmentPreimageSize+storedHeaderSize+4+2*wordSize+len(w.RawTx)+4+32*len(w.Proof))
	out = appendPrefix(out, w.Binding, w.Confirmations, w.RelayIdentity, w.Header)
	out = binary.BigEndian.AppendUint32(out, w.Vout)
	out = appendLength(out, len(w.RawTx))
	out = append(out, w.RawTx...)
	return appendProof(out, w.Position, w.Proof)
}
