package claim

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
)

const (
	// nonceLocktimeBase is the lowest locktime read as a timestamp. Nonced
	// transactions carry the high nonce bits above it.
	nonceLocktimeBase = 500_000_000

	nonceSequenceMask = 0x00ffffff
)

// ParseTransaction decodes a raw tracked-chain transaction, with or without
// witness data. Trailing bytes are rejected.
func ParseTransaction(raw []byte) (*wire.MsgTx, error) {
	tx := new(wire.MsgTx)
	r := bytes.NewReader(raw)
	if err := tx.Deserialize(r); err != nil {
		return nil, consensus.Errorf(consensus.ERR_INVALID_TRANSACTION, "%v", err)
	}
	if r.Len() != 0 {
		return nil, consensus.Errorf(consensus.ERR_INVALID_TRANSACTION, "%d trailing bytes", r.Len())
	}
	return tx, nil
}

// TxNonce recovers the nonce packed into a transaction's locktime and first
// input sequence.
func TxNonce(tx *wire.MsgTx) (uint64, error) {
	if len(tx.TxIn) == 0 {
		return 0, consensus.Errorf(consensus.ERR_INVALID_TRANSACTION, "no inputs")
	}
	if tx.LockTime < nonceLocktimeBase {
		return 0, consensus.Errorf(consensus.ERR_INVALID_NONCE, "locktime %d", tx.LockTime)
	}
	high := uint64(tx.LockTime - nonceLocktimeBase)
	low := uint64(tx.TxIn[0].Sequence & nonceSequenceMask)
	return high<<24 | low, nil
}

// NonceFields is the inverse of TxNonce: the locktime and sequence low bits
// a payer sets to embed nonce. The upper byte of the sequence is left to
// the caller.
func NonceFields(nonce uint64) (lockTime uint32, sequenceLow uint32) {
	return uint32(nonce>>24) + nonceLocktimeBase, uint32(nonce) & nonceSequenceMask // #nosec G115 -- truncation intended
}

// OutputHandler proves one output of a confirmed transaction by its value
// and script.
type OutputHandler struct {
	resolver Resolver
}

func NewOutputHandler(resolver Resolver) *OutputHandler {
	return &OutputHandler{resolver: resolver}
}

func (*OutputHandler) Name() string { return "output" }

// Claim returns the txid of the transaction holding the output.
func (h *OutputHandler) Claim(commitment [32]byte, witness []byte) ([32]byte, error) {
	return claimOutput(h.resolver, commitment, witness, false)
}

// NoncedOutputHandler is OutputHandler with the nonce of the output's
// transaction folded into the binding, so a payment can only satisfy the
// claim it was made for.
type NoncedOutputHandler struct {
	resolver Resolver
}

func NewNoncedOutputHandler(resolver Resolver) *NoncedOutputHandler {
	return &NoncedOutputHandler{resolver: resolver}
}

func (*NoncedOutputHandler) Name() string { return "nonced_output" }

func (h *NoncedOutputHandler) Claim(commitment [32]byte, witness []byte) ([32]byte, error) {
	return claimOutput(h.resolver, commitment, witness, true)
}

func claimOutput(resolver Resolver, commitment [32]byte, witness []byte, nonced bool) ([32]byte, error) {
	if err := checkCommitment(commitment, witness); err != nil {
		return [32]byte{}, err
	}
	w, err := DecodeOutputWitness(witness)
	if err != nil {
		return [32]byte{}, err
	}
	tx, err := ParseTransaction(w.RawTx)
	if err != nil {
		return [32]byte{}, err
	}
	if int64(w.Vout) >= int64(len(tx.TxOut)) {
		return [32]byte{}, consensus.Errorf(consensus.ERR_OUTPUT_INDEX_OUT_OF_BOUNDS, "vout %d of %d", w.Vout, len(tx.TxOut))
	}
	out := tx.TxOut[w.Vout]
	value := uint64(out.Value) // #nosec G115 -- hashed as the raw 8-byte field

	var binding [32]byte
	if nonced {
		nonce, err := TxNonce(tx)
		if err != nil {
			return [32]byte{}, err
		}
		binding = NoncedOutputHash(nonce, value, out.PkScript)
	} else {
		binding = OutputHash(value, out.PkScript)
	}
	if binding != w.Binding {
		return [32]byte{}, consensus.Errorf(consensus.ERR_INVALID_OUTPUT, "vout %d", w.Vout)
	}

	txid := [32]byte(tx.TxHash())
	if err := checkInclusion(resolver, w.RelayIdentity, w.Confirmations, w.Header, txid, w.Position, w.Proof); err != nil {
		return [32]byte{}, err
	}
	return txid, nil
}
