package claim

// TxIDHandler proves that a transaction id is included in a confirmed block.
type TxIDHandler struct {
	resolver Resolver
}

func NewTxIDHandler(resolver Resolver) *TxIDHandler {
	return &TxIDHandler{resolver: resolver}
}

func (*TxIDHandler) Name() string { return "txid" }

// Claim returns the witness txid.
func (h *TxIDHandler) Claim(commitment [32]byte, witness []byte) ([32]byte, error) {
	if err := checkCommitment(commitment, witness); err != nil {
		return [32]byte{}, err
	}
	w, err := DecodeTxIDWitness(witness)
	if err != nil {
		return [32]byte{}, err
	}
	if err := checkInclusion(h.resolver, w.RelayIdentity, w.Confirmations, w.Header, w.TxID, w.Position, w.Proof); err != nil {
		return [32]byte{}, err
	}
	return w.TxID, nil
}
