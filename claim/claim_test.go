package claim_test

import (
	"bytes"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-kit/kit/metrics"
	"github.com/stretchr/testify/require"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/claim"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/internal/chaintest"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/libs/log"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

var (
	_ claim.Handler  = (*claim.TxIDHandler)(nil)
	_ claim.Handler  = (*claim.OutputHandler)(nil)
	_ claim.Handler  = (*claim.NoncedOutputHandler)(nil)
	_ claim.Verifier = (*node.Relay)(nil)

	relayID = [32]byte{0x7e, 0x1a}
)

// fakeRelay confirms exactly one header.
type fakeRelay struct {
	header consensus.StoredHeader
	conf   uint32
}

func (f fakeRelay) VerifyBlockheader(h consensus.StoredHeader) (uint32, error) {
	if h != f.header {
		return 0, consensus.Errorf(consensus.ERR_COMMITMENT_MISMATCH, "height %d", h.Height)
	}
	return f.conf, nil
}

func requireCode(t *testing.T, err error, code consensus.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, consensus.CodeOf(err), "got %v", err)
}

const (
	nonce       uint64 = 0x0123_4567_89ab
	payoutValue int64  = 1_234_567
)

var payoutScript = append([]byte{0x00, 0x20}, bytes.Repeat([]byte{0x5c}, 32)...)

// paymentTx is a segwit transaction whose second output is the payout.
func paymentTx(lockTime, sequence uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0xaa}, 3), nil, wire.TxWitness{{0x30, 0x44, 0x02}, {0x03, 0x21}})
	in.Sequence = sequence
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(50_000, append([]byte{0x00, 0x14}, bytes.Repeat([]byte{0x11}, 20)...)))
	tx.AddTxOut(wire.NewTxOut(payoutValue, payoutScript))
	tx.LockTime = lockTime
	return tx
}

func noncedPaymentTx() *wire.MsgTx {
	lockTime, seqLow := claim.NonceFields(nonce)
	return paymentTx(lockTime, 0xfe000000|seqLow)
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

// block places txid at index 1 of a five-transaction block.
type block struct {
	header   consensus.StoredHeader
	position uint32
	proof    [][32]byte
}

func blockWith(t *testing.T, txid [32]byte) ([32]byte, block) {
	t.Helper()
	txids := [][32]byte{{0x01}, txid, {0x03}, {0x04}, {0x05}}
	root, err := consensus.ComputeMerkleRoot(txids)
	require.NoError(t, err)
	proof, position, err := consensus.BuildMerkleProof(txids, 1)
	require.NoError(t, err)
	h := chaintest.Genesis(700_000, chaintest.EasyBits, chaintest.GenesisTime)
	h.MerkleRoot = root
	return root, block{header: h, position: position, proof: proof}
}

func fakeRegistry(h consensus.StoredHeader, conf uint32) *claim.Registry {
	reg := claim.NewRegistry()
	reg.Register(relayID, fakeRelay{header: h, conf: conf})
	return reg
}

func txidWitness(txid [32]byte, b block, conf uint32) claim.TxIDWitness {
	return claim.TxIDWitness{
		TxID:          txid,
		Confirmations: conf,
		RelayIdentity: relayID,
		Header:        b.header,
		Position:      b.position,
		Proof:         b.proof,
	}
}

func outputWitness(t *testing.T, tx *wire.MsgTx, binding [32]byte, b block, conf uint32) claim.OutputWitness {
	return claim.OutputWitness{
		Binding:       binding,
		Confirmations: conf,
		RelayIdentity: relayID,
		Header:        b.header,
		Vout:          1,
		RawTx:         serialize(t, tx),
		Position:      b.position,
		Proof:         b.proof,
	}
}

func TestTxIDHandler(t *testing.T) {
	txid := [32]byte(paymentTx(0, 0xffffffff).TxHash())
	_, b := blockWith(t, txid)
	h := claim.NewTxIDHandler(fakeRegistry(b.header, 6))

	w := txidWitness(txid, b, 6)
	raw := claim.EncodeTxIDWitness(w)
	id, err := h.Claim(w.Commitment(), raw)
	require.NoError(t, err)
	require.Equal(t, txid, id)

	again, err := h.Claim(w.Commitment(), raw)
	require.NoError(t, err)
	require.Equal(t, id, again, "claims are deterministic")

	t.Run("insufficient confirmations", func(t *testing.T) {
		w := txidWitness(txid, b, 7)
		_, err := h.Claim(w.Commitment(), claim.EncodeTxIDWitness(w))
		requireCode(t, err, consensus.ERR_INSUFFICIENT_CONFIRMATIONS)
	})
	t.Run("unknown relay", func(t *testing.T) {
		w := txidWitness(txid, b, 1)
		w.RelayIdentity[0] ^= 1
		_, err := h.Claim(w.Commitment(), claim.EncodeTxIDWitness(w))
		requireCode(t, err, consensus.ERR_UNKNOWN_RELAY)
	})
	t.Run("header not canonical", func(t *testing.T) {
		w := txidWitness(txid, b, 1)
		w.Header.Nonce++
		_, err := h.Claim(w.Commitment(), claim.EncodeTxIDWitness(w))
		requireCode(t, err, consensus.ERR_COMMITMENT_MISMATCH)
	})
	t.Run("wrong commitment", func(t *testing.T) {
		other := txidWitness(txid, b, 5)
		_, err := h.Claim(other.Commitment(), raw)
		requireCode(t, err, consensus.ERR_INVALID_COMMITMENT)
	})
	t.Run("txid not in block", func(t *testing.T) {
		w := txidWitness([32]byte{0xee}, b, 1)
		_, err := h.Claim(w.Commitment(), claim.EncodeTxIDWitness(w))
		requireCode(t, err, consensus.ERR_MERKLE_VERIFICATION_FAILED)
	})
}

func TestTxIDHandlerEveryByteMatters(t *testing.T) {
	txid := [32]byte{0x99, 0x42}
	_, b := blockWith(t, txid)
	h := claim.NewTxIDHandler(fakeRegistry(b.header, 6))
	w := txidWitness(txid, b, 6)
	raw := claim.EncodeTxIDWitness(w)
	commitment := w.Commitment()

	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		if _, err := h.Claim(commitment, mutated); err == nil {
			t.Fatalf("flipping byte %d of %d was accepted", i, len(raw))
		}
	}
}

func TestOutputHandler(t *testing.T) {
	tx := paymentTx(0, 0xffffffff)
	txid := [32]byte(tx.TxHash())
	_, b := blockWith(t, txid)
	h := claim.NewOutputHandler(fakeRegistry(b.header, 3))
	binding := claim.OutputHash(uint64(payoutValue), payoutScript)

	w := outputWitness(t, tx, binding, b, 3)
	id, err := h.Claim(w.Commitment(), claim.EncodeOutputWitness(w))
	require.NoError(t, err)
	require.Equal(t, txid, id)

	cases := map[string]struct {
		mutate func(w *claim.OutputWitness)
		code   consensus.ErrorCode
	}{
		"value": {func(w *claim.OutputWitness) {
			w.Binding = claim.OutputHash(uint64(payoutValue)+1, payoutScript)
		}, consensus.ERR_INVALID_OUTPUT},
		"script": {func(w *claim.OutputWitness) {
			w.Binding = claim.OutputHash(uint64(payoutValue), payoutScript[:len(payoutScript)-1])
		}, consensus.ERR_INVALID_OUTPUT},
		"other output":  {func(w *claim.OutputWitness) { w.Vout = 0 }, consensus.ERR_INVALID_OUTPUT},
		"vout past end": {func(w *claim.OutputWitness) { w.Vout = 2 }, consensus.ERR_OUTPUT_INDEX_OUT_OF_BOUNDS},
		"garbage tx":    {func(w *claim.OutputWitness) { w.RawTx = []byte{0x02, 0x00} }, consensus.ERR_INVALID_TRANSACTION},
		"trailing tx byte": {func(w *claim.OutputWitness) {
			w.RawTx = append(append([]byte(nil), w.RawTx...), 0x00)
		}, consensus.ERR_INVALID_TRANSACTION},
		"position":      {func(w *claim.OutputWitness) { w.Position ^= 1 }, consensus.ERR_MERKLE_VERIFICATION_FAILED},
		"sibling":       {func(w *claim.OutputWitness) { w.Proof = tamper(w.Proof, 1) }, consensus.ERR_MERKLE_VERIFICATION_FAILED},
		"short proof":   {func(w *claim.OutputWitness) { w.Proof = w.Proof[:len(w.Proof)-1] }, consensus.ERR_MERKLE_VERIFICATION_FAILED},
		"confirmations": {func(w *claim.OutputWitness) { w.Confirmations = 4 }, consensus.ERR_INSUFFICIENT_CONFIRMATIONS},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := outputWitness(t, tx, binding, b, 3)
			tc.mutate(&w)
			_, err := h.Claim(w.Commitment(), claim.EncodeOutputWitness(w))
			requireCode(t, err, tc.code)
		})
	}

	t.Run("stale commitment", func(t *testing.T) {
		w := outputWitness(t, tx, binding, b, 3)
		commitment := w.Commitment()
		w.Binding[31] ^= 1
		_, err := h.Claim(commitment, claim.EncodeOutputWitness(w))
		requireCode(t, err, consensus.ERR_INVALID_COMMITMENT)
	})
}

func tamper(proof [][32]byte, i int) [][32]byte {
	out := append([][32]byte(nil), proof...)
	out[i][0] ^= 0x80
	return out
}

func TestTxNonce(t *testing.T) {
	tx := noncedPaymentTx()
	got, err := claim.TxNonce(tx)
	require.NoError(t, err)
	require.Equal(t, nonce, got, "the sequence's upper byte is ignored")

	tx.LockTime = 499_999_999
	_, err = claim.TxNonce(tx)
	requireCode(t, err, consensus.ERR_INVALID_NONCE)

	tx.TxIn = nil
	_, err = claim.TxNonce(tx)
	requireCode(t, err, consensus.ERR_INVALID_TRANSACTION)

	lockTime, seqLow := claim.NonceFields(0)
	require.Equal(t, uint32(500_000_000), lockTime)
	require.Zero(t, seqLow)
}

func TestNoncedOutputHandler(t *testing.T) {
	tx := noncedPaymentTx()
	txid := [32]byte(tx.TxHash())
	_, b := blockWith(t, txid)
	h := claim.NewNoncedOutputHandler(fakeRegistry(b.header, 2))
	binding := claim.NoncedOutputHash(nonce, uint64(payoutValue), payoutScript)

	w := outputWitness(t, tx, binding, b, 2)
	id, err := h.Claim(w.Commitment(), claim.EncodeOutputWitness(w))
	require.NoError(t, err)
	require.Equal(t, txid, id)

	t.Run("wrong nonce", func(t *testing.T) {
		w := outputWitness(t, tx, claim.NoncedOutputHash(nonce+1, uint64(payoutValue), payoutScript), b, 2)
		_, err := h.Claim(w.Commitment(), claim.EncodeOutputWitness(w))
		requireCode(t, err, consensus.ERR_INVALID_OUTPUT)
	})
	t.Run("plain output hash", func(t *testing.T) {
		w := outputWitness(t, tx, claim.OutputHash(uint64(payoutValue), payoutScript), b, 2)
		_, err := h.Claim(w.Commitment(), claim.EncodeOutputWitness(w))
		requireCode(t, err, consensus.ERR_INVALID_OUTPUT)
	})
	t.Run("block height locktime", func(t *testing.T) {
		plain := paymentTx(800_000, 0xffffffff)
		_, b := blockWith(t, [32]byte(plain.TxHash()))
		h := claim.NewNoncedOutputHandler(fakeRegistry(b.header, 2))
		w := outputWitness(t, plain, binding, b, 2)
		_, err := h.Claim(w.Commitment(), claim.EncodeOutputWitness(w))
		requireCode(t, err, consensus.ERR_INVALID_NONCE)
	})
}

// TestClaimAgainstRelay mines a block carrying the payment, buries it under
// more blocks and claims it through a live relay.
func TestClaimAgainstRelay(t *testing.T) {
	tx := noncedPaymentTx()
	txid := [32]byte(tx.TxHash())
	root, b := blockWith(t, txid)

	g := chaintest.Genesis(700_000, chaintest.EasyBits, chaintest.GenesisTime)
	relay := node.NewRelay(store.NewMemKVStore(), chaintest.Params(), node.WithLogger(log.TestingLogger()))
	require.NoError(t, relay.Initialize(g))

	builder := chaintest.NewBuilder(t, relay.Params(), g, 1)
	c := builder.Header(g.Timestamp + chaintest.Spacing)
	c.MerkleRoot = root
	mined := builder.Append(chaintest.Mine(builder.Tip, c))
	builder.Extend(5)
	_, err := relay.SubmitMainChainHeaders(g, builder.Compact, chaintest.FarFuture)
	require.NoError(t, err)

	reg := claim.NewRegistry()
	reg.Register(relayID, relay)
	h := claim.NewNoncedOutputHandler(reg)
	binding := claim.NoncedOutputHash(nonce, uint64(payoutValue), payoutScript)
	b.header = mined

	w := outputWitness(t, tx, binding, b, 6)
	id, err := h.Claim(w.Commitment(), claim.EncodeOutputWitness(w))
	require.NoError(t, err)
	require.Equal(t, txid, id)

	w = outputWitness(t, tx, binding, b, 7)
	_, err = h.Claim(w.Commitment(), claim.EncodeOutputWitness(w))
	requireCode(t, err, consensus.ERR_INSUFFICIENT_CONFIRMATIONS)

	txh := claim.NewTxIDHandler(reg)
	tw := txidWitness(txid, b, 1)
	id, err = txh.Claim(tw.Commitment(), claim.EncodeTxIDWitness(tw))
	require.NoError(t, err)
	require.Equal(t, txid, id)
}

// labelCounter records Add calls per label set.
type labelCounter struct {
	mtx    *sync.Mutex
	counts map[string]float64
	lvs    []string
}

func newLabelCounter() *labelCounter {
	return &labelCounter{mtx: &sync.Mutex{}, counts: map[string]float64{}}
}

func (c *labelCounter) With(labelValues ...string) metrics.Counter {
	lvs := append(append([]string(nil), c.lvs...), labelValues...)
	return &labelCounter{mtx: c.mtx, counts: c.counts, lvs: lvs}
}

func (c *labelCounter) Add(delta float64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.counts[strings.Join(c.lvs, ",")] += delta
}

func (c *labelCounter) keys() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var out []string
	for k := range c.counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestInstrument(t *testing.T) {
	txid := [32]byte{0x31}
	_, b := blockWith(t, txid)
	counter := newLabelCounter()
	h := claim.Instrument(claim.NewTxIDHandler(fakeRegistry(b.header, 1)), counter, log.NewNopLogger())
	require.Equal(t, "txid", h.Name())

	w := txidWitness(txid, b, 1)
	_, err := h.Claim(w.Commitment(), claim.EncodeTxIDWitness(w))
	require.NoError(t, err)
	_, err = h.Claim([32]byte{}, claim.EncodeTxIDWitness(w))
	requireCode(t, err, consensus.ERR_INVALID_COMMITMENT)

	require.Equal(t, []string{
		"handler,txid,result,InvalidCommitment",
		"handler,txid,result,ok",
	}, counter.keys())
}
