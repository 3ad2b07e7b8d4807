package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/claim"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/internal/chaintest"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/libs/log"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

var (
	testRelayID  = [32]byte{0x11, 0x22}
	testTxID     = [32]byte{0x7a, 0x7b}
	submitterHex = "0x" + strings.Repeat("ab", 20)
)

type fixture struct {
	t       *testing.T
	relay   *node.Relay
	genesis consensus.StoredHeader
	srv     *httptest.Server
}

// newFixture starts a relay whose starting block contains only testTxID,
// so its Merkle root is the txid and the proof is empty.
func newFixture(t *testing.T, origins ...string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g := chaintest.Genesis(100, chaintest.EasyBits, chaintest.GenesisTime)
	g.MerkleRoot = testTxID
	relay := node.NewRelay(store.NewMemKVStore(), chaintest.Params(), node.WithLogger(log.TestingLogger()))
	require.NoError(t, relay.Initialize(g))

	reg := claim.NewRegistry()
	reg.Register(testRelayID, relay)
	handlers := []claim.Handler{claim.NewTxIDHandler(reg), claim.NewOutputHandler(reg), claim.NewNoncedOutputHandler(reg)}

	s := NewServer(relay, handlers, node.RPCConfig{CORSAllowedOrigins: origins}, log.TestingLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{t: t, relay: relay, genesis: g, srv: srv}
}

func (f *fixture) do(method, path string, body any, out any) *http.Response {
	f.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func compactHex(headers []consensus.CompactHeader) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = encodeHex(h.Encode())
	}
	return out
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t)
	resp := f.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := uuid.Parse(resp.Header.Get(headerRequestID))
	require.NoError(t, err, "a request id is generated")

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(headerRequestID, "req-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "req-42", resp.Header.Get(headerRequestID))
}

func TestTipAndSubmitMain(t *testing.T) {
	f := newFixture(t)

	var tip TipResponse
	resp := f.do(http.MethodGet, "/v1/tip", nil, &tip)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint32(100), tip.Height)
	require.Equal(t, encodeHex(f.genesis.Encode()), tip.Header)
	require.Equal(t, f.genesis.Work().String(), tip.Work)

	b := chaintest.NewBuilder(t, f.relay.Params(), f.genesis, 1)
	headers := b.Extend(3)

	var sub SubmitResponse
	resp = f.do(http.MethodPost, "/v1/submit/main", SubmitRequest{From: tip.Header, Headers: compactHex(headers)}, &sub)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint32(103), sub.TipHeight)
	require.Len(t, sub.Headers, 3)
	require.Equal(t, encodeHex(b.Tip.Encode()), sub.Headers[2])

	var errResp ErrorResponse
	resp = f.do(http.MethodPost, "/v1/submit/main", SubmitRequest{From: tip.Header, Headers: compactHex(headers)}, &errResp)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, string(consensus.ERR_NOT_AT_TIP_HEIGHT), errResp.Code)
	require.NotEmpty(t, errResp.RequestID)

	resp = f.do(http.MethodGet, "/v1/tip", nil, &tip)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tipCommitment := b.Tip.Commitment()
	require.Equal(t, uint32(103), tip.Height)
	require.Equal(t, encodeHex(tipCommitment[:]), tip.Commitment)
	require.Equal(t, encodeHex(b.Tip.Encode()), tip.Header)

	var at HeaderResponse
	resp = f.do(http.MethodGet, "/v1/headers/101", nil, &at)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := b.Stored[0].Commitment()
	require.Equal(t, encodeHex(c[:]), at.Commitment)
	require.Equal(t, encodeHex(b.Stored[0].Encode()), at.Header)

	resp = f.do(http.MethodGet, "/v1/headers/104", nil, &errResp)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, string(consensus.ERR_FUTURE_BLOCK), errResp.Code)

	var archived HeaderResponse
	resp = f.do(http.MethodGet, "/v1/archive/"+at.Commitment, nil, &archived)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint32(101), archived.Height)

	resp = f.do(http.MethodGet, "/v1/archive/0x"+strings.Repeat("00", 32), nil, &errResp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var ver VerifyResponse
	resp = f.do(http.MethodPost, "/v1/verify", VerifyRequest{Header: at.Header}, &ver)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint32(3), ver.Confirmations)

	resp = f.do(http.MethodPost, "/v1/verify", VerifyRequest{Height: 101, Commitment: at.Commitment}, &ver)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint32(3), ver.Confirmations)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		method, path string
		body         any
	}{
		"bad hex":        {http.MethodPost, "/v1/submit/main", SubmitRequest{From: "0xzz"}},
		"short header":   {http.MethodPost, "/v1/submit/main", SubmitRequest{From: "0x00"}},
		"bad compact":    {http.MethodPost, "/v1/submit/main", SubmitRequest{From: encodeHex(f.genesis.Encode()), Headers: []string{"0x01"}}},
		"bad height":     {http.MethodGet, "/v1/headers/tall", nil},
		"bad fork id":    {http.MethodPost, "/v1/submit/fork/x", SubmitRequest{}},
		"no submitter":   {http.MethodPost, "/v1/submit/fork", SubmitRequest{From: encodeHex(f.genesis.Encode())}},
		"fork query":     {http.MethodGet, "/v1/forks/1", nil},
		"bad commitment": {http.MethodPost, "/v1/claims/txid", ClaimRequest{Commitment: "0x01"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var errResp ErrorResponse
			resp := f.do(tc.method, tc.path, tc.body, &errResp)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Equal(t, "INVALID_ARGUMENT", errResp.Code)
		})
	}

	var errResp ErrorResponse
	resp := f.do(http.MethodPost, "/v1/claims/lottery", ClaimRequest{}, &errResp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLongForkLifecycle(t *testing.T) {
	f := newFixture(t)
	b := chaintest.NewBuilder(t, f.relay.Params(), f.genesis, 1)
	_, err := f.relay.SubmitMainChainHeaders(f.genesis, b.Extend(4), chaintest.FarFuture)
	require.NoError(t, err)

	fork := chaintest.NewBuilder(t, f.relay.Params(), f.genesis, 2)
	var sub SubmitResponse
	resp := f.do(http.MethodPost, "/v1/submit/fork/5", SubmitRequest{
		Submitter: submitterHex,
		From:      encodeHex(f.genesis.Encode()),
		Headers:   compactHex(fork.Extend(2)),
	}, &sub)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, sub.Reorganized)
	require.NotNil(t, sub.Fork)
	require.Equal(t, uint32(102), sub.Fork.TipHeight)

	var fr ForkResponse
	resp = f.do(http.MethodGet, "/v1/forks/5?submitter="+submitterHex, nil, &fr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint32(5), fr.ForkID)
	require.Equal(t, uint32(101), fr.StartHeight)

	var abandoned map[string]bool
	resp = f.do(http.MethodDelete, "/v1/forks/5?submitter="+submitterHex, nil, &abandoned)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, abandoned["abandoned"])

	var errResp ErrorResponse
	resp = f.do(http.MethodGet, "/v1/forks/5?submitter="+submitterHex, nil, &errResp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The short-fork route needs strictly more work than the tip.
	short := chaintest.NewBuilder(t, f.relay.Params(), f.genesis, 3)
	resp = f.do(http.MethodPost, "/v1/submit/fork", SubmitRequest{
		Submitter: submitterHex,
		From:      encodeHex(f.genesis.Encode()),
		Headers:   compactHex(short.Extend(4)),
	}, &errResp)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, string(consensus.ERR_INSUFFICIENT_WORK), errResp.Code)

	short.Extend(1)
	resp = f.do(http.MethodPost, "/v1/submit/fork", SubmitRequest{
		Submitter: submitterHex,
		From:      encodeHex(f.genesis.Encode()),
		Headers:   compactHex(short.Compact),
	}, &sub)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, sub.Reorganized)
	require.Equal(t, uint32(105), sub.TipHeight)
}

func TestClaimRoute(t *testing.T) {
	f := newFixture(t)
	w := claim.TxIDWitness{
		TxID:          testTxID,
		Confirmations: 1,
		RelayIdentity: testRelayID,
		Header:        f.genesis,
	}
	commitment := w.Commitment()

	var out ClaimResponse
	resp := f.do(http.MethodPost, "/v1/claims/txid", ClaimRequest{
		Commitment: encodeHex(commitment[:]),
		Witness:    encodeHex(claim.EncodeTxIDWitness(w)),
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, encodeHex(testTxID[:]), out.Identifier)

	w.Confirmations = 2
	commitment = w.Commitment()
	var errResp ErrorResponse
	resp = f.do(http.MethodPost, "/v1/claims/txid", ClaimRequest{
		Commitment: encodeHex(commitment[:]),
		Witness:    encodeHex(claim.EncodeTxIDWitness(w)),
	}, &errResp)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, string(consensus.ERR_INSUFFICIENT_CONFIRMATIONS), errResp.Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events"
	conn, dialResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, dialResp.StatusCode)
	dialResp.Body.Close()

	b := chaintest.NewBuilder(t, f.relay.Params(), f.genesis, 1)
	_, err = f.relay.SubmitMainChainHeaders(f.genesis, b.Extend(2), chaintest.FarFuture)
	require.NoError(t, err)

	for i, h := range b.Stored {
		var msg EventMessage
		require.NoError(t, conn.ReadJSON(&msg))
		c := h.Commitment()
		require.Equal(t, node.EventHeaderStored, msg.Type, "event %d", i)
		require.Equal(t, h.Height, msg.Height)
		require.Equal(t, encodeHex(c[:]), msg.Commitment)
		require.Empty(t, msg.Submitter)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, "https://app.example")
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/tip", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
