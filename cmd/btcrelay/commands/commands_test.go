package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/claim"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/internal/chaintest"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/rpc"
)

const testSubmitter = "0x1111111111111111111111111111111111111111"

func execute(t *testing.T, ctx context.Context, home, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--home", home, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func run(t *testing.T, home, stdin string, args ...string) string {
	t.Helper()
	out, err := execute(t, context.Background(), home, stdin, args...)
	require.NoError(t, err)
	return out
}

func decode(t *testing.T, out string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func hexHeaders(headers []consensus.CompactHeader) string {
	lines := make([]string, len(headers))
	for i, c := range headers {
		lines[i] = hex.EncodeToString(c.Encode())
	}
	return strings.Join(lines, "\n")
}

func commitmentHex(h consensus.StoredHeader) string {
	c := h.Commitment()
	return encodeHex(c[:])
}

// initRelay seeds a bolt relay in a fresh home and returns the home and
// the genesis header.
func initRelay(t *testing.T, mutate func(*consensus.StoredHeader)) (string, consensus.StoredHeader) {
	t.Helper()
	home := t.TempDir()
	g := chaintest.Genesis(100, chaintest.EasyBits, chaintest.GenesisTime)
	if mutate != nil {
		mutate(&g)
	}
	var view headerView
	decode(t, run(t, home, "", "--network", "regtest", "init", "--genesis", encodeHex(g.Encode())), &view)
	require.Equal(t, uint32(100), view.Height)
	require.Equal(t, commitmentHex(g), view.Commitment)
	return home, g
}

func TestInitWritesConfig(t *testing.T) {
	home, _ := initRelay(t, nil)

	var cfg node.Config
	_, err := toml.DecodeFile(filepath.Join(home, ConfigFileName), &cfg)
	require.NoError(t, err)
	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, home, cfg.DataDir)
	require.Equal(t, "bolt", cfg.DBBackend)

	// The network now comes from config.toml.
	var tip rpc.TipResponse
	decode(t, run(t, home, "", "tip"), &tip)
	require.Equal(t, uint32(100), tip.Height)

	_, err = execute(t, context.Background(), home, "", "init", "--genesis", tip.Header)
	require.Equal(t, consensus.ERR_ALREADY_INITIALIZED, consensus.CodeOf(err))
}

func TestSubmitMainAndVerify(t *testing.T) {
	home, g := initRelay(t, nil)
	b := chaintest.NewBuilder(t, chaintest.Params(), g, 1)
	headers := b.Extend(3)

	var res rpc.SubmitResponse
	decode(t, run(t, home, hexHeaders(headers), "submit", "main"), &res)
	require.Equal(t, uint32(103), res.TipHeight)
	require.Equal(t, commitmentHex(b.Tip), res.TipCommitment)
	require.Len(t, res.Headers, 3)

	var ver rpc.VerifyResponse
	decode(t, run(t, home, "", "verify", "--header", encodeHex(b.Stored[0].Encode())), &ver)
	require.Equal(t, uint32(3), ver.Confirmations)
	decode(t, run(t, home, "", "verify", "--height", "103", "--commitment", commitmentHex(b.Tip)), &ver)
	require.Equal(t, uint32(1), ver.Confirmations)

	// Submitting from a stale tip is rejected.
	more := b.Extend(1)
	_, err := execute(t, context.Background(), home, hexHeaders(more), "submit", "main", "--from", commitmentHex(g))
	require.Equal(t, consensus.ERR_NOT_AT_TIP_HEIGHT, consensus.CodeOf(err))

	_, err = execute(t, context.Background(), home, "", "verify")
	require.ErrorContains(t, err, "--header or --commitment")
}

func TestSubmitForks(t *testing.T) {
	home, g := initRelay(t, nil)
	canon := chaintest.NewBuilder(t, chaintest.Params(), g, 1)
	run(t, home, hexHeaders(canon.Extend(2)), "submit", "main")

	// A one-header short fork has less work than the two-header tip.
	fork := chaintest.NewBuilder(t, chaintest.Params(), g, 2)
	first := fork.Extend(1)
	_, err := execute(t, context.Background(), home, hexHeaders(first),
		"submit", "fork", "--submitter", testSubmitter, "--from", commitmentHex(g))
	require.Equal(t, consensus.ERR_INSUFFICIENT_WORK, consensus.CodeOf(err))

	// As a long fork it is kept as a candidate.
	var res rpc.SubmitResponse
	decode(t, run(t, home, hexHeaders(first),
		"submit", "long-fork", "--submitter", testSubmitter, "--fork-id", "3", "--from", commitmentHex(g)), &res)
	require.False(t, res.Reorganized)
	require.NotNil(t, res.Fork)
	require.Equal(t, uint32(101), res.Fork.TipHeight)

	var f rpc.ForkResponse
	decode(t, run(t, home, "", "fork", "--submitter", testSubmitter, "--fork-id", "3"), &f)
	require.Equal(t, uint32(101), f.StartHeight)
	require.Equal(t, commitmentHex(fork.Tip), f.TipCommit)

	// Without --from the headers extend the candidate, which then overtakes
	// the tip.
	decode(t, run(t, home, hexHeaders(fork.Extend(2)),
		"submit", "long-fork", "--submitter", testSubmitter, "--fork-id", "3"), &res)
	require.True(t, res.Reorganized)
	require.Equal(t, uint32(103), res.TipHeight)
	require.Equal(t, commitmentHex(fork.Tip), res.TipCommitment)

	_, err = execute(t, context.Background(), home, "", "fork", "--submitter", testSubmitter, "--fork-id", "3")
	require.ErrorContains(t, err, "no fork candidate")
	_, err = execute(t, context.Background(), home, "x",
		"submit", "long-fork", "--submitter", testSubmitter, "--fork-id", "3")
	require.Error(t, err)
}

func TestAbandon(t *testing.T) {
	home, g := initRelay(t, nil)
	run(t, home, hexHeaders(chaintest.NewBuilder(t, chaintest.Params(), g, 1).Extend(2)), "submit", "main")
	fork := chaintest.NewBuilder(t, chaintest.Params(), g, 2)
	run(t, home, hexHeaders(fork.Extend(1)),
		"submit", "long-fork", "--submitter", testSubmitter, "--from", commitmentHex(g))

	var out struct {
		Abandoned bool `json:"abandoned"`
	}
	decode(t, run(t, home, "", "abandon", "--submitter", testSubmitter), &out)
	require.True(t, out.Abandoned)
	decode(t, run(t, home, "", "abandon", "--submitter", testSubmitter), &out)
	require.False(t, out.Abandoned)

	_, err := execute(t, context.Background(), home, "", "abandon", "--submitter", "0x12")
	require.ErrorContains(t, err, "submitter")
}

func TestGenesisFromNativeHeader(t *testing.T) {
	var raw bytes.Buffer
	bh := chaincfg.MainNetParams.GenesisBlock.Header
	require.NoError(t, bh.Serialize(&raw))
	ts := uint32(bh.Timestamp.Unix())

	out := run(t, t.TempDir(), "", "genesis",
		"--header", hex.EncodeToString(raw.Bytes()),
		"--height", "0",
		"--work", "0x100010001",
		"--epoch-start", "1231006505",
		"--recent", "0,0,0,0,0,0,0,0,0,0")
	var view headerView
	decode(t, out, &view)
	require.Equal(t, chaincfg.MainNetParams.GenesisHash.String(), view.Hash)

	want := consensus.StoredHeader{
		Version:             1,
		MerkleRoot:          bh.MerkleRoot,
		Timestamp:           ts,
		Bits:                0x1d00ffff,
		Nonce:               bh.Nonce,
		EpochStartTimestamp: ts,
	}
	want.CumulativeWork[27] = 0x01
	want.CumulativeWork[29] = 0x01
	want.CumulativeWork[31] = 0x01
	require.Equal(t, encodeHex(want.Encode()), view.Header)
	require.Equal(t, commitmentHex(want), view.Commitment)

	_, err := execute(t, context.Background(), t.TempDir(), "", "genesis",
		"--header", hex.EncodeToString(raw.Bytes()), "--height", "0", "--work", "1",
		"--epoch-start", "5", "--recent", "0,0,0,0,0,0,0,0,0,0")
	require.ErrorContains(t, err, "epoch-start")
	_, err = execute(t, context.Background(), t.TempDir(), "", "genesis",
		"--header", hex.EncodeToString(raw.Bytes()), "--height", "1", "--work", "1",
		"--epoch-start", "5", "--recent", "0,0")
	require.ErrorContains(t, err, "recent")
	_, err = execute(t, context.Background(), t.TempDir(), "", "genesis",
		"--header", hex.EncodeToString(raw.Bytes()), "--height", "1", "--work", "-3",
		"--epoch-start", "5", "--recent", "0,0,0,0,0,0,0,0,0,0")
	require.ErrorContains(t, err, "work")
}

func TestClaimTxID(t *testing.T) {
	txid := [32]byte{0xab, 0xcd}
	home, g := initRelay(t, func(g *consensus.StoredHeader) { g.MerkleRoot = txid })
	identity, err := node.Config{Network: "regtest"}.RelayIdentityBytes()
	require.NoError(t, err)

	w := claim.TxIDWitness{TxID: txid, Confirmations: 1, RelayIdentity: identity, Header: g}
	witness := encodeHex(claim.EncodeTxIDWitness(w))

	var view claimView
	decode(t, run(t, home, "", "claim", "txid", "--witness", witness), &view)
	require.Equal(t, "txid", view.Kind)
	require.Equal(t, encodeHex(txid[:]), view.Identifier)

	stale := w.Commitment()
	stale[0] ^= 1
	_, err = execute(t, context.Background(), home, "", "claim", "txid", "--witness", witness, "--commitment", encodeHex(stale[:]))
	require.Equal(t, consensus.ERR_INVALID_COMMITMENT, consensus.CodeOf(err))

	w.Confirmations = 2
	_, err = execute(t, context.Background(), home, "", "claim", "txid", "--witness", encodeHex(claim.EncodeTxIDWitness(w)))
	require.Equal(t, consensus.ERR_INSUFFICIENT_CONFIRMATIONS, consensus.CodeOf(err))

	_, err = execute(t, context.Background(), home, "", "claim", "script", "--witness", witness)
	require.Error(t, err)
}

func TestConfigLayering(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BTCRELAY_MAX_FORK_CANDIDATES", "7")
	t.Setenv("BTCRELAY_RPC_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("BTCRELAY_NETWORK", "regtest")

	var cfg node.Config
	decode(t, run(t, home, "", "config"), &cfg)
	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, 7, cfg.MaxForkCandidates)
	require.Equal(t, "127.0.0.1:9999", cfg.RPC.ListenAddr)
	require.Equal(t, home, cfg.DataDir)

	// Flags beat the environment.
	decode(t, run(t, home, "", "--network", "mainnet", "config"), &cfg)
	require.Equal(t, "mainnet", cfg.Network)

	_, err := execute(t, context.Background(), home, "", "--db-backend", "sqlite", "config")
	require.ErrorContains(t, err, "invalid db_backend")
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Setenv("BTCRELAY_RPC_LISTEN_ADDR", "127.0.0.1:0")
	g := chaintest.Genesis(100, chaintest.EasyBits, chaintest.GenesisTime)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := execute(t, ctx, t.TempDir(), "",
		"--network", "regtest", "--db-backend", "memdb", "serve", "--genesis", encodeHex(g.Encode()))
	require.NoError(t, err)
}
