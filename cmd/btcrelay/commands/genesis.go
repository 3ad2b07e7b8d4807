package commands

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/wire"
	"github.com/spf13/cobra"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
)

var maxWork = new(big.Int).Lsh(big.NewInt(1), 256)

func newGenesisCommand() *cobra.Command {
	var (
		headerHex  string
		height     uint32
		workStr    string
		epochStart uint32
		recent     []uint
	)
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Build a trusted StoredHeader from a native block header",
		Long: `Build a trusted StoredHeader from an 80-byte native block header and the
bookkeeping the relay cannot derive on its own: the block height, the
cumulative chain work up to and including it, the timestamp of the first
block of its difficulty epoch and the timestamps of the blocks before it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := buildGenesis(headerHex, height, workStr, epochStart, recent)
			if err != nil {
				return err
			}
			return printJSON(cmd, storedHeaderView(h))
		},
	}
	f := cmd.Flags()
	f.StringVar(&headerHex, "header", "", "80-byte native block header, hex")
	f.Uint32Var(&height, "height", 0, "height of the block")
	f.StringVar(&workStr, "work", "", "cumulative chain work through the block (decimal or 0x hex)")
	f.Uint32Var(&epochStart, "epoch-start", 0, "timestamp of the first block of the block's difficulty epoch")
	f.UintSliceVar(&recent, "recent", nil, fmt.Sprintf("timestamps of the %d blocks before it, oldest first", consensus.RECENT_TIMESTAMPS))
	for _, name := range []string{"header", "work", "epoch-start", "recent"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func buildGenesis(headerHex string, height uint32, workStr string, epochStart uint32, recent []uint) (consensus.StoredHeader, error) {
	raw, err := decodeFixed(headerHex, consensus.NATIVE_HEADER_BYTES, "header")
	if err != nil {
		return consensus.StoredHeader{}, err
	}
	var bh wire.BlockHeader
	if err := bh.Deserialize(bytes.NewReader(raw)); err != nil {
		return consensus.StoredHeader{}, fmt.Errorf("header: %w", err)
	}
	work, ok := new(big.Int).SetString(workStr, 0)
	if !ok || work.Sign() <= 0 || work.Cmp(maxWork) >= 0 {
		return consensus.StoredHeader{}, fmt.Errorf("work: %q is not a positive 256-bit integer", workStr)
	}
	if len(recent) != consensus.RECENT_TIMESTAMPS {
		return consensus.StoredHeader{}, fmt.Errorf("recent: want %d timestamps, got %d", consensus.RECENT_TIMESTAMPS, len(recent))
	}
	if height%consensus.RETARGET_INTERVAL == 0 && epochStart != uint32(bh.Timestamp.Unix()) {
		return consensus.StoredHeader{}, errors.New("epoch-start: must equal the header timestamp at a retarget height")
	}

	h := consensus.StoredHeader{
		Version:             uint32(bh.Version),
		PreviousHash:        bh.PrevBlock,
		MerkleRoot:          bh.MerkleRoot,
		Timestamp:           uint32(bh.Timestamp.Unix()),
		Bits:                bh.Bits,
		Nonce:               bh.Nonce,
		Height:              height,
		EpochStartTimestamp: epochStart,
	}
	for i, ts := range recent {
		if uint64(ts) > uint64(^uint32(0)) {
			return consensus.StoredHeader{}, fmt.Errorf("recent[%d]: %d overflows 32 bits", i, ts)
		}
		h.RecentTimestamps[i] = uint32(ts)
	}
	h.SetWork(work)
	return h, nil
}
