package commands

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

func newInitCommand(e *env) *cobra.Command {
	var genesisHex string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.toml and seed the relay with a trusted header",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			genesis, err := decodeStoredHeader(genesisHex, "genesis")
			if err != nil {
				return err
			}
			if err := writeConfigIfMissing(filepath.Join(e.home, ConfigFileName), e.config); err != nil {
				return err
			}
			return e.withRelay(func(relay *node.Relay) error {
				if err := relay.Initialize(genesis); err != nil {
					return err
				}
				return printJSON(cmd, storedHeaderView(genesis))
			})
		},
	}
	cmd.Flags().StringVar(&genesisHex, "genesis", "", "trusted starting StoredHeader, hex")
	_ = cmd.MarkFlagRequired("genesis")
	return cmd
}

// writeConfigIfMissing keeps an existing config file untouched.
func writeConfigIfMissing(path string, cfg node.Config) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return store.WriteFileAtomic(path, buf.Bytes())
}

type headerView struct {
	Height     uint32 `json:"height"`
	Commitment string `json:"commitment"`
	Hash       string `json:"hash,omitempty"`
	Header     string `json:"header"`
}

func storedHeaderView(h consensus.StoredHeader) headerView {
	commitment := h.Commitment()
	return headerView{
		Height:     h.Height,
		Commitment: encodeHex(commitment[:]),
		Hash:       displayHash(h.NativeHash()),
		Header:     encodeHex(h.Encode()),
	}
}
