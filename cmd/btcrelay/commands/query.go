package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/rpc"
)

func newTipCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "tip",
		Short: "Print the canonical tip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withRelay(func(relay *node.Relay) error {
				tip, h, err := relay.TipWithHeader()
				if err != nil {
					return err
				}
				return printJSON(cmd, rpc.TipResponse{
					Height:     tip.Height,
					Commitment: encodeHex(tip.Commitment[:]),
					Work:       tip.Work.String(),
					Header:     encodeHex(h.Encode()),
				})
			})
		},
	}
}

func newVerifyCommand(e *env) *cobra.Command {
	var (
		headerHex  string
		commitment string
		height     uint32
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Print the confirmations of a canonical header",
		Long: `Print the confirmations of a canonical header, given either the full
StoredHeader (--header) or its height and commitment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withRelay(func(relay *node.Relay) error {
				var conf uint32
				switch {
				case headerHex != "":
					h, err := decodeStoredHeader(headerHex, "header")
					if err != nil {
						return err
					}
					if conf, err = relay.VerifyBlockheader(h); err != nil {
						return err
					}
				case commitment != "":
					c, err := decodeHash(commitment, "commitment")
					if err != nil {
						return err
					}
					if conf, err = relay.VerifyBlockheaderHash(height, c); err != nil {
						return err
					}
				default:
					return errors.New("one of --header or --commitment is required")
				}
				return printJSON(cmd, rpc.VerifyResponse{Confirmations: conf})
			})
		},
	}
	cmd.Flags().StringVar(&headerHex, "header", "", "StoredHeader, hex")
	cmd.Flags().StringVar(&commitment, "commitment", "", "header commitment, hex")
	cmd.Flags().Uint32Var(&height, "height", 0, "height of --commitment")
	return cmd
}

type forkFlags struct {
	submitter string
	forkID    uint32
}

func (f *forkFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.submitter, "submitter", "", "20-byte submitter address, hex")
	cmd.Flags().Uint32Var(&f.forkID, "fork-id", 0, "fork candidate id")
	_ = cmd.MarkFlagRequired("submitter")
}

func newForkCommand(e *env) *cobra.Command {
	var f forkFlags
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Print a long-fork candidate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			submitter, err := decodeSubmitter(f.submitter)
			if err != nil {
				return err
			}
			return e.withRelay(func(relay *node.Relay) error {
				fork, ok, err := relay.ForkCandidate(submitter, f.forkID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no fork candidate %d for %x", f.forkID, submitter)
				}
				return printJSON(cmd, rpc.NewForkResponse(fork))
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newAbandonCommand(e *env) *cobra.Command {
	var f forkFlags
	cmd := &cobra.Command{
		Use:   "abandon",
		Short: "Drop one of the submitter's long-fork candidates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			submitter, err := decodeSubmitter(f.submitter)
			if err != nil {
				return err
			}
			return e.withRelay(func(relay *node.Relay) error {
				removed, err := relay.AbandonFork(submitter, f.forkID)
				if err != nil {
					return err
				}
				return printJSON(cmd, struct {
					Abandoned bool `json:"abandoned"`
				}{removed})
			})
		},
	}
	f.register(cmd)
	return cmd
}
