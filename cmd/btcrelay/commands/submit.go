package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/rpc"
)

type submitFlags struct {
	headers   string
	from      string
	submitter string
	forkID    uint32
}

func (f *submitFlags) register(cmd *cobra.Command, withFork bool) {
	cmd.Flags().StringVar(&f.headers, "headers", "-", "file of hex CompactHeaders, or - for stdin")
	cmd.Flags().StringVar(&f.from, "from", "", "commitment of the stored header the headers extend")
	if withFork {
		cmd.Flags().StringVar(&f.submitter, "submitter", "", "20-byte submitter address, hex")
		_ = cmd.MarkFlagRequired("submitter")
	}
}

// fromHeader resolves --from against stored headers, or returns fallback
// when it is unset.
func (f *submitFlags) fromHeader(relay *node.Relay, fallback func() (consensus.StoredHeader, error)) (consensus.StoredHeader, error) {
	if f.from == "" {
		if fallback == nil {
			return consensus.StoredHeader{}, errors.New("--from is required")
		}
		return fallback()
	}
	commitment, err := decodeHash(f.from, "from")
	if err != nil {
		return consensus.StoredHeader{}, err
	}
	h, ok, err := relay.HeaderByCommitment(commitment)
	if err != nil {
		return consensus.StoredHeader{}, err
	}
	if !ok {
		return consensus.StoredHeader{}, fmt.Errorf("from: no stored header %x", commitment)
	}
	return h, nil
}

func newSubmitCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit tracked-chain headers",
	}
	cmd.AddCommand(newSubmitMainCommand(e), newSubmitForkCommand(e), newSubmitLongForkCommand(e))
	return cmd
}

func newSubmitMainCommand(e *env) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "main",
		Short: "Extend the canonical tip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			headers, err := readCompactHeaders(f.headers, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return e.withRelay(func(relay *node.Relay) error {
				tip, err := f.fromHeader(relay, relay.TipHeader)
				if err != nil {
					return err
				}
				res, err := relay.SubmitMainChainHeaders(tip, headers, relay.NowBound())
				if err != nil {
					return err
				}
				return printJSON(cmd, rpc.NewSubmitResponse(res))
			})
		},
	}
	f.register(cmd, false)
	return cmd
}

func newSubmitForkCommand(e *env) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Replace the canonical tail with a heavier fork in one submission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			submitter, err := decodeSubmitter(f.submitter)
			if err != nil {
				return err
			}
			headers, err := readCompactHeaders(f.headers, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return e.withRelay(func(relay *node.Relay) error {
				ancestor, err := f.fromHeader(relay, nil)
				if err != nil {
					return err
				}
				res, err := relay.SubmitShortForkChainHeaders(submitter, ancestor, headers, relay.NowBound())
				if err != nil {
					return err
				}
				return printJSON(cmd, rpc.NewSubmitResponse(res))
			})
		},
	}
	f.register(cmd, true)
	return cmd
}

func newSubmitLongForkCommand(e *env) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "long-fork",
		Short: "Start or extend a fork candidate across several submissions",
		Long: `Start or extend a fork candidate across several submissions. Without
--from, the headers extend the tip of the existing candidate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			submitter, err := decodeSubmitter(f.submitter)
			if err != nil {
				return err
			}
			headers, err := readCompactHeaders(f.headers, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return e.withRelay(func(relay *node.Relay) error {
				start, err := f.fromHeader(relay, func() (consensus.StoredHeader, error) {
					return candidateTip(relay, submitter, f.forkID)
				})
				if err != nil {
					return err
				}
				res, err := relay.SubmitForkChainHeaders(submitter, f.forkID, start, headers, relay.NowBound())
				if err != nil {
					return err
				}
				return printJSON(cmd, rpc.NewSubmitResponse(res))
			})
		},
	}
	f.register(cmd, true)
	cmd.Flags().Uint32Var(&f.forkID, "fork-id", 0, "submitter-chosen fork candidate id")
	return cmd
}

func candidateTip(relay *node.Relay, submitter [20]byte, forkID uint32) (consensus.StoredHeader, error) {
	fork, ok, err := relay.ForkCandidate(submitter, forkID)
	if err != nil {
		return consensus.StoredHeader{}, err
	}
	if !ok {
		return consensus.StoredHeader{}, fmt.Errorf("no fork candidate %d for %x; pass --from to start one", forkID, submitter)
	}
	tip, ok, err := relay.HeaderByCommitment(fork.TipCommitment())
	if err != nil {
		return consensus.StoredHeader{}, err
	}
	if !ok {
		return consensus.StoredHeader{}, fmt.Errorf("fork candidate %d: tip header missing", forkID)
	}
	return tip, nil
}
