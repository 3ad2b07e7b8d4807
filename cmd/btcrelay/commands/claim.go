package commands

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil"
	"github.com/go-kit/kit/metrics"
	"github.com/spf13/cobra"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/claim"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/libs/log"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
)

// claimHandlers registers relay under identity and returns every claim
// kind, instrumented.
func claimHandlers(relay *node.Relay, identity [32]byte, claims metrics.Counter, logger log.Logger) []claim.Handler {
	reg := claim.NewRegistry()
	reg.Register(identity, relay)
	logger = logger.With("module", "claim")
	return []claim.Handler{
		claim.Instrument(claim.NewTxIDHandler(reg), claims, logger),
		claim.Instrument(claim.NewOutputHandler(reg), claims, logger),
		claim.Instrument(claim.NewNoncedOutputHandler(reg), claims, logger),
	}
}

type claimView struct {
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
	Amount     string `json:"amount,omitempty"`
}

func newClaimCommand(e *env) *cobra.Command {
	var witnessHex, commitmentHex string
	cmd := &cobra.Command{
		Use:       "claim <txid|output|nonced_output>",
		Short:     "Check a claim witness against the relay",
		Long:      "Check a claim witness against the relay. Without --commitment the witness is checked against the commitment of its own prefix.",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: []string{"txid", "output", "nonced_output"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			witness, err := decodeHex(witnessHex, "witness")
			if err != nil {
				return err
			}
			commitment, amount, err := witnessCommitment(kind, witness)
			if err != nil {
				return err
			}
			if commitmentHex != "" {
				if commitment, err = decodeHash(commitmentHex, "commitment"); err != nil {
					return err
				}
			}
			identity, err := e.config.RelayIdentityBytes()
			if err != nil {
				return err
			}
			return e.withRelay(func(relay *node.Relay) error {
				for _, h := range claimHandlers(relay, identity, node.NopMetrics().Claims, e.logger) {
					if h.Name() != kind {
						continue
					}
					id, err := h.Claim(commitment, witness)
					if err != nil {
						return err
					}
					return printJSON(cmd, claimView{Kind: kind, Identifier: encodeHex(id[:]), Amount: amount})
				}
				return fmt.Errorf("unknown claim kind %q", kind)
			})
		},
	}
	cmd.Flags().StringVar(&witnessHex, "witness", "", "claim witness, hex")
	cmd.Flags().StringVar(&commitmentHex, "commitment", "", "claim commitment, hex")
	_ = cmd.MarkFlagRequired("witness")
	return cmd
}

// witnessCommitment decodes witness far enough to derive its commitment
// and, for output claims, the value of the claimed output.
func witnessCommitment(kind string, witness []byte) ([32]byte, string, error) {
	switch kind {
	case "txid":
		w, err := claim.DecodeTxIDWitness(witness)
		if err != nil {
			return [32]byte{}, "", err
		}
		return w.Commitment(), "", nil
	case "output", "nonced_output":
		w, err := claim.DecodeOutputWitness(witness)
		if err != nil {
			return [32]byte{}, "", err
		}
		return w.Commitment(), outputAmount(w), nil
	default:
		return [32]byte{}, "", fmt.Errorf("unknown claim kind %q (want %s)", kind, strings.Join([]string{"txid", "output", "nonced_output"}, "|"))
	}
}

func outputAmount(w claim.OutputWitness) string {
	tx, err := claim.ParseTransaction(w.RawTx)
	if err != nil || int(w.Vout) >= len(tx.TxOut) {
		return ""
	}
	return btcutil.Amount(tx.TxOut[w.Vout].Value).String()
}
