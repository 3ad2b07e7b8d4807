package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/libs/log"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/rpc"
)

func newServeCommand(e *env) *cobra.Command {
	var genesisHex string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until interrupted",
		Long: `Run the HTTP API until interrupted. With the memdb backend, or on a fresh
data directory, --genesis seeds the relay before the API starts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return e.serve(ctx, genesisHex)
		},
	}
	cmd.Flags().StringVar(&genesisHex, "genesis", "", "trusted starting StoredHeader, hex, used when the relay is empty")
	return cmd
}

func (e *env) serve(ctx context.Context, genesisHex string) error {
	cfg := e.config
	metrics := node.NopMetrics()
	if cfg.Metrics.Enabled {
		metrics = node.PrometheusMetrics(cfg.Metrics.Namespace, "network", cfg.Network)
	}
	relay, closeStore, err := e.openRelay(node.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			e.logger.Error("close store", "err", err)
		}
	}()

	if err := e.seed(relay, genesisHex); err != nil {
		return err
	}
	identity, err := cfg.RelayIdentityBytes()
	if err != nil {
		return err
	}
	e.logger.Info("relay ready", "network", cfg.Network, "identity", log.Hexadecimal(identity[:]))

	gin.SetMode(gin.ReleaseMode)
	srv := rpc.NewServer(relay, claimHandlers(relay, identity, metrics.Claims, e.logger), cfg.RPC, e.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rpc.Serve(gctx, cfg.RPC.ListenAddr, srv.Handler(), e.logger.With("server", "api"))
	})
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return rpc.Serve(gctx, cfg.Metrics.ListenAddr, mux, e.logger.With("server", "metrics"))
		})
	}
	return g.Wait()
}

// seed initializes an empty relay from genesisHex. A relay that already has
// a tip is left alone.
func (e *env) seed(relay *node.Relay, genesisHex string) error {
	if _, err := relay.TipHeight(); err == nil {
		return nil
	}
	if genesisHex == "" {
		e.logger.Info("relay not initialized; submissions fail until it is seeded")
		return nil
	}
	genesis, err := decodeStoredHeader(genesisHex, "genesis")
	if err != nil {
		return err
	}
	return relay.Initialize(genesis)
}
