// Package commands implements the btcrelay command line.
//
// Configuration is layered: flags override BTCRELAY_* environment variables,
// which override <home>/config.toml, which overrides built-in defaults.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/libs/log"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

const (
	EnvPrefix      = "BTCRELAY"
	ConfigFileName = "config.toml"

	flagHome      = "home"
	flagNetwork   = "network"
	flagDBBackend = "db-backend"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

// persistentKeys maps root flags to the config keys they override.
var persistentKeys = map[string]string{
	flagHome:      "home",
	flagNetwork:   "network",
	flagDBBackend: "db_backend",
	flagLogLevel:  "log_level",
	flagLogFormat: "log_format",
}

// env is the state every subcommand shares once the root pre-run has
// resolved configuration.
type env struct {
	v      *viper.Viper
	home   string
	config node.Config
	logger log.Logger
}

// NewRootCommand builds the command tree. Each call gets its own viper
// instance so commands can be constructed repeatedly in one process.
func NewRootCommand() *cobra.Command {
	e := &env{v: viper.New()}
	defaults := node.DefaultConfig()

	root := &cobra.Command{
		Use:           "btcrelay",
		Short:         "SPV relay for tracked-chain block headers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.String(flagHome, node.DefaultDataDir(), "directory holding config.toml and relay data")
	pf.String(flagNetwork, defaults.Network, "tracked network (mainnet|regtest)")
	pf.String(flagDBBackend, defaults.DBBackend, "storage backend (bolt|goleveldb|memdb)")
	pf.String(flagLogLevel, defaults.LogLevel, "log level (debug|info|warn|error)")
	pf.String(flagLogFormat, defaults.LogFormat, "log format (plain|json)")

	root.AddCommand(
		newInitCommand(e),
		newGenesisCommand(),
		newSubmitCommand(e),
		newTipCommand(e),
		newVerifyCommand(e),
		newForkCommand(e),
		newAbandonCommand(e),
		newClaimCommand(e),
		newServeCommand(e),
		newConfigCommand(e),
	)
	return root
}

func setDefaults(v *viper.Viper, cfg node.Config) {
	v.SetDefault("network", cfg.Network)
	v.SetDefault("db_backend", cfg.DBBackend)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("max_fork_candidates", cfg.MaxForkCandidates)
	v.SetDefault("max_future_drift", cfg.MaxFutureDrift)
	v.SetDefault("relay_identity", cfg.RelayIdentity)
	v.SetDefault("rpc.listen_addr", cfg.RPC.ListenAddr)
	v.SetDefault("rpc.cors_allowed_origins", cfg.RPC.CORSAllowedOrigins)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", cfg.Metrics.ListenAddr)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)
}

func (e *env) load(cmd *cobra.Command) error {
	v := e.v
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, node.DefaultConfig())

	for flag, key := range persistentKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	e.home = v.GetString("home")
	if strings.TrimSpace(e.home) == "" {
		return errors.New("home directory is required")
	}
	v.SetDefault("data_dir", e.home)

	path := filepath.Join(e.home, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg := node.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.RPC.CORSAllowedOrigins = node.NormalizeOrigins(cfg.RPC.CORSAllowedOrigins...)
	if err := node.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := log.NewLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	e.config = cfg
	e.logger = logger
	return nil
}

// openRelay opens the configured store and wraps it in a relay. The
// returned close func releases the store.
func (e *env) openRelay(opts ...node.RelayOption) (*node.Relay, func() error, error) {
	params, err := e.config.Params()
	if err != nil {
		return nil, nil, err
	}
	if e.config.DBBackend != store.BackendMemDB {
		if err := os.MkdirAll(e.config.DataDir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(e.config.DBBackend, e.config.DataDir, e.config.Network)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]node.RelayOption{
		node.WithLogger(e.logger),
		node.WithMaxForkCandidates(e.config.MaxForkCandidates),
	}, opts...)
	return node.NewRelay(st, params, opts...), st.Close, nil
}

// withRelay runs fn against an opened relay and closes the store after.
func (e *env) withRelay(fn func(*node.Relay) error) (err error) {
	relay, closeStore, err := e.openRelay()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeStore(); err == nil {
			err = cerr
		}
	}()
	return fn(relay)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newConfigCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd, e.config)
		},
	}
}
