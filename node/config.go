package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/crypto"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

type Config struct {
	Network   string `mapstructure:"network" toml:"network"`
	DataDir   string `mapstructure:"data_dir" toml:"data_dir"`
	DBBackend string `mapstructure:"db_backend" toml:"db_backend"`
	LogLevel  string `mapstructure:"log_level" toml:"log_level"`
	LogFormat string `mapstructure:"log_format" toml:"log_format"`

	// MaxForkCandidates bounds live long-fork candidates across all
	// submitters. 0 means unbounded.
	MaxForkCandidates int `mapstructure:"max_fork_candidates" toml:"max_fork_candidates"`

	// MaxFutureDrift overrides the network's allowed timestamp drift, in
	// seconds. 0 keeps the network default.
	MaxFutureDrift uint32 `mapstructure:"max_future_drift" toml:"max_future_drift"`

	// RelayIdentity is the 32-byte hex identity claim commitments bind to.
	// Empty derives one from the network name.
	RelayIdentity string `mapstructure:"relay_identity" toml:"relay_identity"`

	RPC     RPCConfig     `mapstructure:"rpc" toml:"rpc"`
	Metrics MetricsConfig `mapstructure:"metrics" toml:"metrics"`
}

type RPCConfig struct {
	ListenAddr         string   `mapstructure:"listen_addr" toml:"listen_addr"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins" toml:"cors_allowed_origins"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" toml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"`
	Namespace  string `mapstructure:"namespace" toml:"namespace"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var allowedLogFormats = map[string]struct{}{
	"plain": {},
	"text":  {},
	"json":  {},
}

var allowedBackends = map[string]struct{}{
	store.BackendBolt:      {},
	store.BackendMemDB:     {},
	store.BackendGoLevelDB: {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".btcrelay"
	}
	return filepath.Join(home, ".btcrelay")
}

func DefaultConfig() Config {
	return Config{
		Network:           consensus.MainNetParams.Name,
		DataDir:           DefaultDataDir(),
		DBBackend:         store.BackendBolt,
		LogLevel:          "info",
		LogFormat:         "plain",
		MaxForkCandidates: 1024,
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:18480",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:18481",
			Namespace:  "btcrelay",
		},
	}
}

// NormalizeOrigins splits comma-separated origins, trims them and drops
// duplicates, keeping first-seen order.
func NormalizeOrigins(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, o := range strings.Split(token, ",") {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			if _, ok := seen[o]; ok {
				continue
			}
			seen[o] = struct{}{}
			out = append(out, o)
		}
	}
	return out
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Network) == "" {
		return errors.New("network is required")
	}
	if _, err := consensus.ParamsForNetwork(cfg.Network); err != nil {
		return err
	}
	if _, ok := allowedBackends[cfg.DBBackend]; !ok {
		return fmt.Errorf("invalid db_backend %q", cfg.DBBackend)
	}
	if cfg.DBBackend != store.BackendMemDB && strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	logFormat := strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if _, ok := allowedLogFormats[logFormat]; !ok {
		return fmt.Errorf("invalid log_format %q", cfg.LogFormat)
	}
	if cfg.MaxForkCandidates < 0 {
		return errors.New("max_fork_candidates must be >= 0")
	}
	if _, err := cfg.RelayIdentityBytes(); err != nil {
		return err
	}
	if err := validateAddr(cfg.RPC.ListenAddr); err != nil {
		return fmt.Errorf("invalid rpc.listen_addr: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := validateAddr(cfg.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("invalid metrics.listen_addr: %w", err)
		}
	}
	return nil
}

// Params returns the network parameters with config overrides applied.
func (cfg Config) Params() (*consensus.Params, error) {
	p, err := consensus.ParamsForNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFutureDrift != 0 {
		p.MaxFutureDrift = cfg.MaxFutureDrift
	}
	return p, nil
}

func (cfg Config) RelayIdentityBytes() ([32]byte, error) {
	var out [32]byte
	s := strings.TrimPrefix(strings.TrimSpace(cfg.RelayIdentity), "0x")
	if s == "" {
		return crypto.Keccak256([]byte("btcrelay:" + cfg.Network)), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid relay_identity: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid relay_identity: %d bytes, want 32", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}
