package config

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultDirPerm is the default permissions used when creating
	// directories.
	DefaultDirPerm = 0700

	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultGenesisJSONName = "genesis.json"
	defaultPrivValKeyName  = "priv_validator_key.json"
	defaultNodeKeyName     = "node_key.json"
)

// Config holds every tunable the consensus core consumes. It is built
// once at startup; nothing inside the core reads the environment.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	Consensus *ConsensusConfig `mapstructure:"consensus"`
	Pipeline  *PipelineConfig  `mapstructure:"pipeline"`
	P2P       *P2PConfig       `mapstructure:"p2p"`
	RPC       *RPCConfig       `mapstructure:"rpc"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		Consensus:  DefaultConsensusConfig(),
		Pipeline:   DefaultPipelineConfig(),
		P2P:        DefaultP2PConfig(),
		RPC:        DefaultRPCConfig(),
	}
}

// TestConfig returns a configuration suitable for unit tests: short
// timeouts, in-memory friendly sizes.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Consensus = TestConsensusConfig()
	cfg.Pipeline.StageWorkers = 4
	return cfg
}

// SetRoot sets the RootDir for all sub config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.)
// and returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [consensus] section")
	}
	if err := cfg.Pipeline.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [pipeline] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	Genesis  string `mapstructure:"genesis_file"`
	PrivVal  string `mapstructure:"priv_validator_key_file"`
	NodeKey  string `mapstructure:"node_key_file"`
	LogLevel string `mapstructure:"log_level"`
}

func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:  "anonymous",
		DBPath:   defaultDataDir,
		Genesis:  filepath.Join(defaultConfigDir, defaultGenesisJSONName),
		PrivVal:  filepath.Join(defaultConfigDir, defaultPrivValKeyName),
		NodeKey:  filepath.Join(defaultConfigDir, defaultNodeKeyName),
		LogLevel: "info",
	}
}

func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func (cfg BaseConfig) GenesisFile() string { return rootify(cfg.Genesis, cfg.RootDir) }
func (cfg BaseConfig) PrivValidatorKeyFile() string {
	return rootify(cfg.PrivVal, cfg.RootDir)
}
func (cfg BaseConfig) NodeKeyFile() string { return rootify(cfg.NodeKey, cfg.RootDir) }
func (cfg BaseConfig) DBDir() string       { return rootify(cfg.DBPath, cfg.RootDir) }

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig holds the election and replication tunables.
type ConsensusConfig struct {
	// Election timeouts are drawn uniformly from
	// [ElectionTimeoutMin, ElectionTimeoutMax); the fitness hook may
	// shrink the drawn value, never below ElectionTimeoutMin.
	ElectionTimeoutMin time.Duration `mapstructure:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `mapstructure:"election_timeout_max"`

	// HeartbeatInterval must stay below ElectionTimeoutMin across the
	// cluster or followers will keep electing.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Byzantine switches quorum sizing from majority to >2/3 weight.
	Byzantine bool `mapstructure:"byzantine"`

	// MaxElectionBackoff caps the exponential timeout growth of a
	// candidate that keeps failing to reach quorum.
	MaxElectionBackoff time.Duration `mapstructure:"max_election_backoff"`

	// MaxEntriesPerAppend bounds replication message size.
	MaxEntriesPerAppend int `mapstructure:"max_entries_per_append"`
}

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		ElectionTimeoutMin:  150 * time.Millisecond,
		ElectionTimeoutMax:  300 * time.Millisecond,
		HeartbeatInterval:   50 * time.Millisecond,
		Byzantine:           true,
		MaxElectionBackoff:  3 * time.Second,
		MaxEntriesPerAppend: 64,
	}
}

func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.ElectionTimeoutMin = 40 * time.Millisecond
	cfg.ElectionTimeoutMax = 80 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.MaxElectionBackoff = 500 * time.Millisecond
	return cfg
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.ElectionTimeoutMin <= 0 {
		return errors.New("election_timeout_min can't be non-positive")
	}
	if cfg.ElectionTimeoutMax <= cfg.ElectionTimeoutMin {
		return errors.New("election_timeout_max must exceed election_timeout_min")
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.ElectionTimeoutMin {
		return errors.New("heartbeat_interval must be positive and below election_timeout_min")
	}
	if cfg.MaxEntriesPerAppend <= 0 {
		return errors.New("max_entries_per_append can't be non-positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// PipelineConfig

// PipelineConfig holds the validation pipeline and adaptive batching
// tunables.
type PipelineConfig struct {
	// StageWorkers bounds the worker pool shared by the parallel
	// stages.
	StageWorkers int `mapstructure:"stage_workers"`

	// ProofRetries bounds transparent retries of proof generation
	// before a transaction is rejected.
	ProofRetries int `mapstructure:"proof_retries"`

	// Batch size bounds for the AIMD policy.
	MinBatchSize     int `mapstructure:"min_batch_size"`
	MaxBatchSize     int `mapstructure:"max_batch_size"`
	InitialBatchSize int `mapstructure:"initial_batch_size"`

	// BatchTimeout is the default pipeline resolution timeout handed
	// to submitters with no deadline of their own.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`

	// AIMD control law: grow additively while p99 latency stays under
	// LatencyCeiling and the success rate stays above SuccessFloor;
	// halve on regression.
	LatencyCeiling time.Duration `mapstructure:"latency_ceiling"`
	SuccessFloor   float64       `mapstructure:"success_floor"`
}

func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		StageWorkers:     16,
		ProofRetries:     3,
		MinBatchSize:     16,
		MaxBatchSize:     4096,
		InitialBatchSize: 256,
		BatchTimeout:     10 * time.Second,
		LatencyCeiling:   2 * time.Second,
		SuccessFloor:     0.9,
	}
}

func (cfg *PipelineConfig) ValidateBasic() error {
	if cfg.StageWorkers <= 0 {
		return errors.New("stage_workers can't be non-positive")
	}
	if cfg.ProofRetries < 0 {
		return errors.New("proof_retries can't be negative")
	}
	if cfg.MinBatchSize <= 0 || cfg.MaxBatchSize < cfg.MinBatchSize {
		return errors.New("invalid batch size bounds")
	}
	if cfg.InitialBatchSize < cfg.MinBatchSize || cfg.InitialBatchSize > cfg.MaxBatchSize {
		return errors.New("initial_batch_size out of bounds")
	}
	if cfg.SuccessFloor < 0 || cfg.SuccessFloor > 1 {
		return errors.New("success_floor must be within [0,1]")
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig / RPCConfig

type P2PConfig struct {
	ListenAddress   string `mapstructure:"laddr"`
	ExternalAddress string `mapstructure:"external_address"`
	PersistentPeers string `mapstructure:"persistent_peers"`
}

func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress: "tcp://0.0.0.0:26656",
	}
}

type RPCConfig struct {
	ListenAddress string `mapstructure:"laddr"`
}

func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		ListenAddress: "tcp://127.0.0.1:26657",
	}
}
