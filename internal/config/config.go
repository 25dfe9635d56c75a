// Package config loads the TOML configuration of ledgerd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"

	"batchledger/internal/consensus"
	"batchledger/internal/disclosure"
	"batchledger/internal/rangeproof"
)

// Config holds the application configuration.
type Config struct {
	Consensus  ConsensusConfig  `toml:"consensus"`
	Governance GovernanceConfig `toml:"governance"`
	RangeProof RangeProofConfig `toml:"range_proof"`
	Disclosure DisclosureConfig `toml:"disclosure"`
	Storage    StorageConfig    `toml:"storage"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ConsensusConfig sizes batches and the validator set.
type ConsensusConfig struct {
	BatchSize           int   `toml:"batch_size"`
	Validators          int   `toml:"validators"`
	Quorum              int   `toml:"quorum"`
	CollectionTimeoutMS int64 `toml:"collection_timeout_ms"`
	VotingTimeoutMS     int64 `toml:"voting_timeout_ms"`
	MaxConcurrency      int   `toml:"max_concurrency"`
	SealDifficulty      int   `toml:"seal_difficulty"`
	MaxAttempts         int   `toml:"max_attempts"`
	// KeyFile holds the validator signing keys and the opening key, relative to the data
	// directory. It is created on first start.
	KeyFile string `toml:"key_file"`
}

type GovernanceConfig struct {
	FreezeThreshold int `toml:"freeze_threshold"`
}

// RangeProofConfig bounds transfer amounts. Proving keys are cached in KeyDir.
type RangeProofConfig struct {
	MaxValue uint64 `toml:"max_value"`
	Bits     int    `toml:"bits"`
	KeyDir   string `toml:"key_dir"`
}

// DisclosureConfig sets the oversight roles and where the escrow dealing is kept. The node needs
// EscrowDir/commitments.json; share files belong to their holders and are only used by the node
// when it acts for one, as the simulation does.
type DisclosureConfig struct {
	OversightRoles  []string `toml:"oversight_roles"`
	RequestTTLSec   int64    `toml:"request_ttl_sec"`
	SweepIntervalMS int64    `toml:"sweep_interval_ms"`
	EscrowDir       string   `toml:"escrow_dir"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	AuditFile string `toml:"audit_file"`
}

// Default returns M=12 validators, Q=10, F=8 and batches of N=100.
func Default() *Config {
	return &Config{
		Consensus: ConsensusConfig{
			BatchSize:           100,
			Validators:          12,
			Quorum:              10,
			CollectionTimeoutMS: 1000,
			VotingTimeoutMS:     5000,
			MaxConcurrency:      0,
			MaxAttempts:         5,
			KeyFile:             "validators.json",
		},
		Governance: GovernanceConfig{FreezeThreshold: 8},
		RangeProof: RangeProofConfig{
			MaxValue: 1_000_000_000,
			Bits:     rangeproof.DefaultBits,
			KeyDir:   "keys",
		},
		Disclosure: DisclosureConfig{
			OversightRoles:  append([]string(nil), disclosure.DefaultOversightRoles...),
			RequestTTLSec:   3600,
			SweepIntervalMS: 1000,
			EscrowDir:       "escrow",
		},
		Storage: StorageConfig{DataDir: "data"},
		Logging: LoggingConfig{Level: "info", File: "ledgerd.log", AuditFile: "audit.log"},
	}
}

// Load reads the file at path. Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg := Default()
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.fillDefaults(tree)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// fillDefaults restores defaults for keys the file does not set; decoding zeroes them.
func (c *Config) fillDefaults(tree *toml.Tree) {
	d := Default()
	set := func(key string, dst, def any) {
		if tree.Has(key) {
			return
		}
		switch p := dst.(type) {
		case *int:
			*p = *def.(*int)
		case *int64:
			*p = *def.(*int64)
		case *uint64:
			*p = *def.(*uint64)
		case *string:
			*p = *def.(*string)
		case *[]string:
			*p = append([]string(nil), *def.(*[]string)...)
		}
	}
	set("consensus.batch_size", &c.Consensus.BatchSize, &d.Consensus.BatchSize)
	set("consensus.validators", &c.Consensus.Validators, &d.Consensus.Validators)
	set("consensus.quorum", &c.Consensus.Quorum, &d.Consensus.Quorum)
	set("consensus.collection_timeout_ms", &c.Consensus.CollectionTimeoutMS, &d.Consensus.CollectionTimeoutMS)
	set("consensus.voting_timeout_ms", &c.Consensus.VotingTimeoutMS, &d.Consensus.VotingTimeoutMS)
	set("consensus.max_concurrency", &c.Consensus.MaxConcurrency, &d.Consensus.MaxConcurrency)
	set("consensus.seal_difficulty", &c.Consensus.SealDifficulty, &d.Consensus.SealDifficulty)
	set("consensus.max_attempts", &c.Consensus.MaxAttempts, &d.Consensus.MaxAttempts)
	set("consensus.key_file", &c.Consensus.KeyFile, &d.Consensus.KeyFile)
	set("governance.freeze_threshold", &c.Governance.FreezeThreshold, &d.Governance.FreezeThreshold)
	set("range_proof.max_value", &c.RangeProof.MaxValue, &d.RangeProof.MaxValue)
	set("range_proof.bits", &c.RangeProof.Bits, &d.RangeProof.Bits)
	set("range_proof.key_dir", &c.RangeProof.KeyDir, &d.RangeProof.KeyDir)
	set("disclosure.oversight_roles", &c.Disclosure.OversightRoles, &d.Disclosure.OversightRoles)
	set("disclosure.request_ttl_sec", &c.Disclosure.RequestTTLSec, &d.Disclosure.RequestTTLSec)
	set("disclosure.sweep_interval_ms", &c.Disclosure.SweepIntervalMS, &d.Disclosure.SweepIntervalMS)
	set("disclosure.escrow_dir", &c.Disclosure.EscrowDir, &d.Disclosure.EscrowDir)
	set("storage.data_dir", &c.Storage.DataDir, &d.Storage.DataDir)
	set("logging.level", &c.Logging.Level, &d.Logging.Level)
	set("logging.file", &c.Logging.File, &d.Logging.File)
	set("logging.audit_file", &c.Logging.AuditFile, &d.Logging.AuditFile)
}

// Save writes c to path, creating the directory when needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := toml.Marshal(*c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	cc := c.Consensus
	switch {
	case cc.BatchSize <= 0:
		return errors.New("consensus.batch_size must be positive")
	case cc.Validators <= 0:
		return errors.New("consensus.validators must be positive")
	case cc.Quorum <= 0 || cc.Quorum > cc.Validators:
		return fmt.Errorf("consensus.quorum must be in [1, %d]", cc.Validators)
	case cc.CollectionTimeoutMS <= 0 || cc.VotingTimeoutMS <= 0:
		return errors.New("consensus timeouts must be positive")
	case cc.MaxConcurrency < 0:
		return errors.New("consensus.max_concurrency must not be negative")
	case cc.SealDifficulty < 0 || cc.SealDifficulty > 32:
		return errors.New("consensus.seal_difficulty must be in [0, 32]")
	case cc.MaxAttempts < 0:
		return errors.New("consensus.max_attempts must not be negative")
	case cc.KeyFile == "" || c.Disclosure.EscrowDir == "":
		return errors.New("consensus.key_file and disclosure.escrow_dir must be set")
	case c.Governance.FreezeThreshold <= 0 || c.Governance.FreezeThreshold > cc.Validators:
		return fmt.Errorf("governance.freeze_threshold must be in [1, %d]", cc.Validators)
	case len(c.Disclosure.OversightRoles) == 0:
		return errors.New("disclosure.oversight_roles must not be empty")
	case c.Disclosure.RequestTTLSec <= 0 || c.Disclosure.SweepIntervalMS <= 0:
		return errors.New("disclosure intervals must be positive")
	case c.Storage.DataDir == "":
		return errors.New("storage.data_dir must be set")
	}
	if err := c.RangeParams().Validate(); err != nil {
		return fmt.Errorf("range_proof: %w", err)
	}
	return nil
}

// Engine returns the consensus engine parameters.
func (c *Config) Engine() consensus.Config {
	return consensus.Config{
		BatchSize:         c.Consensus.BatchSize,
		Quorum:            c.Consensus.Quorum,
		CollectionTimeout: time.Duration(c.Consensus.CollectionTimeoutMS) * time.Millisecond,
		VotingTimeout:     time.Duration(c.Consensus.VotingTimeoutMS) * time.Millisecond,
		MaxConcurrency:    c.Consensus.MaxConcurrency,
		SealDifficulty:    uint8(c.Consensus.SealDifficulty),
		MaxAttempts:       c.Consensus.MaxAttempts,
	}
}

// RangeParams returns the range proof parameters; the aggregate circuit holds one batch.
func (c *Config) RangeParams() rangeproof.Params {
	return rangeproof.Params{
		MaxValue: c.RangeProof.MaxValue,
		Bits:     c.RangeProof.Bits,
		Capacity: c.Consensus.BatchSize,
	}
}

func (c *Config) Policy() disclosure.Policy {
	return disclosure.Policy{OversightRoles: append([]string(nil), c.Disclosure.OversightRoles...)}
}

func (c *Config) RequestTTL() time.Duration {
	return time.Duration(c.Disclosure.RequestTTLSec) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Disclosure.SweepIntervalMS) * time.Millisecond
}

// Path joins name onto the data directory unless name is absolute.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Storage.DataDir, name)
}
