package loaner

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/community"
	"loaner/native/fixedpoint"
	"loaner/native/vault"
)

const (
	defaultMaxAPY      = "100"
	defaultMaxTermDays = 3650
	defaultEpochSecs   = 86_400
)

// Config is the TOML form of the protocol parameters. Amounts are decimal
// currency strings, APY figures are percentages.
type Config struct {
	Admins  []string      `toml:"Admins"`
	Quorum  QuorumConfig  `toml:"Quorum"`
	Factory FactoryConfig `toml:"Factory"`
	Vault   VaultConfig   `toml:"Vault"`
}

type QuorumConfig struct {
	ApprovalThreshold  string `toml:"ApprovalThreshold"`
	RejectionThreshold string `toml:"RejectionThreshold"`
	MinApprovals       uint32 `toml:"MinApprovals"`
	MinRejections      uint32 `toml:"MinRejections"`
}

type FactoryConfig struct {
	MaxAPY            string `toml:"MaxAPY"`
	MaxTermDays       uint64 `toml:"MaxTermDays"`
	MaxLoansPerEpoch  uint32 `toml:"MaxLoansPerEpoch"`
	MaxAmountPerEpoch uint64 `toml:"MaxAmountPerEpoch"`
	EpochSeconds      uint32 `toml:"EpochSeconds"`
}

type VaultConfig struct {
	Enabled         bool   `toml:"Enabled"`
	BreakerFailures uint32 `toml:"BreakerFailures"`
	BreakerTimeout  string `toml:"BreakerTimeout"`
}

// LoadConfig reads protocol parameters from a TOML file. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("loaner: decode %s: %w", path, err)
			}
		}
	}
	cfg.EnsureDefaults()
	return cfg, nil
}

// EnsureDefaults fills unset fields.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.Factory.MaxAPY) == "" {
		c.Factory.MaxAPY = defaultMaxAPY
	}
	if c.Factory.MaxTermDays == 0 {
		c.Factory.MaxTermDays = defaultMaxTermDays
	}
	if c.Factory.EpochSeconds == 0 {
		c.Factory.EpochSeconds = defaultEpochSecs
	}
	if strings.TrimSpace(c.Vault.BreakerTimeout) == "" {
		c.Vault.BreakerTimeout = "30s"
	}
	if c.Vault.BreakerFailures == 0 {
		c.Vault.BreakerFailures = 5
	}
}

// Params are the validated protocol parameters.
type Params struct {
	Admins  []crypto.Address
	Policy  community.Policy
	MaxAPY  uint64
	MaxTerm uint64
	Quota   common.Quota
	Vault   bool
	Breaker vault.BreakerConfig
}

// Params validates the configuration and converts it to typed parameters.
func (c *Config) Params() (Params, error) {
	c.EnsureDefaults()
	var p Params
	for _, raw := range c.Admins {
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			return Params{}, fmt.Errorf("loaner: admin %q: %w", raw, err)
		}
		p.Admins = append(p.Admins, addr)
	}
	policy := community.Policy{MinApprovals: c.Quorum.MinApprovals, MinRejections: c.Quorum.MinRejections}
	if s := strings.TrimSpace(c.Quorum.ApprovalThreshold); s != "" {
		v, err := fixedpoint.ParseAmount(s)
		if err != nil {
			return Params{}, fmt.Errorf("loaner: approval threshold: %w", err)
		}
		policy.ApprovalThreshold = v
	}
	if s := strings.TrimSpace(c.Quorum.RejectionThreshold); s != "" {
		v, err := fixedpoint.ParseAmount(s)
		if err != nil {
			return Params{}, fmt.Errorf("loaner: rejection threshold: %w", err)
		}
		policy.RejectionThreshold = v
	}
	p.Policy = policy.Normalize()
	maxAPY, err := fixedpoint.ParseAPY(c.Factory.MaxAPY)
	if err != nil {
		return Params{}, fmt.Errorf("loaner: max apy: %w", err)
	}
	p.MaxAPY = maxAPY
	maxTerm, err := fixedpoint.Days(c.Factory.MaxTermDays)
	if err != nil {
		return Params{}, fmt.Errorf("loaner: max term: %w", err)
	}
	p.MaxTerm = maxTerm
	p.Quota = common.Quota{
		MaxRequestsPerEpoch: c.Factory.MaxLoansPerEpoch,
		MaxAmountPerEpoch:   c.Factory.MaxAmountPerEpoch,
		EpochSeconds:        c.Factory.EpochSeconds,
	}
	timeout, err := time.ParseDuration(c.Vault.BreakerTimeout)
	if err != nil {
		return Params{}, fmt.Errorf("loaner: breaker timeout: %w", err)
	}
	p.Vault = c.Vault.Enabled
	p.Breaker = vault.BreakerConfig{ConsecutiveFailures: c.Vault.BreakerFailures, OpenTimeout: timeout}
	return p, nil
}

// DefaultParams returns the parameters of an empty configuration.
func DefaultParams() Params {
	cfg := &Config{}
	p, err := cfg.Params()
	if err != nil {
		panic(err)
	}
	return p
}
