// Package config provides network and compiler configuration loading for deployctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"golang.org/x/mod/semver"
)

const (
	// LocalNetworkName is the implicit development network, always available.
	LocalNetworkName = "localhost"

	// LocalNetworkURL is the default JSON-RPC endpoint of Anvil and Hardhat node.
	LocalNetworkURL = "http://127.0.0.1:8545"

	// LocalNetworkKey is the first deterministic development account
	// (0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266). Publicly known.
	LocalNetworkKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	envPrefix = "DEPLOYCTL"
)

// Config holds everything a deployment run reads at startup.
type Config struct {
	DefaultNetwork string             `mapstructure:"default_network"`
	ArtifactsDir   string             `mapstructure:"artifacts_dir" validate:"required"`
	Networks       map[string]Network `mapstructure:"networks" validate:"dive"`
	Solidity       Solidity           `mapstructure:"solidity"`

	// PrivateKey, when set (usually via DEPLOYCTL_PRIVATE_KEY), replaces the
	// account list of whichever network is selected.
	PrivateKey string `mapstructure:"private_key" validate:"omitempty,privkey"`

	// ConfigFile is the file the values were read from, empty if none.
	ConfigFile string `mapstructure:"-"`
}

// Network is one named deployment target.
type Network struct {
	Name string `mapstructure:"-"`

	URL string `mapstructure:"url" validate:"required,url"`

	// ChainID pins the expected chain. Zero accepts whatever the endpoint reports.
	ChainID uint64 `mapstructure:"chain_id"`

	// Accounts are hex-encoded secp256k1 private keys, 0x prefix optional.
	Accounts []string `mapstructure:"accounts" validate:"dive,privkey"`

	RemoteSigner *RemoteSigner `mapstructure:"remote_signer"`

	// GasPrice overrides the node's suggestion (e.g. "2gwei").
	GasPrice string `mapstructure:"gas_price"`

	// GasMultiplier scales the suggested gas price. Zero means 1.0.
	GasMultiplier float64 `mapstructure:"gas_multiplier" validate:"gte=0"`

	// ConfirmTimeout bounds the receipt wait. Zero waits indefinitely.
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// RemoteSigner points at a POPSigner RPC gateway holding the deployer key.
type RemoteSigner struct {
	Endpoint string `mapstructure:"endpoint" validate:"required,url"`
	APIKey   string `mapstructure:"api_key" validate:"required"`
	Address  string `mapstructure:"address" validate:"required,eth_addr"`
}

// Solidity holds the compiler settings the artifacts are expected to be built with.
type Solidity struct {
	Version   string    `mapstructure:"version" validate:"omitempty,solc_version"`
	Optimizer Optimizer `mapstructure:"optimizer"`
}

// Optimizer mirrors solc's optimizer settings.
type Optimizer struct {
	Enabled bool             `mapstructure:"enabled"`
	Runs    int              `mapstructure:"runs" validate:"gte=0"`
	Details OptimizerDetails `mapstructure:"details"`
}

// OptimizerDetails holds fine-grained optimizer switches.
type OptimizerDetails struct {
	Yul bool `mapstructure:"yul"`
}

var privateKeyPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// Load reads configuration from the given file, or searches ./deployctl.yaml
// and ~/.deployctl/deployctl.yaml when path is empty. Environment variables
// prefixed with DEPLOYCTL_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("deployctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".deployctl"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	_ = v.BindEnv("default_network", envPrefix+"_NETWORK")
	_ = v.BindEnv("artifacts_dir", envPrefix+"_ARTIFACTS_DIR")
	_ = v.BindEnv("private_key", envPrefix+"_PRIVATE_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file: defaults and env vars only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults configures default values for top-level settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("default_network", LocalNetworkName)
	v.SetDefault("artifacts_dir", "./artifacts")
}

// applyDefaults names every network and injects the implicit local network.
func (c *Config) applyDefaults() {
	if c.Networks == nil {
		c.Networks = make(map[string]Network)
	}
	if _, ok := c.Networks[LocalNetworkName]; !ok {
		c.Networks[LocalNetworkName] = Network{
			URL:      LocalNetworkURL,
			Accounts: []string{LocalNetworkKey},
		}
	}
	for name, n := range c.Networks {
		n.Name = name
		c.Networks[name] = n
	}
}

// Validate checks struct constraints on the whole configuration.
func (c *Config) Validate() error {
	validate := newValidator()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Network returns the named network profile. An empty name selects
// DefaultNetwork. The returned value is a copy with PrivateKey applied.
func (c *Config) Network(name string) (*Network, error) {
	if name == "" {
		name = c.DefaultNetwork
	}
	// viper lowercases map keys
	n, ok := c.Networks[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("network %q not configured (available: %s)", name, strings.Join(c.NetworkNames(), ", "))
	}

	n.Accounts = append([]string(nil), n.Accounts...)
	if c.PrivateKey != "" {
		n.Accounts = []string{c.PrivateKey}
	}
	return &n, nil
}

// NetworkNames returns configured network names in sorted order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Account returns the private key at index with any 0x prefix removed.
func (n *Network) Account(index int) (string, error) {
	if len(n.Accounts) == 0 {
		return "", fmt.Errorf("network %q has no accounts configured", n.Name)
	}
	if index < 0 || index >= len(n.Accounts) {
		return "", fmt.Errorf("account index %d out of range (network %q has %d accounts)", index, n.Name, len(n.Accounts))
	}
	return strings.TrimPrefix(n.Accounts[index], "0x"), nil
}

// CompilerMismatches compares the configured compiler settings against the
// settings an artifact was actually built with and describes every difference.
// An empty configured version skips the version comparison.
func (s Solidity) CompilerMismatches(solcVersion string, optimizerEnabled bool, runs int) []string {
	var diffs []string

	if s.Version != "" && solcVersion != "" {
		want := semver.Canonical("v" + strings.TrimPrefix(s.Version, "v"))
		got := semver.Canonical("v" + strings.TrimPrefix(solcVersion, "v"))
		if semver.Compare(want, got) != 0 {
			diffs = append(diffs, fmt.Sprintf("solc version: configured %s, artifact built with %s", s.Version, solcVersion))
		}
	}

	if s.Optimizer.Enabled != optimizerEnabled {
		diffs = append(diffs, fmt.Sprintf("optimizer enabled: configured %t, artifact built with %t", s.Optimizer.Enabled, optimizerEnabled))
	} else if optimizerEnabled && s.Optimizer.Runs != runs {
		diffs = append(diffs, fmt.Sprintf("optimizer runs: configured %d, artifact built with %d", s.Optimizer.Runs, runs))
	}

	return diffs
}

// MaskSecret hides all but the edges of a credential for display.
func MaskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	s = strings.TrimPrefix(s, "0x")
	if len(s) <= 12 {
		return "****"
	}
	return s[:6] + "..." + s[len(s)-4:]
}

func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("privkey", func(fl validator.FieldLevel) bool {
		return privateKeyPattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("solc_version", func(fl validator.FieldLevel) bool {
		return semver.IsValid("v" + strings.TrimPrefix(fl.Field().String(), "v"))
	})
	return validate
}
