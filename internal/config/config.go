package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"lens-account/go-bridge/internal/chain"
	"lens-account/go-bridge/internal/relay"
)

// Config is the full daemon configuration, assembled from defaults, an
// optional YAML file and environment overrides, in that order.
type Config struct {
	Relay    relay.Config   `yaml:"relay"`
	Metadata relay.Metadata `yaml:"metadata"`
	Chain    chain.Config   `yaml:"chain"`
	Account  AccountConfig  `yaml:"account"`
	Owner    OwnerConfig    `yaml:"owner"`
}

// AccountConfig names the managed smart account whose executeTransaction
// entry point this bridge drives.
type AccountConfig struct {
	Address string `yaml:"address"`
}

// OwnerConfig carries the owner key material. Exactly one of the fields is
// needed; PrivateKey wins when both are set. Prefer the environment
// overrides over committing either to a file.
type OwnerConfig struct {
	PrivateKey string `yaml:"privateKey"`
	Mnemonic   string `yaml:"mnemonic"`
}

func Default() Config {
	return Config{
		Relay: relay.DefaultConfig(),
		Metadata: relay.Metadata{
			Name:        "Lens Account Bridge",
			Description: "WalletConnect bridge for a managed Lens account",
			URL:         "https://lens.xyz",
		},
		Chain: chain.DefaultConfig(),
	}
}

// LoadFromPath reads configPath (or the conventional locations when empty),
// merges it over the defaults and applies environment overrides last.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-bridge/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src Config) {
	if src.Relay.Transport != "" {
		dst.Relay.Transport = src.Relay.Transport
	}
	if src.Relay.URL != "" {
		dst.Relay.URL = src.Relay.URL
	}
	if src.Relay.ProjectID != "" {
		dst.Relay.ProjectID = src.Relay.ProjectID
	}
	if src.Relay.PingPeriod != 0 {
		dst.Relay.PingPeriod = src.Relay.PingPeriod
	}
	if src.Relay.InboundRPS != 0 {
		dst.Relay.InboundRPS = src.Relay.InboundRPS
	}
	if src.Relay.InboundBurst != 0 {
		dst.Relay.InboundBurst = src.Relay.InboundBurst
	}
	if src.Metadata.Name != "" {
		dst.Metadata.Name = src.Metadata.Name
	}
	if src.Metadata.Description != "" {
		dst.Metadata.Description = src.Metadata.Description
	}
	if src.Metadata.URL != "" {
		dst.Metadata.URL = src.Metadata.URL
	}
	if src.Metadata.Icons != nil {
		dst.Metadata.Icons = src.Metadata.Icons
	}
	if src.Chain.ID != 0 {
		dst.Chain.ID = src.Chain.ID
	}
	if src.Chain.RPCURL != "" {
		dst.Chain.RPCURL = src.Chain.RPCURL
	}
	if src.Chain.ConfirmTimeout != 0 {
		dst.Chain.ConfirmTimeout = src.Chain.ConfirmTimeout
	}
	if src.Chain.PollInterval != 0 {
		dst.Chain.PollInterval = src.Chain.PollInterval
	}
	if src.Account.Address != "" {
		dst.Account.Address = src.Account.Address
	}
	if src.Owner.PrivateKey != "" {
		dst.Owner.PrivateKey = src.Owner.PrivateKey
	}
	if src.Owner.Mnemonic != "" {
		dst.Owner.Mnemonic = src.Owner.Mnemonic
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LENS_BRIDGE_PROJECT_ID")); v != "" {
		cfg.Relay.ProjectID = v
	}
	if v := strings.TrimSpace(os.Getenv("LENS_BRIDGE_RELAY_TRANSPORT")); v != "" {
		cfg.Relay.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("LENS_BRIDGE_ACCOUNT")); v != "" {
		cfg.Account.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("LENS_BRIDGE_OWNER_KEY")); v != "" {
		cfg.Owner.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LENS_BRIDGE_OWNER_MNEMONIC")); v != "" {
		cfg.Owner.Mnemonic = v
	}
}

// Validate catches misconfiguration before any network work starts.
func Validate(cfg Config) error {
	if cfg.Relay.Transport == relay.TransportWebsocket && cfg.Relay.ProjectID == "" {
		return fmt.Errorf("relay.projectId is required for the %s transport", relay.TransportWebsocket)
	}
	if cfg.Account.Address == "" {
		return fmt.Errorf("account.address is required")
	}
	if cfg.Owner.PrivateKey == "" && cfg.Owner.Mnemonic == "" {
		return fmt.Errorf("owner key material is required (owner.privateKey or owner.mnemonic)")
	}
	return nil
}
