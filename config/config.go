package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon settings loaded from a TOML file.
type Config struct {
	RPCAddress      string `toml:"RPCAddress"`
	MetricsAddress  string `toml:"MetricsAddress"`
	DataDir         string `toml:"DataDir"`
	Environment     string `toml:"Environment"`
	DeployerAddress string `toml:"DeployerAddress"`
}

const defaultConfig = `RPCAddress = ":8645"
MetricsAddress = ":9465"
DataDir = "./tradeline-data"
Environment = "local"
DeployerAddress = ""
`

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown keys: %v", path, undecoded)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a running daemon cannot do without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if addr := strings.TrimSpace(c.DeployerAddress); addr != "" {
		trimmed := strings.TrimPrefix(strings.ToLower(addr), "0x")
		if len(trimmed) != 40 {
			return fmt.Errorf("config: DeployerAddress must be a 20-byte hex address")
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9465"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./tradeline-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
}

func createDefault(path string) (*Config, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if _, err := toml.Decode(defaultConfig, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}
