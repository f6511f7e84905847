package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon configuration. Domain name and version pin the
// signing domain; the line name scopes which providers may offer bids.
// RPCRateLimit is requests per second across all callers; a negative value
// disables the limit.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	RPCRateLimit   int    `toml:"RPCRateLimit"`
	GatewayAddress string `toml:"GatewayAddress"`
	DataDir        string `toml:"DataDir"`
	ChainID        uint64 `toml:"ChainID"`
	DomainName     string `toml:"DomainName"`
	DomainVersion  string `toml:"DomainVersion"`
	Line           string `toml:"Line"`
	FeeBps         uint32 `toml:"FeeBps"`
	Treasury       string `toml:"Treasury"`
	Deployer       string `toml:"Deployer"`
	JWTSecret      string `toml:"JWTSecret"`
	LogPath        string `toml:"LogPath"`
	Environment    string `toml:"Environment"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	// The written file has no Deployer yet, so the daemon cannot start
	// from it as-is.
	return nil, fmt.Errorf("config: wrote default config to %s; Deployer required before the daemon can start", path)
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if cfg.RPCRateLimit == 0 {
		cfg.RPCRateLimit = 100
	}
	if strings.TrimSpace(cfg.GatewayAddress) == "" {
		cfg.GatewayAddress = "127.0.0.1:8646"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 7357
	}
	if strings.TrimSpace(cfg.DomainName) == "" {
		cfg.DomainName = "stays"
	}
	if strings.TrimSpace(cfg.DomainVersion) == "" {
		cfg.DomainVersion = "1"
	}
	if strings.TrimSpace(cfg.Line) == "" {
		cfg.Line = "stays"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
}

// Validate checks the loaded configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Deployer) == "" {
		return fmt.Errorf("config: Deployer required")
	}
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: FeeBps out of range: %d", c.FeeBps)
	}
	if c.FeeBps > 0 && strings.TrimSpace(c.Treasury) == "" {
		return fmt.Errorf("config: Treasury required when FeeBps is set")
	}
	return nil
}
