package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"nhbmarket/crypto"
)

type Config struct {
	ListenAddress     string  `toml:"ListenAddress"`
	DataDir           string  `toml:"DataDir"`
	DBBackend         string  `toml:"DBBackend"`
	ActivityDSN       string  `toml:"ActivityDSN"`
	ExportDir         string  `toml:"ExportDir"`
	SeedFile          string  `toml:"SeedFile"`
	Environment       string  `toml:"Environment"`
	RentDeposit       string  `toml:"RentDeposit"`
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	RequestBurst      int     `toml:"RequestBurst"`

	Marketplace Marketplace `toml:"Marketplace"`
	Admin       Admin       `toml:"Admin"`
	Telemetry   Telemetry   `toml:"Telemetry"`
	Pauses      Pauses      `toml:"Pauses"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress:     ":8090",
		DataDir:           "./market-data",
		DBBackend:         "leveldb",
		ActivityDSN:       "activity.db",
		ExportDir:         "exports",
		Environment:       "dev",
		RentDeposit:       "0",
		RequestsPerSecond: 20,
		RequestBurst:      40,
		Admin: Admin{
			HMACSecretEnv: "MARKETD_ADMIN_SECRET",
			Issuer:        "nhbmarket",
			Audience:      "marketd-admin",
		},
	}
}

// Load loads the configuration from the given path, writing defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
	}
	cfg.DBBackend = strings.ToLower(strings.TrimSpace(cfg.DBBackend))
	cfg.Marketplace.Name = strings.TrimSpace(cfg.Marketplace.Name)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath anchors relative file settings under DataDir. DSNs with a
// scheme are returned untouched.
func (c *Config) ResolvePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") || strings.HasPrefix(p, "file:") {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// RentDepositAmount parses RentDeposit.
func (c *Config) RentDepositAmount() (*big.Int, error) {
	return parseUintAmount(c.RentDeposit)
}

// MarketplaceAdmin decodes the bootstrap admin address. ok is false when no
// bootstrap marketplace is configured.
func (c *Config) MarketplaceAdmin() (admin [20]byte, ok bool, err error) {
	if c.Marketplace.Name == "" {
		return admin, false, nil
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(c.Marketplace.Admin))
	if err != nil {
		return admin, false, fmt.Errorf("invalid Marketplace.Admin: %w", err)
	}
	return addr.Array(), true, nil
}

// AdminSecret returns the JWT signing secret, preferring the environment
// variable when it is set.
func (c *Config) AdminSecret() string {
	if env := strings.TrimSpace(c.Admin.HMACSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(c.Admin.HMACSecret)
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
