package config

import (
	"fmt"

	"nhbmarket/native/marketplace"
)

var validBackends = map[string]struct{}{
	"memory":  {},
	"leveldb": {},
	"bolt":    {},
}

// Validate enforces the invariants the daemon relies on at startup.
func (c *Config) Validate() error {
	if _, ok := validBackends[c.DBBackend]; !ok {
		return fmt.Errorf("DBBackend: unsupported backend %q", c.DBBackend)
	}
	if c.DBBackend != "memory" && c.DataDir == "" {
		return fmt.Errorf("DataDir: required for %s backend", c.DBBackend)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("RequestsPerSecond: must not be negative")
	}
	if c.RequestsPerSecond > 0 && c.RequestBurst <= 0 {
		return fmt.Errorf("RequestBurst: must be positive when rate limiting is enabled")
	}
	if _, err := c.RentDepositAmount(); err != nil {
		return fmt.Errorf("RentDeposit: %w", err)
	}
	if c.Marketplace.Name != "" {
		if _, err := marketplace.NormalizeName(c.Marketplace.Name); err != nil {
			return fmt.Errorf("Marketplace.Name: %w", err)
		}
		if _, _, err := c.MarketplaceAdmin(); err != nil {
			return err
		}
	}
	return nil
}
