// Package config parses process configuration from environment
// variables into a typed struct, failing fast with a descriptive error
// on a missing required field.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "bchwatch"

// Config is the full set of knobs the process root needs to wire
// C1-C5. Field tags follow envconfig's BCHWATCH_<NAME> convention.
type Config struct {
	DBDSN                string        `envconfig:"db_dsn" required:"true"`
	ChangeChannel        string        `envconfig:"change_channel" default:"bch_table_changes"`
	ElectrumAddress      string        `envconfig:"electrum_address" required:"true"`
	ElectrumTransport    string        `envconfig:"electrum_transport" default:"tls"`
	ElectrumTLSInsecure  bool          `envconfig:"electrum_tls_insecure" default:"true"`
	PriceRefreshInterval time.Duration `envconfig:"price_refresh_interval" default:"10m"`
	SyncInterval         time.Duration `envconfig:"sync_interval" default:"2s"`
	WatchdogInterval     time.Duration `envconfig:"watchdog_interval" default:"15s"`
	RequestTimeout       time.Duration `envconfig:"request_timeout" default:"30s"`
}

// Load reads Config from the environment, returning a descriptive
// error if a required field is missing or a value fails to parse.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Validate rejects combinations envconfig's tags cannot express.
func (c Config) Validate() error {
	switch c.ElectrumTransport {
	case "tcp", "tls":
	default:
		return fmt.Errorf("electrum_transport must be \"tcp\" or \"tls\", got %q", c.ElectrumTransport)
	}
	if c.PriceRefreshInterval <= 0 {
		return fmt.Errorf("price_refresh_interval must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog_interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}
