package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backends accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home          string        `mapstructure:"home"`      // state directory, e.g. $HOME/.omemo
	JID           string        `mapstructure:"jid"`       // local account
	RelayURL      string        `mapstructure:"relay_url"` // relay base URL, e.g. http://127.0.0.1:8080
	Backend       string        `mapstructure:"backend"`   // memory, file or sqlite
	PreKeyPool    int           `mapstructure:"prekey_pool"`
	DeviceTimeout time.Duration `mapstructure:"device_timeout"`
	MaxFanOut     int           `mapstructure:"max_fanout"`
	LogLevel      string        `mapstructure:"log_level"`
}

// LoadConfig reads configuration from defaults, the TOML config file, the
// environment (prefix OMEMO_) and flags, later sources winning. flags may be
// nil; only flags that were set override.
func LoadConfig(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	home := os.Getenv("HOME")
	v.SetDefault("home", filepath.Join(home, ".omemo"))
	v.SetDefault("jid", "")
	v.SetDefault("relay_url", "http://127.0.0.1:8080")
	v.SetDefault("backend", BackendSQLite)
	v.SetDefault("prekey_pool", 100)
	v.SetDefault("device_timeout", 10*time.Second)
	v.SetDefault("max_fanout", 0)
	v.SetDefault("log_level", "info")

	v.SetConfigType("toml")
	if path := os.Getenv("OMEMO_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(home, ".omemo"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("OMEMO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if !errors.As(err, &missing) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed && bindErr == nil {
				bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendMemory, BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.PreKeyPool <= 0 {
		return fmt.Errorf("prekey_pool must be positive, got %d", c.PreKeyPool)
	}
	return nil
}
