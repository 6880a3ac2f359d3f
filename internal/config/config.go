package config

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

const (
	envPrefix = "POSGUARD"
	homeDir   = ".posguard"
)

var (
	configData Config
	v          *viper.Viper
	flags      = map[string]*pflag.Flag{}
)

// ErrInvalid is wrapped by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration settings.
type Config struct {
	Terminal struct {
		ID string `mapstructure:"id"`
		// TransportKey is the clear transport key in hex. Emulator only.
		TransportKey string `mapstructure:"transport_key"`
	} `mapstructure:"terminal"`
	Keys struct {
		Freshness       time.Duration `mapstructure:"freshness"`
		Source          string        `mapstructure:"source"`
		AnnounceTimeout time.Duration `mapstructure:"announce_timeout"`
	} `mapstructure:"keys"`
	Backend struct {
		Address  string        `mapstructure:"address"`
		PoolSize int           `mapstructure:"pool_size"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"backend"`
	Storage struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"storage"`
	Tamper struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"tamper"`
	Reversal struct {
		RatePerMinute int `mapstructure:"rate_per_minute"`
	} `mapstructure:"reversal"`
	HTTP struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"http"`
	Agent struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"agent"`
	HSM struct {
		Driver string `mapstructure:"driver"`
		PKCS11 struct {
			Lib         string `mapstructure:"lib"`
			Slot        uint   `mapstructure:"slot"`
			Pin         string `mapstructure:"pin"`
			LabelPrefix string `mapstructure:"label_prefix"`
		} `mapstructure:"pkcs11"`
	} `mapstructure:"hsm"`
	// Logging configuration
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Initialize sets up the configuration system. A non-empty cfgFile replaces
// the search path.
func Initialize(cfgFile string) error {
	v = viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")           // name of config file (without extension)
		v.SetConfigType("yaml")             // config file type
		v.AddConfigPath(".")                // optionally look for config in working directory
		v.AddConfigPath("$HOME/" + homeDir) // look for config in .posguard directory in home
		v.AddConfigPath("/etc/posguard/")   // path to look for the config file in
	}

	// Set default values
	setDefaults()

	// Environment variables
	v.SetEnvPrefix(envPrefix) // prefix for env vars
	v.AutomaticEnv()          // read in environment variables that match
	v.SetEnvKeyReplacer(      // replace dots with underscores in env vars
		strings.NewReplacer(".", "_"),
	)

	// Command line flags override everything else
	for key, flag := range flags {
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	if cfgFile == "" {
		// Create config file if it doesn't exist
		if err := ensureConfig(); err != nil {
			return fmt.Errorf("error creating config file: %w", err)
		}
	}

	// Read in config file
	if err := v.ReadInConfig(); err != nil {
		// It's okay if we can't find a config file, we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal config into struct
	if err := v.Unmarshal(&configData); err != nil {
		return fmt.Errorf("unable to decode into config struct: %w", err)
	}

	return configData.Validate()
}

// setDefaults sets default values for all configuration options.
func setDefaults() {
	v.SetDefault("terminal.id", "T0000001")
	v.SetDefault("terminal.transport_key", "0123456789ABCDEFFEDCBA9876543210")

	v.SetDefault("keys.freshness", "24h")
	v.SetDefault("keys.source", "fetch")
	v.SetDefault("keys.announce_timeout", "10s")

	v.SetDefault("backend.address", "localhost:1600")
	v.SetDefault("backend.pool_size", 2)
	v.SetDefault("backend.timeout", "10s")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", filepath.Join(os.Getenv("HOME"), homeDir, "data"))
	v.SetDefault("storage.dsn", "")

	v.SetDefault("tamper.interval", "5s")
	v.SetDefault("reversal.rate_per_minute", 30)
	v.SetDefault("http.address", "localhost:9180")
	v.SetDefault("agent.interval", "15m")

	v.SetDefault("hsm.driver", "emulator")
	v.SetDefault("hsm.pkcs11.lib", "")
	v.SetDefault("hsm.pkcs11.slot", 0)
	v.SetDefault("hsm.pkcs11.pin", "")
	v.SetDefault("hsm.pkcs11.label_prefix", "posguard")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
}

// ensureConfig creates a default config file if none exists.
func ensureConfig() error {
	dir := filepath.Join(os.Getenv("HOME"), homeDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		defaultConfig := `# posguard configuration file
terminal:
  id: T0000001

keys:
  freshness: 24h
  source: fetch
  announce_timeout: 10s

backend:
  address: localhost:1600
  pool_size: 2

storage:
  driver: file

tamper:
  interval: 5s

http:
  address: localhost:9180

hsm:
  driver: emulator

log:
  level: info
  format: human
`
		if err := os.WriteFile(configFile, []byte(defaultConfig), 0o600); err != nil {
			return err
		}
	}

	return nil
}

// BindPFlag makes flag override key once Initialize runs. Unchanged flags do
// not shadow the file or environment.
func BindPFlag(key string, flag *pflag.Flag) {
	if flag != nil {
		flags[key] = flag
	}
}

// Validate checks enumerations and required settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Terminal.ID == "" {
		errs = append(errs, errors.New("terminal.id is required"))
	}
	switch c.Keys.Source {
	case "fetch", "generate":
	default:
		errs = append(errs, fmt.Errorf("keys.source %q must be fetch or generate", c.Keys.Source))
	}
	switch c.Storage.Driver {
	case "memory":
	case "file":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the file driver"))
		}
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be memory, file or postgres", c.Storage.Driver))
	}
	switch c.HSM.Driver {
	case "emulator", "pkcs11":
	default:
		errs = append(errs, fmt.Errorf("hsm.driver %q must be emulator or pkcs11", c.HSM.Driver))
	}
	if c.Agent.Interval <= 0 {
		errs = append(errs, errors.New("agent.interval must be positive"))
	}
	if c.Keys.AnnounceTimeout <= 0 {
		errs = append(errs, errors.New("keys.announce_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// Get returns the current configuration.
func Get() *Config {
	return &configData
}

// GetViper returns the viper instance.
func GetViper() *viper.Viper {
	return v
}
