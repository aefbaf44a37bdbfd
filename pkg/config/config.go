package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/edgeflare/logsync/pkg/watermark"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/logsync/pkg/config.Version=..."
var Version = "dev"

// EnvPrefix prefixes every environment variable read by Load, e.g. LOGSYNC_SYNC_INTERVAL.
const EnvPrefix = "LOGSYNC"

// Config holds application-wide configuration
type Config struct {
	Sync      replication.Options      `mapstructure:"sync"`
	Watermark watermark.Config         `mapstructure:"watermark"`
	Sink      replication.SinkConfig   `mapstructure:"sink"`
	Sources   []replication.Descriptor `mapstructure:"sources"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`

	// File is the config file that was read, empty when none was found
	File string `mapstructure:"-"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	d := replication.DefaultOptions()
	v.SetDefault("sync.interval", d.Interval)
	v.SetDefault("sync.timeout", d.Timeout)
	v.SetDefault("sync.maxDocs", d.MaxDocs)
	v.SetDefault("sync.maxBytes", d.MaxBytes)
	v.SetDefault("sync.checkpoint", string(d.Checkpoint))
	v.SetDefault("sync.retry.maxRetries", d.Retry.MaxRetries)
	v.SetDefault("sync.retry.initialWait", d.Retry.InitialWait)
	v.SetDefault("sync.retry.maxWait", d.Retry.MaxWait)

	v.SetDefault("watermark.driver", watermark.DriverFile)
	v.SetDefault("watermark.dir", "./state")
	v.SetDefault("watermark.table", "logsync_watermarks")
	v.SetDefault("watermark.lookback", watermark.DefaultLookback)

	v.SetDefault("sink.connector", replication.ConnectorOpenSearch)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads config from file or environment. Without cfgFile, logsync.yaml is
// looked up in $HOME/.config and the working directory; a missing file is not
// an error. Environment variables override file values, with dots in keys
// replaced by underscores. The result is not validated, see Validate.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("logsync")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	return &cfg, nil
}

// Validate checks the settings that can be verified without connecting anywhere.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	for i, s := range c.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name is required", i))
		}
		if s.Connector == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: connector is required", i))
		}
	}
	if c.Sink.Connector == "" {
		errs = append(errs, errors.New("sink connector is required"))
	}
	if c.Sync.MaxDocs < 0 || c.Sync.MaxBytes < 0 {
		errs = append(errs, errors.New("sync.maxDocs and sync.maxBytes must not be negative"))
	}
	return errors.Join(errs...)
}

// Manager returns the replication settings of c.
func (c *Config) Manager() replication.ManagerConfig {
	return replication.ManagerConfig{
		Sync:    c.Sync,
		Sink:    c.Sink,
		Sources: c.Sources,
	}
}
