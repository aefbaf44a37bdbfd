package watermark

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Config selects and configures a Store.
type Config struct {
	Driver     string        `mapstructure:"driver"`
	Dir        string        `mapstructure:"dir"`
	ConnString string        `mapstructure:"connString"`
	Table      string        `mapstructure:"table"`
	Lookback   time.Duration `mapstructure:"lookback"`
}

// Open returns the Store selected by cfg.Driver. An empty driver selects the file store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []Option{WithLookback(cfg.Lookback)}

	switch cfg.Driver {
	case "", DriverFile:
		logger.Info("using file watermark store", zap.String("dir", cfg.Dir))
		return NewFileStore(cfg.Dir, logger, opts...)
	case DriverPostgres:
		if cfg.ConnString == "" {
			return nil, fmt.Errorf("watermark: connString is required for the %s driver", DriverPostgres)
		}
		logger.Info("using postgres watermark store", zap.String("table", cfg.Table))
		return NewPostgresStore(ctx, cfg.ConnString, cfg.Table, opts...)
	default:
		return nil, fmt.Errorf("watermark: unknown driver %q", cfg.Driver)
	}
}
