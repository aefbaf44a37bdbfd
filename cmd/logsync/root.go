package logsync

import (
	"fmt"
	"os"

	"github.com/edgeflare/logsync/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	cfg       *config.Config
	logger    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "logsync",
	Short: "logsync replicates append-only logs into a search index",
	Long: `logsync polls log sources (ClickHouse, Kafka, PostgreSQL, NATS JetStream)
for records newer than a persisted watermark and bulk-indexes them into OpenSearch.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if logger, err = newLogger(logLevel, logFormat); err != nil {
			return err
		}
		if cfg, err = config.Load(cfgFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if cfg.File != "" {
			logger.Info("using config file", zap.String("file", cfg.File))
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func Main() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/logsync.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log encoding (json, console)")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(runCmd, onceCmd, watermarkCmd, connectorsCmd)
}

// newLogger builds a production zap logger at the given level.
func newLogger(level, format string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch format {
	case "json":
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return zc.Build(zap.Fields(zap.String("version", config.Version)))
}
