package logsync

import (
	"fmt"
	"time"

	"github.com/edgeflare/logsync/pkg/watermark"
	"github.com/spf13/cobra"
)

var watermarkCmd = &cobra.Command{
	Use:     "watermark",
	Aliases: []string{"wm"},
	Short:   "Inspect or reset source watermarks",
}

var watermarkGetCmd = &cobra.Command{
	Use:   "get SOURCE",
	Short: "Print the watermark of a source",
	Long: `Print the watermark of a source. A source that was never synced reports the
default starting point (now minus the configured lookback).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := watermark.Open(cmd.Context(), cfg.Watermark, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		wm, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], wm.LastProcessed.Format(time.RFC3339Nano))
		return nil
	},
}

var watermarkSetCmd = &cobra.Command{
	Use:   "set SOURCE TIMESTAMP",
	Short: "Overwrite the watermark of a source",
	Long: `Overwrite the watermark of a source with an RFC3339 timestamp. The next cycle
fetches records strictly newer than it; moving it back re-delivers records.`,
	Example: "  logsync watermark set app_logs 2025-06-01T00:00:00Z",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := time.Parse(time.RFC3339Nano, args[1])
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", args[1], err)
		}
		store, err := watermark.Open(cmd.Context(), cfg.Watermark, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		w := watermark.Watermark{SourceID: args[0], LastProcessed: ts.UTC()}
		if err := store.Save(cmd.Context(), w); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", w.SourceID, w.LastProcessed.Format(time.RFC3339Nano))
		return nil
	},
}

func init() {
	watermarkCmd.AddCommand(watermarkGetCmd, watermarkSetCmd)
}
