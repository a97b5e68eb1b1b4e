package cmd

import (
	"context"
	"fmt"
	"time"

	"fleetforge/internal/config"
	"fleetforge/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pruneOlderThanDays int

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired metric samples",
	Long: `Delete raw metric samples older than the retention horizon from the
durable store. The running server does this on its own cadence; this
command exists for manual cleanup and migrations.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		days := pruneOlderThanDays
		if days <= 0 {
			days = cfg.Telemetry.RetentionDays
		}
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

		st, err := openStore(cfg)
		if err != nil {
			logging.Logger().Fatal("Failed to open store", zap.Error(err))
		}
		defer st.Close()

		removed, err := st.PruneMetricSamples(context.Background(), cutoff)
		if err != nil {
			logging.Logger().Fatal("Prune failed", zap.Error(err))
		}

		logging.Logger().Info("Prune completed",
			zap.Int64("rows", removed),
			zap.Time("cutoff", cutoff))
		fmt.Printf("Removed %d metric samples older than %s\n", removed, cutoff.Format(time.RFC3339))
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().IntVar(&pruneOlderThanDays, "older-than-days", 0, "Retention horizon in days (default: config retention_days)")
}
