package cmd

import (
	"time"

	"fleetforge/internal/bus"
	"fleetforge/internal/config"
	"fleetforge/internal/control"
	"fleetforge/internal/deploy"
	"fleetforge/internal/dispatch"
	"fleetforge/internal/logging"
	"fleetforge/internal/provisioning"
	"fleetforge/internal/registry"
	"fleetforge/internal/server"
	"fleetforge/internal/ssh"
	"fleetforge/internal/state"
	"fleetforge/internal/store"
	"fleetforge/internal/telemetry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Backup records expire alongside their pruned metric history
const backupTTL = 7 * 24 * time.Hour

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the FleetForge control plane",
	Long:  `Start the FleetForge HTTP server. All settings are read from the config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		logging.Logger().Info("Starting FleetForge server")

		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		logging.Logger().Info("Configuration loaded",
			zap.Int("port", cfg.Server.Port),
			zap.Strings("etcd_endpoints", cfg.Etcd.Endpoints),
			zap.Bool("durable_store", cfg.Database.DSN != ""),
		)

		st, err := openStore(cfg)
		if err != nil {
			logging.Logger().Fatal("Failed to open store", zap.Error(err))
		}
		defer st.Close()

		sm := state.NewManager(cfg.Etcd.Endpoints)
		defer sm.Close()

		keys := ssh.NewKeyProvider(cfg.Etcd.Endpoints)
		defer keys.Close()

		b := bus.New(cfg.Bus.SubscriberBuffer)
		defer b.Close()

		reg := registry.New(st, sm, b, cfg.Dispatch.MaxConcurrent, backupTTL)
		orch := deploy.New(
			st, reg, b,
			provisioning.NewFactory(cfg.Providers),
			control.NewController,
			keys,
			cfg.Providers.Defaults,
			cfg.SSH,
			cfg.Deploy.MaxConcurrent,
		)
		disp := dispatch.New(st, keys, control.NewController, cfg.SSH, cfg.Dispatch)

		pipeline := telemetry.New(st, b, cfg.Telemetry)
		pipeline.Start()
		defer pipeline.Stop()

		srv := server.New(cfg.Server, st, sm, reg, orch, disp, pipeline, b)
		if err := srv.Run(); err != nil {
			logging.Logger().Fatal("Server failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// openStore selects the durable store: MySQL when a DSN is configured,
// in-memory otherwise
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.DSN == "" {
		logging.Logger().Warn("No database DSN configured, using in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewMysql(cfg.Database.DSN)
}
