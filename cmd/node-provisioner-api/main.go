package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apiserver "github.com/dcm-project/gpu-node-provisioner/internal/api_server"
	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/config"
	"github.com/dcm-project/gpu-node-provisioner/internal/events"
	v1 "github.com/dcm-project/gpu-node-provisioner/internal/handlers/v1"
	"github.com/dcm-project/gpu-node-provisioner/internal/monitor"
	"github.com/dcm-project/gpu-node-provisioner/internal/service"
	"github.com/dcm-project/gpu-node-provisioner/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "node-provisioner-api",
		Short: "GPU node provisioner API",
	}
	rootCmd.AddCommand(runCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogger(level string) func() {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	zap.ReplaceGlobals(logger)
	return func() { _ = logger.Sync() }
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the inventory tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		defer initLogger(cfg.Service.LogLevel)()

		db, err := store.InitDB(cfg.Database)
		if err != nil {
			return err
		}
		dataStore := store.NewStore(db)
		defer dataStore.Close()

		if err := dataStore.InitialMigration(cmd.Context()); err != nil {
			return err
		}
		zap.S().Info("Inventory migration complete")
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the provisioner api",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		defer initLogger(cfg.Service.LogLevel)()
		defer zap.S().Info("API service stopped")

		zap.S().Info("Starting API service...")
		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg.Database)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}
		dataStore := store.NewStore(db)
		defer dataStore.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		if err := dataStore.InitialMigration(ctx); err != nil {
			zap.S().Fatalw("migrating data store", "error", err)
		}

		clusterClient, err := cluster.NewClientFromConfig(cfg.Kubernetes)
		if err != nil {
			zap.S().Fatalw("creating cluster client", "error", err)
		}

		notifier, err := events.NewNotifier(cfg.Events)
		if err != nil {
			zap.S().Fatalw("creating event notifier", "error", err)
		}
		defer notifier.Close()

		servers := dataStore.Server()
		deployer := service.NewDeployer(clusterClient, servers, cfg.Verification)
		waiter := service.NewWaiter(clusterClient, service.NewEndpointResolver(cfg.Verification, clusterClient.Namespace()), cfg.Verification)
		orchestrator := service.NewOrchestrator(clusterClient, servers, service.NewLabeler(clusterClient), deployer, waiter, cfg.Verification)
		inventory := service.NewInventoryService(servers, deployer, notifier)

		nodeMonitor, err := monitor.NewMonitorService(clusterClient.InformerFactory(cfg.Kubernetes.ResyncPeriod), inventory)
		if err != nil {
			zap.S().Fatalw("creating node monitor", "error", err)
		}
		go func() {
			if err := nodeMonitor.Run(ctx); err != nil {
				zap.S().Errorw("Node monitor stopped", "error", err)
			}
		}()

		serverDone := make(chan struct{})
		go func() {
			defer close(serverDone)
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.New(cfg, listener, v1.NewServerHandler(orchestrator, inventory))
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("Error running server", "error", err)
			}
		}()

		<-ctx.Done()
		<-serverDone

		zap.S().Infow("Waiting for provisioning runs to finish", "timeout", cfg.Service.DrainTimeout)
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Service.DrainTimeout)
		defer cancelDrain()
		if err := orchestrator.Shutdown(drainCtx); err != nil {
			zap.S().Warnw("Provisioning runs were aborted and rolled back", "error", err)
		}
		return nil
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
