package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/caravelhq/caravel-sync/internal/agent"
	"github.com/caravelhq/caravel-sync/internal/batch"
	"github.com/caravelhq/caravel-sync/internal/cipher"
	"github.com/caravelhq/caravel-sync/internal/config"
	"github.com/caravelhq/caravel-sync/internal/database"
	"github.com/caravelhq/caravel-sync/internal/discovery"
	"github.com/caravelhq/caravel-sync/internal/logging"
	"github.com/caravelhq/caravel-sync/internal/p2p"
	"github.com/caravelhq/caravel-sync/internal/protocol"
	"github.com/caravelhq/caravel-sync/internal/relay"
	"github.com/caravelhq/caravel-sync/internal/storage"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "caravel-syncd",
		Short: "Caravel device sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Stable device identifier")
	cmd.PersistentFlags().String("device-name", defaults.GetString("device.name"), "Human-readable device name")
	cmd.PersistentFlags().Int("sync-port", defaults.GetInt("sync.port"), "P2P sync listen port")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("relay-url", defaults.GetString("relay.url"), "Relay server base URL (optional)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "sync.port", "sync-port")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "relay.url", "relay-url")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := storage.NewStore(db)
	if err != nil {
		return err
	}

	deviceID, err := agent.NewDeviceID(appConfig.DeviceID)
	if err != nil {
		return err
	}

	payloadCipher := cipher.New()
	syncAgent, err := agent.NewAgent(agent.AgentConfig{
		Store:      store,
		Cipher:     payloadCipher,
		Clock:      time.Now,
		IDProvider: agent.NewUUIDProvider(),
		Logger:     logger,
		DeviceID:   deviceID,
		DeviceName: appConfig.DeviceName,
		SyncPort:   appConfig.SyncPort,
	})
	if err != nil {
		return err
	}

	dispatcher := p2p.NewProgressDispatcher()
	syncProtocol, err := protocol.New(protocol.Config{
		Agent:     syncAgent,
		Batcher:   batch.New(0, 0),
		Publisher: dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := syncProtocol.RestorePairings(ctx); err != nil {
		return err
	}

	var relayClient *relay.Client
	if appConfig.RelayURL != "" {
		relayClient = relay.NewClient(appConfig.RelayURL)
	}

	discoveryService := discovery.New(logger)
	p2pSync, err := p2p.New(p2p.Config{
		Agent:       syncAgent,
		Protocol:    syncProtocol,
		Discovery:   discoveryService,
		Cipher:      payloadCipher,
		Batcher:     batch.New(0, 0),
		RelayClient: relayClient,
		Dispatcher:  dispatcher,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if err := discoveryService.Register(appConfig.DeviceID, appConfig.DeviceName, appConfig.SyncPort); err != nil {
		logger.Warn("mdns registration failed, peers must connect by address", zap.Error(err))
	} else {
		defer discoveryService.Close() //nolint:errcheck
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sync daemon starting",
		zap.String("device_id", appConfig.DeviceID),
		zap.Int("sync_port", appConfig.SyncPort))
	return p2pSync.StartServer(signalCtx, appConfig.SyncPort)
}
