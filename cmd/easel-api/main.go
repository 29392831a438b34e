package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/easel-labs/easel/backend/internal/auth"
	"github.com/easel-labs/easel/backend/internal/config"
	"github.com/easel-labs/easel/backend/internal/database"
	"github.com/easel-labs/easel/backend/internal/identity"
	"github.com/easel-labs/easel/backend/internal/logging"
	"github.com/easel-labs/easel/backend/internal/realtime"
	"github.com/easel-labs/easel/backend/internal/server"
	"github.com/easel-labs/easel/backend/internal/snapshot"
	"github.com/easel-labs/easel/backend/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "easel-api",
		Short: "Easel collaborative canvas backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("snapshot-retain", defaults.GetInt("snapshot.retain"), "Snapshots retained per canvas")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("bootstrap-secret", "", "Credential bootstrap secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "snapshot.retain", "snapshot-retain")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.bootstrap_secret", "bootstrap-secret")
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

func runServer(ctx context.Context) error {
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	credentialVerifier, err := auth.NewBootstrapVerifier(appConfig.BootstrapSecret)
	if err != nil {
		return err
	}

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	snapshotService, err := snapshot.NewService(snapshot.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: workspace.NewUUIDProvider(),
		Logger:     logger,
		Retain:     appConfig.SnapshotRetain,
	})
	if err != nil {
		return err
	}

	workspaceService, err := workspace.NewService(workspace.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: workspace.NewUUIDProvider(),
		Snapshots:  snapshotService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := realtime.NewCoordinator(realtime.CoordinatorConfig{
		Gate:      workspaceService,
		Snapshots: snapshotService,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		CredentialVerifier: credentialVerifier,
		TokenManager:       tokenManager,
		Identities:         identityService,
		Workspaces:         workspaceService,
		Snapshots:          snapshotService,
		Coordinator:        coordinator,
		Logger:             logger,
		SendQueueSize:      appConfig.SendQueueSize,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
