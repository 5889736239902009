package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gridbase/metasync/internal/auth"
	"github.com/gridbase/metasync/internal/backplane"
	"github.com/gridbase/metasync/internal/config"
	"github.com/gridbase/metasync/internal/database"
	"github.com/gridbase/metasync/internal/logging"
	"github.com/gridbase/metasync/internal/meta"
	"github.com/gridbase/metasync/internal/realtime"
	"github.com/gridbase/metasync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "metasync-api",
		Short: "Metasync metadata replication server",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer signing secret (overrides env)")
	cmd.PersistentFlags().Int64("node-id", defaults.GetInt64("node.id"), "Unique node id for event id generation")
	cmd.PersistentFlags().String("backplane-listen-url", defaults.GetString("backplane.listen_url"), "Backplane pub socket bind URL (empty disables the backplane)")
	cmd.PersistentFlags().StringSlice("backplane-peer-urls", defaults.GetStringSlice("backplane.peer_urls"), "Peer backplane pub URLs to dial")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "node.id", "node-id")
	bindFlag(cmd, "backplane.listen_url", "backplane-listen-url")
	bindFlag(cmd, "backplane.peer_urls", "backplane-peer-urls")
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

	node, err := snowflake.NewNode(appConfig.NodeID)
	if err != nil {
		return err
	}

	var bp backplane.Backplane
	if appConfig.BackplaneListenURL != "" {
		nanomsg, err := backplane.NewNanomsg(backplane.NanomsgConfig{
			ListenURL: appConfig.BackplaneListenURL,
			PeerURLs:  appConfig.BackplanePeerURLs,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer nanomsg.Close() //nolint:errcheck
		bp = nanomsg
		logger.Info("backplane enabled", zap.String("listen", appConfig.BackplaneListenURL))
	} else {
		bp = backplane.Unavailable()
		logger.Info("backplane disabled, direct delivery only")
	}

	hub := realtime.NewHub(bp, logger)
	broadcaster := realtime.NewEventBroadcaster(hub, bp, logger)

	metaService, err := meta.NewService(meta.ServiceConfig{
		Database:           db,
		Node:               node,
		Clock:              time.Now,
		BootstrapBatchSize: appConfig.BootstrapBatchSize,
		Broadcaster:        broadcaster,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "metasync-auth",
		Audience:      "metasync-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		MetaService:   metaService,
		Hub:           hub,
		SyncPageLimit: appConfig.SyncPageSize,
		Logger:        logger,
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
