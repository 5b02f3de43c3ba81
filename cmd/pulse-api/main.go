package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stridelab/pulse/internal/accounts"
	"github.com/stridelab/pulse/internal/activities"
	"github.com/stridelab/pulse/internal/auth"
	"github.com/stridelab/pulse/internal/config"
	"github.com/stridelab/pulse/internal/database"
	"github.com/stridelab/pulse/internal/logging"
	"github.com/stridelab/pulse/internal/server"
	"github.com/stridelab/pulse/internal/strava"
	syncpkg "github.com/stridelab/pulse/internal/sync"
	"github.com/stridelab/pulse/internal/tokens"
	"github.com/stridelab/pulse/internal/webhook"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse-api",
		Short: "Pulse activity mirror service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a session token for the given user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mintToken(cmd, args[0])
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(tokenCmd)

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("strava-client-id", defaults.GetString("strava.client_id"), "Strava OAuth client ID")
	cmd.PersistentFlags().String("strava-client-secret", "", "Strava OAuth client secret (overrides env)")
	cmd.PersistentFlags().String("webhook-verify-token", "", "Webhook subscription verify token (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "strava.client_id", "strava-client-id")
	bindFlag(cmd, "strava.client_secret", "strava-client-secret")
	bindFlag(cmd, "strava.webhook_verify_token", "webhook-verify-token")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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

func mintToken(cmd *cobra.Command, userID string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	sessions := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
	})
	token, expiresIn, err := sessions.IssueToken(userID)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
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

	accountStore, err := accounts.NewStore(accounts.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	tokenManager, err := tokens.NewManager(tokens.ManagerConfig{
		Accounts:     accountStore,
		ClientID:     appConfig.StravaClientID,
		ClientSecret: appConfig.StravaClientSecret,
		TokenURL:     appConfig.StravaTokenURL,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	remoteClient := strava.NewClient(strava.ClientConfig{
		BaseURL: appConfig.StravaAPIBaseURL,
	})

	activityService, err := activities.NewService(activities.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	syncService, err := syncpkg.NewService(syncpkg.ServiceConfig{
		Database:   db,
		Activities: activityService,
		Tokens:     tokenManager,
		Client:     remoteClient,
		PageDelay:  appConfig.SyncPageDelay,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	events := server.NewSyncEventDispatcher()

	reconciler, err := webhook.NewReconciler(webhook.ReconcilerConfig{
		Secret:      []byte(appConfig.StravaClientSecret),
		VerifyToken: appConfig.WebhookVerifyToken,
		Accounts:    accountStore,
		Activities:  activityService,
		Syncer:      syncService,
		Notifier:    events,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	sessions := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   sessions,
		Sync:       syncService,
		Reconciler: reconciler,
		Events:     events,
		Logger:     logger,
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
