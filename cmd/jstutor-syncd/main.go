package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shaneosullivan/jstutor-sync/internal/accounts"
	"github.com/shaneosullivan/jstutor-sync/internal/auth"
	"github.com/shaneosullivan/jstutor-sync/internal/config"
	"github.com/shaneosullivan/jstutor-sync/internal/database"
	"github.com/shaneosullivan/jstutor-sync/internal/ids"
	"github.com/shaneosullivan/jstutor-sync/internal/ledger"
	"github.com/shaneosullivan/jstutor-sync/internal/logging"
	"github.com/shaneosullivan/jstutor-sync/internal/profiles"
	"github.com/shaneosullivan/jstutor-sync/internal/progress"
	"github.com/shaneosullivan/jstutor-sync/internal/server"
	"github.com/shaneosullivan/jstutor-sync/internal/snapshot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	// optional .env for local development
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "jstutor-syncd",
		Short: "JsTutor sync backend service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session JWT signing secret (overrides env)")
	cmd.PersistentFlags().String("cors-origins", defaults.GetString("http.cors_origins"), "Comma-separated CORS origins")
	cmd.PersistentFlags().Int("shutdown-grace-s", defaults.GetInt("http.shutdown_grace_s"), "Graceful shutdown drain in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "http.cors_origins", "cors-origins")
	bindFlag(cmd, "http.shutdown_grace_s", "shutdown-grace-s")
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

	metrics := server.NewMetrics()

	accountsService, err := accounts.NewService(accounts.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	progressService, err := progress.NewService(progress.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	profilesService, err := profiles.NewService(profiles.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		IDs:      ids.NewUUIDProvider(),
		Progress: progressService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	snapshotService, err := snapshot.NewService(snapshot.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:       db,
		Clock:          time.Now,
		Logger:         logger,
		Appends:        metrics.LedgerAppends,
		AppendFailures: metrics.LedgerAppendFailures,
	})
	if err != nil {
		return err
	}

	var sessionValidator *auth.SessionValidator
	if appConfig.SessionSigningKey != "" {
		sessionValidator, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningKey),
			CookieName:    appConfig.SessionCookieName,
		})
		if err != nil {
			return err
		}
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:    accountsService,
		Profiles:    profilesService,
		Progress:    progressService,
		Snapshots:   snapshotService,
		Ledger:      ledgerService,
		Sessions:    sessionValidator,
		Metrics:     metrics,
		Logger:      logger,
		CORSOrigins: appConfig.CORSOrigins,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
