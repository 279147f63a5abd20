package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldops/internal/config"
	"github.com/MarcoPoloResearchLab/fieldops/internal/datasync"
	"github.com/MarcoPoloResearchLab/fieldops/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldops/internal/notifier"
	"github.com/MarcoPoloResearchLab/fieldops/internal/server"
	"github.com/MarcoPoloResearchLab/fieldops/internal/timestamps"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fieldops-console",
		Short: "Field operations console realtime sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSessionCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("realtime-base-url", defaults.GetString("realtime.base_url"), "Field service API base URL for the WebSocket")
	flags.String("realtime-endpoint", defaults.GetString("realtime.endpoint"), "WebSocket endpoint path")
	flags.Duration("credential-poll-interval", defaults.GetDuration("realtime.credential_poll_interval"), "Credential reconciliation interval")
	flags.String("session-backend", defaults.GetString("session.backend"), "Session credential store (database, file, keyring)")
	flags.String("session-database-path", defaults.GetString("session.database_path"), "SQLite database path for the database session backend")
	flags.String("session-file-path", defaults.GetString("session.file_path"), "Session file path for the file session backend")
	flags.String("signing-secret", "", "Session token signing secret (overrides env)")
	flags.String("timezone", defaults.GetString("timestamps.location"), "Display time zone for formatted timestamps")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "realtime.base_url", "realtime-base-url")
	bindFlag(cmd, "realtime.endpoint", "realtime-endpoint")
	bindFlag(cmd, "realtime.credential_poll_interval", "credential-poll-interval")
	bindFlag(cmd, "session.backend", "session-backend")
	bindFlag(cmd, "session.database_path", "session-database-path")
	bindFlag(cmd, "session.file_path", "session-file-path")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "timestamps.location", "timezone")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("fieldops")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	location, err := appConfig.Location()
	if err != nil {
		return err
	}

	store, closeStore, err := openSessionStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	inspector := auth.NewCredentialInspector(auth.CredentialInspectorConfig{
		SigningSecret: []byte(appConfig.Session.SigningSecret),
	})

	hub := datasync.NewHub()
	notifications := notifier.NewLog(notifier.LogConfig{
		MaxEntries:      appConfig.Notifications.MaxEntries,
		DuplicateWindow: appConfig.Notifications.DuplicateWindow,
	})
	realtime, err := notifier.New(notifier.Config{
		BaseURL:     appConfig.Realtime.BaseURL,
		Endpoint:    appConfig.Realtime.Endpoint,
		Store:       store,
		Credentials: inspector,
		Hub:         hub,
		Log:         notifications,
		Dialer: notifier.NewWebSocketDialer(notifier.WebSocketDialerConfig{
			HandshakeTimeout: appConfig.Realtime.HandshakeTimeout,
			MaxAttempts:      appConfig.Realtime.MaxDialAttempts,
			Backoff:          appConfig.Realtime.DialBackoff,
			Logger:           logger,
		}),
		Debounce:         appConfig.Realtime.Debounce,
		PollInterval:     appConfig.Realtime.CredentialPollInterval,
		PingInterval:     appConfig.Realtime.PingInterval,
		MaxReconnects:    appConfig.Realtime.MaxReconnects,
		ReconnectBackoff: appConfig.Realtime.ReconnectBackoff,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:            hub,
		Realtime:       realtime,
		Notifications:  notifications,
		Sessions:       store,
		Credentials:    inspector,
		Formatter:      timestamps.NewFormatter(timestamps.FormatterConfig{Location: location}),
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		if err := realtime.Start(groupCtx); err != nil {
			return err
		}
		<-groupCtx.Done()
		realtime.Stop()
		logger.Info("realtime notifier stopped")
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
