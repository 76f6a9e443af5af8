package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/auth"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/config"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/history"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/job"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/journal"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/livechannel"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/logging"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/realtime"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/server"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/tracker"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "presence-tracker",
		Short: "Live worker presence tracker",
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
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", nil, "Dashboard origins allowed by CORS (default any)")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("upstream-url", "", "Base URL of the operations REST API")
	flags.String("live-url", "", "WebSocket URL of the live location channel")
	flags.Duration("stale-threshold", defaults.GetDuration("presence.stale_threshold"), "Age after which a silent worker is inactive")
	flags.Duration("cleanup-interval", defaults.GetDuration("presence.cleanup_interval"), "Interval of the staleness pass")
	flags.String("journal-path", defaults.GetString("journal.path"), "SQLite path of the connectivity journal")
	flags.String("service-signing-secret", "", "Secret for upstream service tokens (overrides env)")
	flags.String("session-signing-secret", "", "Secret for dashboard sessions (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "upstream.base_url", "upstream-url")
	bindFlag(cmd, "live.url", "live-url")
	bindFlag(cmd, "presence.stale_threshold", "stale-threshold")
	bindFlag(cmd, "presence.cleanup_interval", "cleanup-interval")
	bindFlag(cmd, "journal.path", "journal-path")
	bindFlag(cmd, "auth.service_signing_secret", "service-signing-secret")
	bindFlag(cmd, "auth.session_signing_secret", "session-signing-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	instruments := metrics.New(registry)

	db, err := journal.OpenSQLite(appConfig.JournalPath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	connectivity, err := journal.New(journal.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{
		OnDrop: func(event realtime.Event) {
			instruments.ObserveDroppedEvent(string(event.Topic))
		},
	})
	signals := tracker.NewSignals(dispatcher, instruments)

	var (
		tokens upstream.TokenSource
		header livechannel.HeaderFunc
	)
	if appConfig.ServiceAuthEnabled() {
		issuer, err := auth.NewServiceTokenIssuer(auth.ServiceTokenConfig{
			SigningSecret: []byte(appConfig.ServiceSigningSecret),
			Issuer:        appConfig.ServiceIssuer,
			Audience:      appConfig.ServiceAudience,
			Subject:       appConfig.ServiceSubject,
			TokenTTL:      appConfig.ServiceTokenTTL,
		})
		if err != nil {
			return err
		}
		tokens = issuer
		header = issuer.AuthorizationHeader
	}

	client, err := upstream.NewClient(upstream.ClientConfig{
		BaseURL:      appConfig.UpstreamBaseURL,
		WorkersPath:  appConfig.UpstreamWorkersPath,
		ProjectsPath: appConfig.UpstreamProjectsPath,
		HistoryPath:  appConfig.UpstreamHistoryPath,
		Timeout:      appConfig.UpstreamTimeout,
		Tokens:       tokens,
		Logger:       logger,
		Metrics:      instruments,
	})
	if err != nil {
		return err
	}

	store := presence.NewStore(presence.StoreConfig{
		StaleThreshold: appConfig.StaleThreshold,
		Logger:         logger,
		OnChange:       signals.StoreChanged,
	})

	channel, err := livechannel.New(livechannel.Config{
		URL:              appConfig.LiveURL,
		Header:           header,
		Sink:             store,
		Clock:            quartz.NewReal(),
		Logger:           logger,
		Metrics:          instruments,
		InitialBackoff:   appConfig.LiveInitialBackoff,
		MaxBackoff:       appConfig.LiveMaxBackoff,
		HandshakeTimeout: appConfig.LiveHandshakeTimeout,
		PingInterval:     appConfig.LivePingInterval,
		OnStatus:         signals.ConnectionChanged,
		OnMalformed:      signals.MessageDropped,
	})
	if err != nil {
		return err
	}

	fetcher, err := history.NewFetcher(history.Config{
		Source:   client,
		Timeout:  appConfig.HistoryTimeout,
		Logger:   logger,
		OnResult: signals.HistoryChanged,
	})
	if err != nil {
		return err
	}

	session, err := tracker.New(tracker.Config{
		Store:      store,
		Channel:    channel,
		History:    fetcher,
		Snapshots:  client,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	cleanup, err := job.NewCleanupJob(job.CleanupConfig{
		Store:     store,
		Journal:   connectivity,
		Retention: appConfig.JournalRetention,
		Logger:    logger,
		Metrics:   instruments,
	})
	if err != nil {
		return err
	}
	scheduler, err := job.NewScheduler(cleanup, appConfig.CleanupInterval, logger)
	if err != nil {
		return err
	}

	var sessionValidator server.SessionAuthenticator
	if appConfig.SessionAuthEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        appConfig.SessionIssuer,
			CookieName:    appConfig.SessionCookieName,
		})
		if err != nil {
			return err
		}
		sessionValidator = validator
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tracker:           session,
		Journal:           connectivity,
		Events:            dispatcher,
		SessionValidator:  sessionValidator,
		Gatherer:          registry,
		Metrics:           instruments,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journalEvents, unsubscribe := dispatcher.Subscribe(signalCtx, realtime.TopicConnection)
	defer unsubscribe()
	go connectivity.Consume(signalCtx, journalEvents)

	session.Start(signalCtx)
	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown incomplete", zap.Error(err))
	}
	session.Stop()
	return serveErr
}
