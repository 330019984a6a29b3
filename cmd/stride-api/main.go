package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/activities"
	"github.com/MarcoPoloResearchLab/stride/internal/athletes"
	"github.com/MarcoPoloResearchLab/stride/internal/auth"
	"github.com/MarcoPoloResearchLab/stride/internal/config"
	"github.com/MarcoPoloResearchLab/stride/internal/database"
	"github.com/MarcoPoloResearchLab/stride/internal/garmin"
	"github.com/MarcoPoloResearchLab/stride/internal/integrations"
	"github.com/MarcoPoloResearchLab/stride/internal/logging"
	"github.com/MarcoPoloResearchLab/stride/internal/oauth"
	"github.com/MarcoPoloResearchLab/stride/internal/server"
	"github.com/MarcoPoloResearchLab/stride/internal/webhooks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stride-api",
		Short: "Stride Garmin integration backend",
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
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("tauth-signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("garmin-client-id", "", "Garmin OAuth client ID")
	cmd.PersistentFlags().String("garmin-redirect-uri", "", "Garmin OAuth redirect URI")
	cmd.PersistentFlags().Int("webhook-workers", defaults.GetInt("webhooks.workers"), "Webhook processing workers")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "tauth-signing-secret")
	bindFlag(cmd, "garmin.client_id", "garmin-client-id")
	bindFlag(cmd, "garmin.redirect_uri", "garmin-redirect-uri")
	bindFlag(cmd, "webhooks.workers", "webhook-workers")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
		ClockSkew:     appConfig.TAuthClockSkew,
	})
	if err != nil {
		return err
	}

	athleteService, err := athletes.NewService(athletes.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("athletes"),
	})
	if err != nil {
		return err
	}

	tokenClient, err := oauth.NewClient(oauth.ClientConfig{
		ClientID:     appConfig.Garmin.ClientID,
		ClientSecret: appConfig.Garmin.ClientSecret,
		RedirectURI:  appConfig.Garmin.RedirectURI,
		AuthorizeURL: appConfig.Garmin.AuthorizeURL,
		TokenURL:     appConfig.Garmin.TokenURL,
		Timeout:      appConfig.Garmin.TokenTimeout,
		Logger:       logger.Named("oauth"),
	})
	if err != nil {
		return err
	}
	authorizer := oauth.NewAuthorizer(tokenClient, oauth.NewMemoryStateStore(appConfig.OAuthStateTTL, time.Now))

	apiClient, err := garmin.NewClient(garmin.ClientConfig{
		BaseURL:           appConfig.Garmin.APIBaseURL,
		RequestsPerSecond: appConfig.Garmin.APIRequestsPerSecond,
		Timeout:           appConfig.Garmin.TokenTimeout,
		Logger:            logger.Named("garmin"),
	})
	if err != nil {
		return err
	}

	integrationStore, err := integrations.NewGormStore(db)
	if err != nil {
		return err
	}
	integrationService, err := integrations.NewService(integrations.ServiceConfig{
		Store:     integrationStore,
		Exchanger: tokenClient,
		Account:   apiClient,
		Logger:    logger.Named("integrations"),
		Clock:     time.Now,
	})
	if err != nil {
		return err
	}

	activityStore, err := activities.NewGormStore(db, activities.NewUUIDProvider(), time.Now)
	if err != nil {
		return err
	}
	activityService, err := activities.NewService(activityStore, logger.Named("activities"))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	webhookMetrics, err := webhooks.NewMetrics(registry)
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	processor, err := webhooks.NewProcessor(webhooks.ProcessorConfig{
		Ingestor:     activityService,
		Integrations: integrationService,
		Notifier:     realtime,
		Metrics:      webhookMetrics,
		Logger:       logger.Named("webhooks"),
		Clock:        time.Now,
	})
	if err != nil {
		return err
	}
	dispatcher, err := webhooks.NewDispatcher(webhooks.DispatcherConfig{
		Processor: processor,
		Workers:   appConfig.WebhookWorkers,
		QueueSize: appConfig.WebhookQueueSize,
		Metrics:   webhookMetrics,
		Logger:    logger.Named("webhooks"),
		Clock:     time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Athletes:         athleteService,
		Authorizer:       authorizer,
		Integrations:     integrationService,
		Activities:       activityService,
		Webhooks:         dispatcher,
		Realtime:         realtime,
		MetricsGatherer:  registry,
		AllowedOrigins:   appConfig.CORSAllowedOrigins,
		Logger:           logger,
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

	dispatcher.Start(signalCtx)

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
		serverErr := httpServer.Shutdown(shutdownCtx)
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn("webhook dispatcher did not drain", zap.Error(err))
		}
		return serverErr
	case err := <-errCh:
		return err
	}
}
