package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/config"
	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/infrastructure"
	"github.com/rkromero/PlataformaChatIA/internal/interfaces"
	httpapi "github.com/rkromero/PlataformaChatIA/internal/interfaces/http"
	"github.com/rkromero/PlataformaChatIA/internal/repository"
	"github.com/rkromero/PlataformaChatIA/internal/resilience"
	"github.com/rkromero/PlataformaChatIA/internal/usecases"
)

// dedupeWindow is how long provider message ids are remembered.
const dedupeWindow = 10 * time.Minute

var (
	servePort    int
	serveMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and messaging sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServer(ctx context.Context) error {
	shutdownTracing, err := infrastructure.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}

	if serveMigrate {
		if err := infrastructure.MigrateUp(cfg.Database.URL); err != nil {
			return err
		}
	}

	pg, err := infrastructure.NewPostgresClient(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pg.Close()

	tenantRepo := repository.NewTenantRepository(pg.Pool)
	usageRepo := repository.NewUsageRepository(pg.Pool)
	knowledgeRepo := repository.NewKnowledgeRepository(pg.Pool)
	linkRepo := repository.NewConversationLinkRepository(pg.Pool)

	pool := infrastructure.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueSize,
		time.Duration(cfg.Workers.JobTimeoutSecs)*time.Second)
	tracker := infrastructure.NewSessionManager(dedupeWindow)
	defer tracker.Stop()
	throttle := infrastructure.NewMessageRateLimiter(cfg.Delivery.RatePerSec, cfg.Delivery.Burst)
	defer throttle.Stop()
	internalLimiter := infrastructure.NewMessageRateLimiter(cfg.Server.InternalRatePerSec, cfg.Server.InternalBurst)
	defer internalLimiter.Stop()

	deliveryRetry := deliveryRetryConfig(cfg.Delivery)

	crm, err := buildCRM(cfg, deliveryRetry)
	if err != nil {
		return err
	}

	var notifier interfaces.UsageNotifier
	if cfg.ControlPlane.URL != "" && cfg.ControlPlane.InternalSecret != "" {
		notifier = infrastructure.NewControlPlaneNotifier(cfg.ControlPlane.URL, cfg.ControlPlane.InternalSecret)
	} else {
		zap.L().Warn("control plane not configured, usage notifications disabled")
	}

	openaiClient := infrastructure.NewOpenAIClient(cfg.OpenAI)

	service := usecases.NewMessageService(usecases.MessageServiceDeps{
		Resolver:  usecases.NewTenantResolver(tenantRepo),
		Usage:     usecases.NewUsageMeter(usageRepo, notifier, pool),
		Knowledge: usecases.NewKnowledgeRetriever(knowledgeRepo),
		Media:     usecases.NewMediaProcessor(openaiClient),
		Generator: openaiClient,
		GenerateRetry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     8 * time.Second,
			Multiplier:     2,
		},
		Delivery:     usecases.NewDelivery(deliveryRetry, throttle),
		Reconciler:   usecases.NewLeadReconciler(linkRepo, crm),
		Tasks:        pool,
		Tracker:      tracker,
		HistoryLimit: cfg.Chatwoot.HistoryLimit,
		HistoryLimits: map[entities.Provider]int{
			entities.ProviderChatwoot: cfg.Chatwoot.HistoryLimit,
			entities.ProviderWAHA:     cfg.Waha.HistoryLimit,
		},
	})

	deps := httpapi.HandlerDeps{
		Pipeline:      service,
		WebhookSecret: cfg.Chatwoot.WebhookSecret,
		Usage:         usageRepo,
	}
	if cfg.Chatwoot.Enabled() {
		deps.Chatwoot = infrastructure.NewChatwootClient(cfg.Chatwoot.BaseURL, cfg.Chatwoot.APIToken)
	} else {
		zap.L().Warn("chatwoot not configured")
	}
	if cfg.Waha.Enabled() {
		deps.Waha = infrastructure.NewWahaClient(cfg.Waha.APIURL, cfg.Waha.APIKey)
	}

	handler := httpapi.NewHandler(deps)

	sessions, err := buildSessions(ctx, cfg, handler.Dispatch)
	if err != nil {
		return err
	}
	defer sessions.Close()
	if types := sessions.ChannelTypes(); len(types) > 0 {
		handler.Sessions = sessions
		channels, err := tenantRepo.ListSessionChannels(ctx, types...)
		if err != nil {
			return err
		}
		started, failed := sessions.Bootstrap(ctx, channels)
		zap.L().Info("sessions started", zap.Int("started", started), zap.Int("failed", failed))
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	httpapi.SetupRoutes(r, handler, httpapi.NewMiddleware(cfg.Internal.JWTSecret, internalLimiter), cfg.Server.MaxBodyBytes)

	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- eris.Wrap(err, "server listen")
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	zap.L().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("http shutdown", zap.Error(err))
	}
	sessions.Close()
	if err := handler.Wait(shutdownCtx); err != nil {
		zap.L().Warn("in-flight messages abandoned", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("worker pool drain", zap.Error(err), zap.Int("pending", pool.Pending()))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zap.L().Warn("tracing shutdown", zap.Error(err))
	}
	return nil
}

func deliveryRetryConfig(d config.DeliveryConfig) resilience.RetryConfig {
	retry := resilience.DeliveryRetryConfig()
	retry.MaxAttempts = d.MaxAttempts
	retry.InitialBackoff = time.Duration(d.InitialBackoffMs) * time.Millisecond
	retry.MaxBackoff = time.Duration(d.MaxBackoffMs) * time.Millisecond
	return retry
}

// buildCRM returns nil when no CRM is configured; leads are then only
// linked locally.
func buildCRM(cfg *config.Config, retry resilience.RetryConfig) (interfaces.CRMClient, error) {
	switch cfg.CRM.Provider {
	case "http":
		return infrastructure.NewHTTPCRMClient(cfg.CRM.BaseURL, cfg.CRM.APIKey, retry), nil
	case "salesforce":
		sf, err := infrastructure.ConnectSalesforce(cfg.Salesforce)
		if err != nil {
			return nil, err
		}
		return infrastructure.NewSalesforceCRM(sf, cfg.Salesforce.LeadSource), nil
	default:
		zap.L().Warn("crm not configured, leads are linked without crm sync")
		return nil, nil
	}
}

func buildSessions(ctx context.Context, cfg *config.Config, dispatch infrastructure.InboundHandler) (*infrastructure.SessionRegistry, error) {
	registry := &infrastructure.SessionRegistry{}
	if cfg.WhatsApp.Enabled {
		wa, err := infrastructure.NewWhatsAppManager(cfg.WhatsApp.DevicesDir, dispatch)
		if err != nil {
			return nil, err
		}
		registry.WhatsApp = wa
	}
	if cfg.Telegram.Enabled {
		cipher, err := infrastructure.NewChannelCipher(cfg.Security.EncryptionKey)
		if err != nil {
			return nil, err
		}
		registry.Telegram = infrastructure.NewTelegramManager(cipher, cfg.Telegram.PollTimeout, dispatch)
	}
	return registry, nil
}
