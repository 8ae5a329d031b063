package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/config"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/infrastructure"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	httpapi "github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces/http"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/repository"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

const (
	botSessionMaxIdle  = 24 * time.Hour
	authSessionMaxIdle = time.Hour
	limiterMaxIdle     = 30 * time.Minute
	shutdownTimeout    = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Component("startup")

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	pool := st.pg.Pool
	loc := cfg.Location()

	userRepo := repository.NewUserRepository(pool)
	clientRepo := repository.NewClientRepository(pool)
	catalogRepo := repository.NewCatalogRepository(pool)
	botRepo := repository.NewBotRepository(pool)
	configRepo := repository.NewConfigRepository(pool)
	instanceRepo := repository.NewInstanceRepository(pool)
	usageRepo := repository.NewUsageRepository(pool, loc)

	sessions, err := st.sessionStore(ctx, botRepo)
	if err != nil {
		return err
	}

	cipher, err := infrastructure.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	// Alerts
	var alerts httpapi.AlertChannel = infrastructure.NoopNotifier{}
	if cfg.TelegramBotToken != "" {
		tg, err := infrastructure.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramAlertChatID)
		if err != nil {
			log.Warnf("telegram alerts disabled: %v", err)
		} else {
			tg.Start()
			st.onClose(tg.Stop)
			alerts = tg
		}
	}

	// WhatsApp gateway
	limiter := infrastructure.NewMessageRateLimiter(cfg.SendRate, cfg.SendBurst)
	st.onClose(limiter.Close)

	var (
		gateway interfaces.InstanceGateway
		manager *infrastructure.WhatsAppManager
	)
	switch cfg.WhatsAppGateway {
	case "whatsmeow":
		manager = infrastructure.NewWhatsAppManager(cfg.DevicesDir, limiter)
		st.onClose(manager.DisconnectAll)
		gateway = manager
	default:
		evo := infrastructure.NewEvolutionClient(infrastructure.EvolutionConfig{
			BaseURL: cfg.EvolutionURL,
			APIKey:  cfg.EvolutionAPIKey,
			Limiter: limiter,
		})
		if !evo.Configured() {
			log.Warn("EVOLUTION_URL not set, WhatsApp calls will fail")
		}
		if cfg.EvolutionWebhookSecret == "" {
			log.Warn("EVOLUTION_WEBHOOK_SECRET not set, webhook accepts unauthenticated events")
		}
		gateway = evo
	}

	// Usecases
	auth := usecases.NewAuthUsecase(userRepo, st.cache, usecases.AuthConfig{
		JWTSecret:      cfg.JWTSecret,
		AccessTTL:      cfg.AccessTokenTTL,
		RefreshTTL:     cfg.RefreshTokenTTL,
		LoadingTimeout: cfg.LoadingTimeout,
		RoleCacheTTL:   cfg.RoleCacheTTL,
	})
	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := auth.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			log.Warnf("failed to ensure admin user: %v", err)
		}
	}

	clients := usecases.NewClientUsecase(clientRepo, catalogRepo, st.locker, st.cache, cipher, loc)
	billing := usecases.NewBillingUsecase(usecases.BillingDeps{
		Store:          clientRepo,
		Catalog:        catalogRepo,
		Settings:       configRepo,
		Instances:      instanceRepo,
		Usage:          usageRepo,
		Gateway:        gateway,
		Locker:         st.locker,
		Pricing:        usecases.NewPricingCalculator(nil),
		DefaultOffsets: cfg.ReminderOffsets,
		Location:       loc,
	})
	bot := usecases.NewBotEngine(usecases.BotDeps{
		Flows:    botRepo,
		Sessions: sessions,
		Settings: configRepo,
		Clients:  clientRepo,
		Usage:    usageRepo,
		Gateway:  gateway,
		Locker:   st.locker,
		Notifier: alerts,
	})
	whatsapp := usecases.NewWhatsAppUsecase(usecases.WhatsAppDeps{
		Instances:  instanceRepo,
		Gateway:    gateway,
		Bot:        bot,
		Locker:     st.locker,
		Notifier:   alerts,
		Retrier:    infrastructure.Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2, MaxAttempts: 4},
		WebhookURL: webhookURL(cfg),
		StaleAfter: cfg.HeartbeatStaleAfter,
	})
	if manager != nil {
		manager.OnMessage = whatsapp.HandleMessage
		manager.OnState = whatsapp.HandleStateChange
		go func() {
			n := manager.RestoreSessions(ctx)
			log.Infof("restored %d whatsmeow sessions", n)
		}()
	}

	backup := st.backupUsecase()
	dashboard := usecases.NewDashboardUsecase(billing, instanceRepo, sessions, usageRepo)
	admin := usecases.NewAdminUsecase(userRepo, auth, whatsapp)

	// HTTP
	if !logger.L().IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	mw := httpapi.NewMiddleware(auth)
	httpapi.SetupRoutes(r, httpapi.Deps{
		Auth:          auth,
		Clients:       clients,
		Billing:       billing,
		Bot:           bot,
		WhatsApp:      whatsapp,
		Backup:        backup,
		Dashboard:     dashboard,
		Admin:         admin,
		Alerts:        alerts,
		WebhookSecret: cfg.EvolutionWebhookSecret,
		RateLimit:     rate.Limit(cfg.RateLimitPerSecond),
		RateBurst:     cfg.RateLimitBurst,
		Health:        pool.Ping,
		SendStats:     limiter.GetStats,
	}, mw)

	// Jobs
	scheduler := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logger.Component("cron"))), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	jobs := []struct {
		spec string
		run  func()
	}{
		{cfg.ReminderCron, func() {
			for _, rep := range billing.RunReminders(ctx) {
				logger.Component("cron").WithFields(logrus.Fields{
					"seller": rep.SellerID, "sent": rep.Sent, "skipped": rep.Skipped, "failed": rep.Failed,
				}).Info("billing reminders")
			}
		}},
		{cfg.HeartbeatCron, func() {
			if n := whatsapp.MonitorStale(ctx); n > 0 {
				logger.Component("cron").Infof("heartbeat checked %d stale instances", n)
			}
		}},
		{"@every 10m", func() {
			auth.PruneSessions(authSessionMaxIdle)
			mw.PruneLimiters(limiterMaxIdle)
			if p, ok := sessions.(idlePurger); ok {
				n, err := p.PurgeIdle(ctx, time.Now().Add(-botSessionMaxIdle))
				if err != nil {
					logger.Component("cron").Warnf("purge bot sessions: %v", err)
				} else if n > 0 {
					logger.Component("cron").Infof("purged %d idle bot sessions", n)
				}
			}
		}},
	}
	for _, job := range jobs {
		if _, err := scheduler.AddFunc(job.spec, job.run); err != nil {
			return fmt.Errorf("schedule %q: %w", job.spec, err)
		}
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// webhookURL is the address Evolution posts events to, with the shared
// secret in the query string.
func webhookURL(cfg *config.Config) string {
	u := cfg.PublicBaseURL + "/webhook/evolution"
	if cfg.EvolutionWebhookSecret != "" {
		u += "?token=" + url.QueryEscape(cfg.EvolutionWebhookSecret)
	}
	return u
}
