package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/JoeProAI/neural-weights-hub/internal/app/migrate"
	"github.com/JoeProAI/neural-weights-hub/internal/daytona"
	httpx "github.com/JoeProAI/neural-weights-hub/internal/http"
	"github.com/JoeProAI/neural-weights-hub/internal/modal"
	"github.com/JoeProAI/neural-weights-hub/internal/notify"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository/postgres"
	"github.com/JoeProAI/neural-weights-hub/internal/service/activity"
	"github.com/JoeProAI/neural-weights-hub/internal/service/auth"
	"github.com/JoeProAI/neural-weights-hub/internal/service/billing"
	"github.com/JoeProAI/neural-weights-hub/internal/service/collab"
	"github.com/JoeProAI/neural-weights-hub/internal/service/deploy"
	"github.com/JoeProAI/neural-weights-hub/internal/service/inference"
	"github.com/JoeProAI/neural-weights-hub/internal/service/project"
	"github.com/JoeProAI/neural-weights-hub/internal/service/reaper"
	"github.com/JoeProAI/neural-weights-hub/internal/service/sandbox"
	"github.com/JoeProAI/neural-weights-hub/internal/usage"
	"github.com/JoeProAI/neural-weights-hub/internal/ws"
	"github.com/JoeProAI/neural-weights-hub/pkg/config"
	"github.com/JoeProAI/neural-weights-hub/pkg/logger"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		log.Error("failed to configure authentication", "mode", cfg.AuthMode, "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	volumes := plan.VolumeIDs{GPT20B: cfg.GPT20BVolumeID, GPT120B: cfg.GPT120BVolumeID}

	daytonaClient := daytona.New(daytona.Config{
		BaseURL:        cfg.DaytonaAPIURL,
		APIKey:         cfg.DaytonaAPIKey,
		OrganizationID: cfg.DaytonaOrgID,
		Timeout:        cfg.DaytonaTimeout,
	})
	modalClient := modal.New(modal.Config{
		Endpoints: map[plan.Model]string{
			plan.Model20B:  cfg.ModalGPT20BEndpoint,
			plan.Model120B: cfg.ModalGPT120BEndpoint,
		},
		APIKey:  cfg.ModalAPIKey,
		Timeout: cfg.ModalTimeout,
	})

	usageSvc := usage.New(repo, log)
	activityHub := ws.NewHub()
	defer activityHub.Close()
	activitySvc := activity.New(repo, activityHub, log)
	authSvc := auth.New(repo, verifier, log)
	sandboxSvc := sandbox.New(daytonaClient, repo, usageSvc, activitySvc, log, sandbox.Config{
		DefaultSnapshot: cfg.DaytonaDefaultSnapshot,
		Target:          cfg.DaytonaTarget,
		VolumeIDs:       volumes,
		ProtectedIDs:    cfg.ProtectedSandboxIDs,
		CleanupAge:      cfg.CleanupAge,
		GPT20BEndpoint:  cfg.ModalGPT20BEndpoint,
		GPT120BEndpoint: cfg.ModalGPT120BEndpoint,
		WaitBudget:      cfg.SandboxWaitBudget,
	})
	deploySvc := deploy.New(daytonaClient, repo, usageSvc, activitySvc, log, deploy.Config{
		Snapshot:        cfg.DaytonaDefaultSnapshot,
		Target:          cfg.DaytonaTarget,
		VolumeIDs:       volumes,
		GPT20BEndpoint:  cfg.ModalGPT20BEndpoint,
		GPT120BEndpoint: cfg.ModalGPT120BEndpoint,
		ModalAPIKey:     cfg.ModalAPIKey,
		EncryptionKey:   cfg.EnvEncryptionKey,
		WaitBudget:      cfg.SandboxWaitBudget,
	})
	inferenceSvc := inference.New(modalClient, usageSvc, log)
	projectSvc := project.New(repo, deploySvc, log)

	notifier := notify.New(cfg.SendGridAPIKey, cfg.NotifyFromEmail, cfg.FrontendURL, log)
	var gateway billing.Gateway
	if strings.TrimSpace(cfg.StripeSecretKey) != "" {
		gateway = billing.NewStripeGateway(cfg.StripeSecretKey)
	} else {
		log.Warn("stripe secret key not set; billing disabled")
	}
	billingSvc := billing.New(repo, gateway, sandboxSvc, usageSvc, notifier, log, billing.Config{
		WebhookSecret: cfg.StripeWebhookSecret,
		Prices: map[plan.Plan]string{
			plan.Pro:        cfg.StripePricePro,
			plan.Team:       cfg.StripePriceTeam,
			plan.Enterprise: cfg.StripePriceEnterprise,
		},
		FrontendURL: cfg.FrontendURL,
	})

	collabSvc, err := collab.New(ws.NewRooms(), authSvc, cfg.NodeID, log)
	if err != nil {
		log.Error("failed to configure collaboration", "error", err)
		os.Exit(1)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Services{
		Auth:      authSvc,
		Sandboxes: sandboxSvc,
		Activity:  activitySvc,
		Inference: inferenceSvc,
		Deploy:    deploySvc,
		Projects:  projectSvc,
		Usage:     usageSvc,
		Billing:   billingSvc,
		Collab:    collabSvc,
	}, limiter, repo.Ping)
	defer router.Close()

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler(router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	if ctl := reaper.New(repo, sandboxSvc, log, cfg); ctl != nil {
		group.Go(func() error {
			ctl.Run(gctx)
			return nil
		})
	}
	group.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("api server stopped")
}

func newVerifier(ctx context.Context, cfg config.APIConfig) (auth.Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeDev:
		if strings.TrimSpace(cfg.DevAuthSecret) == "" {
			return nil, errors.New("DEV_AUTH_SECRET is required in dev auth mode")
		}
		return auth.DevVerifier{Secret: cfg.DevAuthSecret}, nil
	case config.AuthModeFirebase, "":
		return auth.NewFirebaseVerifier(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentials)
	default:
		return nil, errors.New("unknown AUTH_MODE " + cfg.AuthMode)
	}
}
