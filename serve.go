package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/database"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/handlers"
	agentmcp "github.com/ekaya-inc/ekaya-agent-core/pkg/mcp"
	mcpauth "github.com/ekaya-inc/ekaya-agent-core/pkg/mcp/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/middleware"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/notify"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/ratelimit"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/repositories"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

const shutdownTimeout = 15 * time.Second

func serve(ctx context.Context, rt *app) error {
	cfg, logger := rt.cfg, rt.logger

	jwksClient, err := auth.NewJWKSClient(ctx, &auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize JWKS client: %w", err)
	}
	defer jwksClient.Close()
	if !cfg.Auth.EnableVerification {
		logger.Warn("JWT signature verification is disabled")
	}

	authService := auth.NewAuthService(jwksClient, logger.Named("auth"))
	authMiddleware := auth.NewMiddleware(authService, logger.Named("auth"))

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	notifier := notify.Multi{notify.NewLogNotifier(logger)}
	if redisClient != nil {
		notifier = append(notifier, notify.NewRedisNotifier(redisClient, cfg.Notifications.Channel))
	}
	limiter := ratelimit.New(redisClient, cfg.RateLimit.Window, logger)

	deploymentRepo := repositories.NewDeploymentRepository(rt.db)
	knowledgeRepo := repositories.NewKnowledgeRepository(rt.db)
	feedbackRepo := repositories.NewFeedbackRepository(rt.db)

	deploymentService := services.NewDeploymentService(deploymentRepo, notifier, logger)
	analyticsService := services.NewDeploymentAnalyticsService(deploymentRepo, logger)
	knowledgeService := services.NewKnowledgeService(knowledgeRepo, logger)
	feedbackService := services.NewFeedbackService(feedbackRepo, logger)
	providerService := rt.providerService(redisClient)

	if cfg.Providers.HealthCheckInterval > 0 {
		go providerService.RunHealthMonitor(ctx, cfg.Providers.HealthCheckInterval)
	}

	byUser := func(r *http.Request) string { return auth.GetUserIDFromContext(r.Context()) }
	feedbackLimit := limiter.Middleware(tools.ScopeFeedback, cfg.RateLimit.FeedbackPerWindow, byUser)
	providerLimit := limiter.Middleware(tools.ScopeProvider, cfg.RateLimit.ProviderPerWindow, byUser)

	mux := http.NewServeMux()

	handlers.NewHealthHandler(cfg, healthChecks(rt.db, redisClient), logger).RegisterRoutes(mux)
	handlers.NewDeploymentHandler(deploymentService, analyticsService, logger.Named("deployments-api")).
		RegisterRoutes(mux, authMiddleware, cfg.Auth.AdminRole)
	handlers.NewKnowledgeHandler(knowledgeService, logger.Named("knowledge-api")).
		RegisterRoutes(mux, authMiddleware, cfg.Auth.CuratorRole)
	handlers.NewFeedbackHandler(feedbackService, logger.Named("feedback-api")).
		RegisterRoutes(mux, authMiddleware, feedbackLimit)
	handlers.NewProviderHandler(providerService, logger.Named("providers-api")).
		RegisterRoutes(mux, authMiddleware, cfg.Auth.AdminRole, providerLimit)

	mcpAudit := agentmcp.NewAuditLogger(logger)
	mcpServer := agentmcp.NewServer("ekaya-agent-core", Version, logger.Named("mcp"), mcpAudit.Hooks())
	groups := tools.RegisterAll(mcpServer.MCP(), &tools.Deps{
		Knowledge:     knowledgeService,
		Feedback:      feedbackService,
		Providers:     providerService,
		Deployments:   deploymentService,
		Limiter:       limiter,
		FeedbackLimit: cfg.RateLimit.FeedbackPerWindow,
		ProviderLimit: cfg.RateLimit.ProviderPerWindow,
		Logger:        logger.Named("mcp-tools"),
	})
	tools.RegisterHealthTool(mcpServer.MCP(), Version, groups)

	mcpAuth := mcpauth.NewMiddleware(authService, logger.Named("mcp-auth"), mcpauth.WithAuditLogger(mcpAudit))
	mux.Handle("/mcp", mcpAuth.RequireAuth()(
		middleware.MCPRequestLogger(logger.Named("mcp-http"))(mcpServer.NewStreamableHTTPServer()),
	))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.String("version", Version),
			zap.Strings("mcp_tool_groups", groups))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func healthChecks(db *database.DB, redisClient *redis.Client) []handlers.DependencyCheck {
	checks := []handlers.DependencyCheck{
		{Name: "postgres", Check: db.Ping},
	}
	if redisClient != nil {
		checks = append(checks, handlers.DependencyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	return checks
}
