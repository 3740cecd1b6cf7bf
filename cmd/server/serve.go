package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/houbamydar/clientdesk/internal/admin"
	"github.com/houbamydar/clientdesk/internal/adminauth"
	"github.com/houbamydar/clientdesk/internal/adminui"
	"github.com/houbamydar/clientdesk/internal/config"
	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/houbamydar/clientdesk/internal/notify"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/houbamydar/clientdesk/internal/wiki"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Apply migrations and start the admin web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	if err := store.MigrateUp(cfg.PostgresURL); err != nil {
		return err
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	st := store.New(db)
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	presets, err := config.LoadClientPresets(cfg.ClientPresetsFile)
	if err != nil {
		return err
	}

	tokens, err := keycloak.NewAdminTokenProvider(keycloak.TokenProviderConfig{
		BaseURL:      cfg.Keycloak.BaseURL,
		Realm:        cfg.Keycloak.AuthRealm,
		ClientID:     cfg.Keycloak.ClientID,
		ClientSecret: cfg.Keycloak.ClientSecret,
		PathMode:     cfg.Keycloak.PathMode,
		HTTPClient:   &http.Client{Timeout: cfg.Keycloak.Timeout()},
	})
	if err != nil {
		return err
	}
	kc, err := keycloak.NewClient(keycloak.ClientConfig{
		BaseURL:    cfg.Keycloak.BaseURL,
		PathMode:   cfg.Keycloak.PathMode,
		Timeout:    cfg.Keycloak.Timeout(),
		RetryCount: cfg.Keycloak.RetryCount,
	}, tokens)
	if err != nil {
		return err
	}
	clients := keycloak.NewClientsService(kc, keycloak.ServiceConfig{
		Realms:   cfg.Keycloak.Realms,
		CacheTTL: cfg.Keycloak.ClientCacheTTL(),
	}, st, st)

	staffAuth, err := adminauth.New(ctx, adminauth.Config{
		Issuer:             cfg.Staff.Issuer,
		ClientID:           cfg.Staff.ClientID,
		ClientSecret:       cfg.Staff.ClientSecret,
		RedirectURL:        cfg.Staff.RedirectURL,
		Scopes:             cfg.Staff.Scopes,
		AdminUsernames:     cfg.Staff.AdminUsernames,
		AdminRole:          cfg.Staff.AdminRole,
		CookieHashKey:      cfg.Staff.CookieHashKey,
		CookieBlockKey:     cfg.Staff.CookieBlockKey,
		SessionIdleTTL:     cfg.Staff.SessionIdleTTL(),
		SessionAbsoluteTTL: cfg.Staff.SessionAbsoluteTTL(),
		InsecureCookies:    cfg.Staff.InsecureCookies,
	}, rdb, st)
	if err != nil {
		return err
	}

	var publisher adminui.WikiPublisher
	if cfg.Wiki.Enabled() {
		p, err := wiki.New(wiki.Config{
			BaseURL:      cfg.Wiki.BaseURL,
			SpaceKey:     cfg.Wiki.SpaceKey,
			ParentPageID: cfg.Wiki.ParentPageID,
			User:         cfg.Wiki.User,
			Token:        cfg.Wiki.Token,
			Timeout:      cfg.Keycloak.Timeout(),
		}, st)
		if err != nil {
			return err
		}
		publisher = p
	}

	notifier, err := notify.New(notify.Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		TLS:        cfg.SMTP.TLS,
		Recipients: cfg.SMTP.Recipients,
	})
	if err != nil {
		return err
	}

	ui, err := adminui.NewHandler(adminui.Options{
		Clients:    clients,
		Access:     st,
		Exclusions: st,
		ApiLog:     st,
		Auth:       staffAuth,
		Presets:    presets,
		Wiki:       publisher,
		Notifier:   notifier,
		Stats:      adminui.NewStatsService(st, db, staffAuth, nil),
		Health: adminui.NewSystemHealthService(st, rdb, kc, st, adminui.SystemHealthConfig{
			WikiConfigured:      cfg.Wiki.Enabled(),
			MailerConfigured:    cfg.SMTP.Enabled(),
			APILogRetentionDays: cfg.APILogRetentionDays,
		}),
		InsecureCookies: cfg.Staff.InsecureCookies,
	})
	if err != nil {
		return err
	}

	e := newEcho()
	requestID := admin.RequestIDMiddleware()
	adminauth.RegisterRoutes(e.Group("/admin", requestID, staffAuth.AttachSessionActorMiddleware()), staffAuth)
	adminui.RegisterRoutes(e, ui, requestID)

	api := e.Group("/admin/api",
		requestID,
		admin.RateLimitMiddleware(admin.DefaultRateLimitConfig),
		admin.APITokenMiddleware(cfg.AdminAPI.Token, cfg.AdminAPI.Host),
	)
	admin.RegisterAPIRoutes(api, admin.NewAPIHandler(clients, st, st, notifier))

	log.Printf("clientdesk starting addr=%s realms=%v path_mode=%s wiki=%t mailer=%t", cfg.ListenAddr, cfg.Keycloak.Realms, cfg.Keycloak.PathMode, cfg.Wiki.Enabled(), cfg.SMTP.Enabled())
	return serveUntilDone(ctx, e, cfg.ListenAddr)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/", func(c echo.Context) error {
		return c.Redirect(http.StatusFound, "/admin/")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return e
}

func serveUntilDone(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("clientdesk shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
