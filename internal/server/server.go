package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/vitalfew/ranker/config"
	"github.com/vitalfew/ranker/internal/ranking"
	"github.com/vitalfew/ranker/internal/store"
	"github.com/vitalfew/ranker/internal/usage"
)

// Run wires the full service and blocks serving HTTP.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		var payload interface{}
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			switch m := he.Message.(type) {
			case string:
				payload = HTTPError{Error: m}
			case nil:
				payload = HTTPError{Error: err.Error()}
			default:
				payload = m
			}
		} else {
			payload = HTTPError{Error: err.Error()}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, payload)
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization", "X-Admin-Key"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}

	// Initialize shared dependencies (top-level DI)
	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	client := ranking.NewReplicateClient(
		cfg.Provider.APIToken,
		cfg.Provider.Model,
		cfg.Provider.BaseURL,
		cfg.Provider.Timeout,
	)

	// Gate selection: a shared Redis lease when configured, otherwise an
	// in-process mutex. The lease makes the one-call-in-flight rule hold
	// across replicas.
	var gate ranking.Gate
	if cfg.Storage.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		gate = ranking.NewRedisGate(rdb, "ranker:gate", 0, cfg.Ranking.GateWait)
	} else {
		gate = ranking.NewMutexGate("replicate", cfg.Ranking.GateWait)
	}

	orch := ranking.NewOrchestrator(client, gate)
	orch.BatchSize = cfg.Ranking.BatchSize
	orch.InterBatchDelay = cfg.Ranking.InterBatchDelay
	orch.Policy.MaxAttempts = cfg.Ranking.MaxAttempts

	usageGate := usage.NewGate(st, usage.Config{
		FreeMonthlyQuota: cfg.Quota.FreeMonthly,
		LightSoftLimit:   cfg.Quota.LightMonthly,
		ProSoftLimit:     cfg.Quota.ProMonthly,
		GracePercent:     cfg.Quota.GracePercent,
		WarnPercent:      cfg.Quota.WarnPercent,
	})

	secret := []byte(cfg.General.JWTSecret)

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret, SignupCredits: cfg.Quota.SignupCredits}
	auth.Register(api.Group("/auth"))

	ai := api.Group("/ai")
	rank := &RankHandler{
		Orch:          orch,
		Gate:          usageGate,
		Store:         st,
		MaxTasks:      cfg.Ranking.MaxTasks,
		MaxTotalChars: cfg.Ranking.MaxTotalChars,
	}
	rank.Register(ai, secret)

	usageH := &UsageHandler{Gate: usageGate, Store: st}
	usageH.Register(ai, secret)

	credits := &CreditsHandler{Store: st, AdminKey: cfg.General.AdminKey}
	credits.Register(api.Group("/credits"))

	if addr == "" {
		addr = cfg.General.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
