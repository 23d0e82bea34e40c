package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaiahub/nodehub/config"
	"github.com/gaiahub/nodehub/domainapi"
	"github.com/gaiahub/nodehub/logger"
	"github.com/gaiahub/nodehub/maintenance"
	"github.com/gaiahub/nodehub/nodeapi"
	"github.com/gaiahub/nodehub/observability"
	"github.com/gaiahub/nodehub/queryapi"
	"github.com/gaiahub/nodehub/redisclient"
	"github.com/gaiahub/nodehub/router"
	"github.com/gaiahub/nodehub/routerstore"
	"github.com/gaiahub/nodehub/store"
	"github.com/gaiahub/nodehub/tunnel"
)

func main() {
	cluster := flag.Bool("cluster", false, "run maintenance jobs under distributed lease coordination")
	flag.Parse()

	cfg := config.Load()
	if *cluster {
		cfg.Cluster = true
	}
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Bool("cluster", cfg.Cluster).Msg("nodehub starting")

	ss, err := store.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	defer ss.Close()
	if err := store.Migrate(ss.Raw()); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	log.Info().Msg("database migrated")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis init failed")
	}
	if err := rc.Ping(); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}
	log.Info().Msg("redis connected")
	rs := routerstore.New(rc)

	metrics := observability.New()

	tep := tunnel.NewProcessor(ss, rs, log)
	nsa := nodeapi.New(ss, cfg.LivingDuration, log)
	dma := domainapi.New(ss, rs, log)
	qa := queryapi.New(ss, log)

	ms := maintenance.New(ss, rs, maintenance.Config{
		Cluster:                cfg.Cluster,
		LivingTTL:              cfg.LivingDuration,
		ExpirySweepInterval:    cfg.ExpirySweepInterval,
		HealthProbeInterval:    cfg.HealthProbeInterval,
		HealthProbeConcurrency: cfg.HealthProbeConcurrency,
		HealthProbeTimeout:     cfg.HealthProbeTimeout,
		HealthProbePageSize:    cfg.HealthProbePageSize,
		HealthProbeMinLivedSec: int64(cfg.LivingDuration.Seconds()),
		HealthProbeLeaseTTL:    cfg.HealthProbeLeaseTTL,
		ReconcileInterval:      cfg.ReconcileInterval,
		ReconcileLeaseTTL:      cfg.ReconcileLeaseTTL,
	}, log, metrics.Registry)
	if err := ms.Start(); err != nil {
		log.Fatal().Err(err).Msg("maintenance scheduler start failed")
	}

	r := router.NewRouter(cfg, log, router.Deps{
		Tunnel:  tep,
		Node:    nsa,
		Domain:  dma,
		Query:   qa,
		Metrics: metrics,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("nodehub listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ms.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("nodehub stopped gracefully")
	}
}
