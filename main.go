package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"activity-relay/internal/api"
	"activity-relay/internal/config"
	"activity-relay/internal/db"
	"activity-relay/internal/downstream"
	"activity-relay/internal/logging"
	"activity-relay/internal/processor"
	"activity-relay/internal/redis"
	"activity-relay/internal/store"
	"activity-relay/internal/twitch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "activity-relay", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	st := store.New(dbConn, cfg.EncryptionKey)

	twitchClient := twitch.NewClient(logger, cfg.TwitchClientID, cfg.TwitchClientSecret)

	reputation := downstream.NewReputationClient(logger, cfg.ReputationAPIURL)

	oauthOpts := twitch.OAuthOptions{
		Lookahead:   cfg.RefreshLookahead,
		SweepEvery:  cfg.RefreshSweepEvery,
		MaxFailures: cfg.MaxRefreshFailures,
	}
	var oauthMgr *twitch.OAuthManager
	if cfg.GatewayAPIURL != "" {
		gateway := downstream.NewGatewayClient(logger, cfg.GatewayAPIURL)
		oauthMgr = twitch.NewOAuthManager(logger, st.Credentials, redisClient, twitchClient, cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.OAuthRedirectURI, gateway, oauthOpts)
	} else {
		oauthMgr = twitch.NewOAuthManager(logger, st.Credentials, redisClient, twitchClient, cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.OAuthRedirectURI, nil, oauthOpts)
	}
	oauthMgr.StartRefreshSweep()

	subMgr := twitch.NewSubscriptionManager(logger, st.Channels, twitchClient, cfg.WebhookPublicURL)

	forwarder := processor.NewForwarder(logger, st.Activities, reputation, cfg.ForwardMaxAttempts)

	var proc *processor.Processor
	if cfg.ContextAPIURL != "" {
		resolver := downstream.NewContextClient(logger, cfg.ContextAPIURL)
		proc = processor.New(logger, st.Events, st.Activities, redisClient, resolver, forwarder)
	} else {
		proc = processor.New(logger, st.Events, st.Activities, redisClient, nil, forwarder)
	}
	proc.StartWorkers(cfg.EventWorkerCount)

	sweepStop := make(chan struct{})
	proc.StartForwardRetrySweep(cfg.ForwardSweepEvery, sweepStop)
	proc.StartRecoverySweep(cfg.ForwardSweepEvery, sweepStop)
	subMgr.StartReconcileSweep(cfg.ReconcileSweepEvery, sweepStop)

	srv := api.NewServer(logger, cfg, dbConn, redisClient, oauthMgr, subMgr, st.Channels, st.Events, st.Activities, proc)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("service_ready", "addr", cfg.HTTPAddr, "workers", cfg.EventWorkerCount)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	close(sweepStop)
	oauthMgr.Stop()
	logger.Info("sweeps_stopped")

	proc.StopWorkers()
	logger.Info("event_workers_stopped")

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("service_stopped")
}
