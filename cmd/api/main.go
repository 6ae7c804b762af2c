package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tandem/api/internal/app"
	"tandem/api/internal/config"
	"tandem/api/internal/metrics"
	"tandem/api/internal/realtime"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
)

func main() {
	cfg := config.Load()
	configureLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	m := metrics.New()
	registry := realtime.NewRegistry(m)
	broadcaster := realtime.NewBroadcaster(registry, m, log.StandardLogger())

	var relay *realtime.RedisRelay
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := realtime.Dial(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer client.Close()
		relay = realtime.NewRedisRelay(client, cfg.RedisChannel, cfg.NodeID, log.StandardLogger())
		broadcaster.SetRelay(relay)
		log.WithFields(log.Fields{"channel": cfg.RedisChannel, "node_id": cfg.NodeID}).Info("cross-node fan-out enabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.StandardLogger())
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log.StandardLogger())

	service := app.New(cfg, store.NewPostgresStore(db), broadcaster, searchService, m, log.StandardLogger())
	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		Registry:    registry,
		Broadcaster: broadcaster,
		Metrics:     m,
		CORSOrigin:  cfg.CORSOrigin,
		Conn: realtime.ConnConfig{
			SendBuffer:   cfg.SendBuffer,
			WriteTimeout: cfg.WriteTimeout,
			PingInterval: cfg.PingInterval,
		},
		Logger: log.StandardLogger(),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Sockets are hijacked and outlive Shutdown; their context ends with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.WithField("addr", cfg.Addr).Info("Tandem API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if relay != nil {
		group.Go(func() error {
			return relay.Run(gctx, broadcaster)
		})
	}
	if meiliClient != nil {
		group.Go(func() error {
			searchService.ReindexFromPG(gctx, pgfts)
			return nil
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown error")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.WithError(err).Error("server failed")
		service.Wait()
		os.Exit(1)
	}
	service.Wait()
	log.Info("Tandem API stopped")
}

func configureLogging(cfg config.Config) {
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
