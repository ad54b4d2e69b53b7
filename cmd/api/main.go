package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"thirdspace.org/internal/async"
	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/config"
	"thirdspace.org/internal/credential"
	"thirdspace.org/internal/httpapi"
	"thirdspace.org/internal/idempotency"
	"thirdspace.org/internal/library"
	"thirdspace.org/internal/obs"
	"thirdspace.org/internal/ratelimit"
	"thirdspace.org/internal/store/memory"
	"thirdspace.org/internal/store/pg"
	"thirdspace.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what the services need from a store implementation.
type backend interface {
	auth.Store
	library.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, idemStore, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}

	keys, err := credential.NewHMACKeyHasher(cfg.Secrets.APIKey)
	if err != nil {
		log.WithError(err).Fatal("api key hasher")
	}
	tokens, err := token.NewIssuer(cfg.Secrets.JWT,
		token.WithIssuer(cfg.Tokens.Issuer),
		token.WithTTLs(cfg.Tokens.AccessTTL, cfg.Tokens.RefreshTTL),
	)
	if err != nil {
		log.WithError(err).Fatal("token issuer")
	}

	dispatcher := async.NewDispatcher(cfg.Background.Workers, cfg.Background.Queue, cfg.Background.Timeout,
		async.WithLogger(log.WithField("component", "dispatcher")))

	gate, err := auth.NewGate(store, keys, dispatcher,
		auth.WithSessionTokens(tokens),
		auth.WithGateLogger(log.WithField("component", "gate")))
	if err != nil {
		log.WithError(err).Fatal("auth gate")
	}
	authSvc, err := auth.NewService(store, credential.NewBcrypt(0), keys, tokens,
		auth.WithLogger(log.WithField("component", "auth")))
	if err != nil {
		log.WithError(err).Fatal("auth service")
	}
	librarySvc := library.NewService(store, library.WithLogger(log.WithField("component", "library")))
	idem := idempotency.NewController(idemStore, idempotency.WithLogger(log.WithField("component", "idempotency")))

	var sweeper *idempotency.Sweeper
	if cfg.Idempotency.SweepSchedule != "" {
		sweeper, err = idempotency.NewSweeper(idemStore, cfg.Idempotency.SweepSchedule)
		if err != nil {
			log.WithError(err).Fatal("idempotency sweeper")
		}
		sweeper.Start()
	}

	limits, closeLimits := buildLimits(cfg, log)
	ready := httpapi.ReadyProbe{Store: store}

	api := httpapi.New(httpapi.Deps{
		Auth:           authSvc,
		Gate:           gate,
		Library:        librarySvc,
		Idempotency:    idem,
		Limits:         limits,
		Ready:          ready,
		Version:        version,
		SecureCookies:  cfg.Tokens.SecureCookies,
		CORSOrigins:    cfg.CORSOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Logger:         log.WithField("component", "http"),
		TrustedProxies: cfg.TrustedProxies,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryLogging))
	httpapi.NewGRPCServer(ready, version).Register(grpcSrv)

	log.WithFields(logrus.Fields{
		"version": version,
		"addr":    cfg.Addr,
		"grpc":    cfg.GRPCAddr,
		"store":   cfg.Store,
	}).Info("starting third-space api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http listen")
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.WithError(err).Fatal("grpc listen")
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.WithError(err).Error("grpc serve")
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcSrv.GracefulStop()
	if sweeper != nil {
		sweeper.Stop(ctx)
	}
	if err := dispatcher.Close(ctx); err != nil {
		log.WithError(err).Warn("background tasks abandoned")
	}
	closeLimits()
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("close store")
	}
	log.Info("stopped")
}

func openStore(cfg config.Config) (backend, idempotency.Store, error) {
	if cfg.Store == config.StoreMemory {
		s := memory.New()
		return s, s.Idempotency(), nil
	}
	s, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Idempotency(), nil
}

// buildLimits uses Redis when an address is configured so limits hold across
// replicas; otherwise each process keeps its own counters.
func buildLimits(cfg config.Config, log logrus.FieldLogger) (httpapi.Limits, func()) {
	policy := func(p config.RatePolicy) ratelimit.Policy {
		return ratelimit.Policy{Limit: p.Limit, Window: p.Window}
	}
	rl := cfg.RateLimits
	if cfg.RedisAddr == "" {
		return httpapi.Limits{
			Register:  ratelimit.NewMemory(policy(rl.Register), 0),
			Login:     ratelimit.NewMemory(policy(rl.Login), 0),
			KeyCreate: ratelimit.NewMemory(policy(rl.KeyCreate), 0),
		}, func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable at startup; rate limits fail open until it recovers")
	}
	limits := httpapi.Limits{
		Register:  ratelimit.NewRedis(client, policy(rl.Register), ""),
		Login:     ratelimit.NewRedis(client, policy(rl.Login), ""),
		KeyCreate: ratelimit.NewRedis(client, policy(rl.KeyCreate), ""),
	}
	return limits, func() { _ = client.Close() }
}
