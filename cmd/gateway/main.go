// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nvplatform/gateway/internal/clientauth"
	"github.com/nvplatform/gateway/internal/config"
	"github.com/nvplatform/gateway/internal/forward"
	"github.com/nvplatform/gateway/internal/guard"
	"github.com/nvplatform/gateway/internal/health"
	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/mirror"
	"github.com/nvplatform/gateway/internal/seclog"
	"github.com/nvplatform/gateway/internal/server"
	"github.com/nvplatform/gateway/internal/token"
	"github.com/nvplatform/gateway/internal/version"
	"github.com/nvplatform/gateway/internal/wal"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe logger defaults until the config is loaded.
	log.Configure(log.Config{Level: "info", Service: "nv-gateway", Version: version.Version})
	logger := log.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("configuration invalid")
		os.Exit(1)
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: cfg.ServiceName, Version: version.Version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("gateway failed")
		os.Exit(1)
	}
	logger.Info().Msg("gateway stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	minter, err := token.NewMinter(token.MinterConfig{
		Secret:   []byte(cfg.S2SSecret),
		Issuer:   cfg.S2SIssuer,
		Audience: cfg.S2SAudience,
		TTL:      cfg.S2STTL,
		MaxTTL:   cfg.S2SMaxTTL,
	})
	if err != nil {
		return fmt.Errorf("s2s minter: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
	}

	mir := mirror.New(mirror.Config{
		RegistryBaseURL: cfg.RegistryBaseURL,
		RegistryPath:    cfg.RegistryPath,
		LKGPath:         cfg.LKGPath,
		PollInterval:    cfg.PollInterval,
		PubSubChannel:   cfg.PubSubChannel,
		CallerSlug:      cfg.ServiceName,
		Minter:          minter,
		Redis:           rdb,
	})
	mir.Start(ctx)

	// Client-token verifier. A failed JWKS bootstrap leaves the verifier
	// nil; the auth gate answers 503 for affected routes instead of the
	// process refusing to start, and traffic behind public prefixes keeps
	// flowing.
	var verifier clientauth.TokenVerifier
	if cfg.JWKSURL != "" && !cfg.AuthBypass {
		v, err := clientauth.NewVerifier(ctx, clientauth.VerifierConfig{
			JWKSURL:   cfg.JWKSURL,
			Issuers:   cfg.AuthIssuers,
			Audience:  cfg.AuthAudience,
			ClockSkew: cfg.AuthClockSkew,
		})
		if err != nil {
			logger.Error().Err(err).Msg("jwks bootstrap failed, client auth unavailable")
		} else {
			verifier = v
		}
	}

	dispatcher := wal.NewDispatcher(wal.DispatcherConfig{
		Resolver:    mir,
		Minter:      minter,
		CallerSlug:  cfg.ServiceName,
		SinkSlug:    cfg.SinkSlug,
		SinkVersion: cfg.SinkVersion,
		SinkURL:     cfg.SinkURL,
		SinkPath:    cfg.SinkPath,
		Timeout:     cfg.SinkTimeout,
	})
	journal, err := wal.New(wal.Config{
		Dir:           cfg.WALDir,
		FileMaxMB:     cfg.WALFileMaxMB,
		RetentionDays: cfg.WALRetentionDays,
		RingMax:       cfg.WALRingMax,
		BatchSize:     cfg.WALBatchSize,
		FlushInterval: cfg.WALFlushInterval,
		MaxRetry:      cfg.WALMaxRetry,
		Dispatch:      dispatcher.Dispatch,
	})
	if err != nil {
		return fmt.Errorf("audit wal: %w", err)
	}
	go journal.Run(ctx)

	var counter guard.Counter
	if rdb != nil {
		counter = &guard.RedisCounter{Client: rdb}
	}

	breakers := guard.NewBreakerGroup(guard.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		HalfOpenAfter:    cfg.BreakerHalfOpen,
		MinRTT:           cfg.BreakerMinRTT,
	})
	breakers.SetTuner(func(segment string) (guard.BreakerConfig, bool) {
		svc, ok := mir.Lookup(segment)
		if !ok || svc.Overrides.Breaker == nil {
			return guard.BreakerConfig{}, false
		}
		over := svc.Overrides.Breaker
		return guard.BreakerConfig{
			FailureThreshold: over.FailureThreshold,
			HalfOpenAfter:    time.Duration(over.HalfOpenAfterMS) * time.Millisecond,
			MinRTT:           time.Duration(over.MinRTTMS) * time.Millisecond,
		}, true
	})

	handler := server.Router(server.Deps{
		Config:    cfg,
		Mirror:    mir,
		Forwarder: forward.New(forward.Config{
			Resolver:          mir,
			Minter:            minter,
			CallerSlug:        cfg.ServiceName,
			DownstreamTimeout: cfg.DownstreamTimeout,
		}),
		Audit:            journal,
		Verifier:         verifier,
		Breakers:         breakers,
		SensitiveCounter: counter,
		Health: health.New(health.Config{
			Service:       cfg.ServiceName,
			Env:           cfg.Env,
			Version:       version.Version,
			RequiredSlugs: cfg.ReadinessSlugs,
			ProbeTimeout:  cfg.ProbeTimeout,
			Mirror:        mir,
		}),
		Security: seclog.New(),
	})
	return server.New(cfg.ListenAddr, handler).Start(ctx)
}
