package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/berezovskyi/wastebin/cfg"
	"github.com/berezovskyi/wastebin/pkg/keysource"
	"github.com/berezovskyi/wastebin/svc/api"
	"github.com/berezovskyi/wastebin/svc/auth"
	"github.com/berezovskyi/wastebin/svc/cache"
	"github.com/berezovskyi/wastebin/svc/codec"
	"github.com/berezovskyi/wastebin/svc/db"
	"github.com/berezovskyi/wastebin/svc/svc"
	"github.com/berezovskyi/wastebin/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.NewSQLite(os.Getenv("WASTEBIN_DATABASE_PATH"))
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()
		if err := sqlDB.Ping(ctx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Missing .env is fine, the environment itself is authoritative.
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting wastebin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, err := keysource.NewResolver(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secret resolver")
		os.Exit(1)
	}
	if c.SigningSecret.Value() == "" {
		secret, err := resolver.Resolve(ctx, "WASTEBIN_SIGNING_SECRET", "signing-secret")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to resolve signing secret")
			os.Exit(1)
		}
		c.SigningSecret = cfg.NewSecret(secret)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	contentKey, err := resolver.ResolveContentKey(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to resolve content key")
		os.Exit(1)
	}
	cdc, err := codec.New(contentKey)
	if err != nil {
		util.Wipe(contentKey)
		util.Fatal().Err(err).Msg("failed to initialize content codec")
		os.Exit(1)
	}
	util.Info().Bool("encryption", contentKey != nil).Msg("content codec initialized")

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c.RedisTimeout)
		if err != nil {
			util.Warn().Err(err).Msg("redis unavailable, markup tier disabled")
			rdb = nil
		} else {
			util.Info().Msg("redis markup tier connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	hl, err := cache.NewHighlight(c.CacheSize, nil, rdb)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create highlight cache")
		os.Exit(1)
	}
	util.Info().Int("capacity", c.CacheSize).Msg("highlight cache initialized")

	issuer, err := auth.NewIssuer(c.SigningSecret.Bytes(), c.Issuer, c.TokenValidity)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize token issuer")
		os.Exit(1)
	}

	pasteSvc := svc.NewPaste(sqlDB, hl, cdc, issuer, c)
	util.Info().Msg("paste service initialized")

	server := api.NewServer(c, pasteSvc, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)

	if err := svc.StartSweeper(ctx, sqlDB, c.SweepInterval); err != nil {
		util.Error().Err(err).Msg("failed to start expiry sweeper")
	} else {
		util.Info().Dur("interval", c.SweepInterval).Msg("expiry sweeper started")
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}
