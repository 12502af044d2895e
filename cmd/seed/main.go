package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/resellermentor/internal/repository/postgres"
	"github.com/splax/resellermentor/internal/service/supplies"
	"github.com/splax/resellermentor/pkg/config"
	"github.com/splax/resellermentor/pkg/logger"
)

func main() {
	file := flag.String("file", "supplies.yaml", "YAML file listing recommended supplies")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	flag.Parse()

	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("seed", logger.ParseLevel(cfg.LogLevel))

	f, err := os.Open(*file)
	if err != nil {
		log.Error("failed to open seed file", "file", *file, "error", err)
		os.Exit(1)
	}
	items, err := supplies.ParseSeed(f)
	f.Close()
	if err != nil {
		log.Error("failed to parse seed file", "file", *file, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	svc := supplies.New(postgres.New(pool), log)
	n, err := svc.Seed(ctx, items)
	if err != nil {
		log.Error("seed failed", "written", n, "error", err)
		os.Exit(1)
	}
	log.Info("seed completed", "file", *file, "written", n)
}
