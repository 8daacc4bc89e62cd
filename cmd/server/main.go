// Package main is the entry point for the market data service: CSV price
// ingestion, a queryable price store, and a strategy backtesting engine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/marketdata/internal/config"
	"github.com/aristath/marketdata/internal/database"
	"github.com/aristath/marketdata/internal/maintenance"
	"github.com/aristath/marketdata/internal/modules/backtest"
	"github.com/aristath/marketdata/internal/modules/imports"
	"github.com/aristath/marketdata/internal/modules/prices"
	"github.com/aristath/marketdata/internal/server"
	"github.com/aristath/marketdata/internal/symbolcache"
	"github.com/aristath/marketdata/internal/work"
	"github.com/aristath/marketdata/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("app", cfg.AppName).Msg("Starting market data service")

	db, err := database.New(database.Config{
		Path: cfg.DatabasePath,
		Name: cfg.AppName,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	ctx := context.Background()

	// Repositories and schema
	priceRepo := prices.NewRepository(db.Conn(), log)
	importRepo := imports.NewRepository(db.Conn(), log)
	if err := priceRepo.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure price schema")
	}
	if err := importRepo.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure import schema")
	}

	// Symbol index cache fronting the expensive distinct-symbols query
	cache := symbolcache.New(priceRepo.DistinctSymbols, symbolcache.DefaultTTL)

	// Services
	executor := work.NewExecutor(log)
	importService := imports.NewService(importRepo, priceRepo, cache, cfg.CSVChunkSize, log)
	engine := backtest.NewEngine(priceRepo, log)

	// Clean up anything a previous process left half-done before serving.
	if err := importService.RecoverOrphans(ctx); err != nil {
		log.Fatal().Err(err).Msg("Startup recovery failed")
	}

	// Maintenance jobs
	scheduler := maintenance.New(log)
	if err := scheduler.AddJob("@hourly", &maintenance.WALCheckpointJob{DB: db}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register WAL checkpoint job")
	}
	if err := scheduler.AddJob("@every 10m", &maintenance.CacheWarmJob{Cache: cache}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache warm job")
	}
	scheduler.Start()

	srv := server.New(server.Config{
		Log:             log,
		Cfg:             cfg,
		DB:              db,
		PricesHandler:   prices.NewHandler(priceRepo, cache, log),
		ImportsHandler:  imports.NewHandler(importRepo, importService, executor, log),
		BacktestHandler: backtest.NewHandler(engine, priceRepo, log),
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("HTTP server failed")
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Let in-flight imports and delete cascades finish before closing the DB.
	if err := executor.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Background jobs did not drain in time")
	}

	scheduler.Stop()

	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}

	log.Info().Msg("Shutdown complete")
}
