// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command cellpipe starts the single-cell analysis API server.
//
// The server exposes eight analysis tools over HTTP. Each tool targets a
// stage of a fixed pipeline DAG; missing prerequisites are executed
// automatically, and stage outputs are cached in memory and in an
// embedded BadgerDB so repeated analyses replay instead of recomputing.
//
// Usage:
//
//	go run ./cmd/cellpipe
//	go run ./cmd/cellpipe -config config.yaml
//	go run ./cmd/cellpipe -addr :9090 -dataset /data/pbmc3k
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/health
//
//	# List tools
//	curl http://localhost:8080/v1/analysis/tools | jq
//
//	# Run the whole pipeline
//	curl -X POST http://localhost:8080/v1/analysis/tools/complete_pipeline \
//	  -H "Content-Type: application/json" \
//	  -d '{"overrides":{"cluster":{"resolution":0.8}}}'
//
//	# Re-cluster at a different resolution
//	curl -X POST http://localhost:8080/v1/analysis/tools/cluster \
//	  -H "Content-Type: application/json" \
//	  -d '{"resolution":1.2}'
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/cellpipe/pkg/logging"
	"github.com/AleutianAI/cellpipe/services/analysis/cache"
	"github.com/AleutianAI/cellpipe/services/analysis/config"
	"github.com/AleutianAI/cellpipe/services/analysis/dispatcher"
	"github.com/AleutianAI/cellpipe/services/analysis/execution"
	"github.com/AleutianAI/cellpipe/services/analysis/resolver"
	"github.com/AleutianAI/cellpipe/services/analysis/server"
	"github.com/AleutianAI/cellpipe/services/analysis/session"
	"github.com/AleutianAI/cellpipe/services/analysis/stages"
	"github.com/AleutianAI/cellpipe/services/analysis/storage/badgerdb"
)

// sessionSweepInterval is how often expired sessions are reaped.
const sessionSweepInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dataset := flag.String("dataset", "", "Default dataset directory (overrides config)")
	inMemory := flag.Bool("in-memory", false, "Use an in-memory artifact store (no persistence)")
	debug := flag.Bool("debug", false, "Enable debug logging and Gin debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Default().Error("load configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	if *dataset != "" {
		cfg.Dataset.DefaultPath = *dataset
	}
	if *inMemory {
		cfg.Storage.InMemory = true
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "analysis",
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		logging.Default().Error("initialize logging", "error", err)
		os.Exit(1)
	}
	defer logger.Close()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := badgerdb.OpenDB(badgerdb.Config{
		Path:           cfg.Storage.Path,
		InMemory:       cfg.Storage.InMemory,
		SyncWrites:     cfg.Storage.SyncWrites,
		GCInterval:     cfg.Storage.GCInterval.Std(),
		GCDiscardRatio: cfg.Storage.GCDiscardRatio,
		Logger:         logger.Logger,
	})
	if err != nil {
		logger.Error("open artifact store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	artifactCache := cache.New(db, cache.Options{
		MemoryMaxEntries: cfg.Cache.MemoryMaxEntries,
		MemoryMaxBytes:   cfg.Cache.MemoryMaxBytes,
		MemoryTTL:        cfg.Cache.MemoryTTL.Std(),
		DiskTTL:          cfg.Cache.DiskTTL.Std(),
		SweepInterval:    cfg.Cache.SweepInterval.Std(),
	}, logger.Logger)
	defer artifactCache.Close()

	graph, err := stages.NewGraph()
	if err != nil {
		logger.Error("build stage graph", "error", err)
		os.Exit(1)
	}

	res, err := resolver.New(resolver.Config{
		Graph:          graph,
		Cache:          artifactCache,
		Charts:         stages.SVGRenderer{},
		ArtifactsDir:   cfg.Dataset.ArtifactsDir,
		DefaultDataset: cfg.Dataset.DefaultPath,
		Logger:         logger.Logger,
	})
	if err != nil {
		logger.Error("build resolver", "error", err)
		os.Exit(1)
	}

	disp, err := dispatcher.New(dispatcher.Config{
		Resolver:      res,
		Manager:       execution.NewManager(),
		Graph:         graph,
		MaxConcurrent: cfg.Dispatcher.MaxConcurrent,
		Timeout:       cfg.Dispatcher.Timeout.Std(),
		Logger:        logger.Logger,
	})
	if err != nil {
		logger.Error("build dispatcher", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(cfg.Sessions.TTL.Std())
	srv := server.New(disp, sessions, artifactCache, cfg.Sessions.Scoped, logger.Logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Router(),
	}

	// Reap idle sessions and tear down their contexts.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				for _, id := range sessions.Sweep() {
					disp.Teardown(id)
					logger.Info("expired session removed", "session_id", id)
				}
			}
		}
	}()
	defer close(sweepDone)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting analysis server",
			"address", cfg.Server.ListenAddr,
			"dataset", cfg.Dataset.DefaultPath,
			"scoped_sessions", cfg.Sessions.Scoped)
		errCh <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Std())
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}
}
