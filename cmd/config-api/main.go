package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cdn-defense/edge/internal/api"
	"github.com/cdn-defense/edge/internal/config"
	"github.com/cdn-defense/edge/internal/core"
	"github.com/cdn-defense/edge/internal/kv"
	"github.com/cdn-defense/edge/internal/syncd"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cold, err := kv.NewEtcdCold(cfg.EtcdEndpoints())
	if err != nil {
		log.Fatalf("Failed to connect cold store: %v", err)
	}
	defer cold.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The admin plane runs its own mirror so sync status and monitor
	// endpoints report real propagation, not just writes.
	node := syncd.NewSynchronizer(cfg.NodeID, cold, syncd.NewCache())
	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to install config mirror: %v", err)
	}
	store := syncd.NewStore(cold)

	pluginDefaults := core.DefensePluginConfig{
		EngineURL:         cfg.Engine.URL,
		EnableJSChallenge: cfg.Engine.EnableJSChallenge,
	}

	server := &http.Server{
		Addr:         ":" + cfg.GlobalPort,
		Handler:      api.NewGlobalServer(cfg.NodeID, store, node, pluginDefaults).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Global Config API starting on port %s (node %s)", cfg.GlobalPort, cfg.NodeID)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}
