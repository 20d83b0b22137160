package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cdn-defense/edge/internal/api"
	"github.com/cdn-defense/edge/internal/cluster"
	"github.com/cdn-defense/edge/internal/config"
	"github.com/cdn-defense/edge/internal/core"
	"github.com/cdn-defense/edge/internal/defense"
	"github.com/cdn-defense/edge/internal/kv"
	"github.com/cdn-defense/edge/internal/syncd"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	hot, err := kv.NewRedisHot(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect hot store: %v", err)
	}
	defer hot.Close()

	cold, err := kv.NewEtcdCold(cfg.EtcdEndpoints())
	if err != nil {
		log.Fatalf("Failed to connect cold store: %v", err)
	}
	defer cold.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := syncd.NewSynchronizer(cfg.NodeID, cold, syncd.NewCache())
	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to install config mirror: %v", err)
	}
	store := syncd.NewStore(cold)

	bus := cluster.NewBus(hot, cfg.NodeID)
	if err := bus.Start(ctx); err != nil {
		log.Printf("Event bus unavailable, running node-local: %v", err)
	}

	metrics := defense.NewMetrics()

	// FAIL_CLOSED forces the strict failure policy on every tenant of
	// this node, whatever their stored policy says.
	var policies defense.PolicyProvider = node
	if cfg.FailClosed {
		policies = defense.PolicyFunc(func(tenantID string) core.TenantPolicy {
			policy := node.EffectivePolicy(tenantID)
			policy.FailClosed = true
			return policy
		})
	}

	engine := defense.NewEngine(defense.EngineOptions{
		Hot:      hot,
		Policies: policies,
		Bus:      bus,
		Metrics:  metrics,
	})
	challenges := defense.NewChallengeManager(
		hot,
		defense.NewFingerprintValidator(hot),
		defense.NewBotDetector(hot),
		engine.Trust(),
	)

	// Denylist adds announced by sibling nodes apply locally without a
	// config store round trip.
	bus.Subscribe(cluster.EventBlacklistUpdate, func(ctx context.Context, msg cluster.Message) {
		if msg.NodeID == cfg.NodeID {
			return
		}
		var update struct {
			TenantID string `json:"tenant_id"`
			IP       string `json:"ip"`
			Reason   string `json:"reason"`
			Duration int    `json:"duration"`
		}
		if err := json.Unmarshal(msg.Payload, &update); err != nil || update.IP == "" {
			return
		}
		err := engine.ApplyBlacklistUpdate(ctx, update.TenantID, update.IP, update.Reason,
			time.Duration(update.Duration)*time.Second)
		if err != nil {
			log.Printf("Failed to apply remote blacklist update for %s: %v", update.IP, err)
		}
	})

	server := &http.Server{
		Addr: ":" + cfg.APIPort,
		Handler: api.NewDecisionServer(
			cfg.NodeID, hot, engine, challenges, node, store, bus, metrics,
		).Handler(),
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
		bus.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Defense API starting on port %s (node %s)", cfg.APIPort, cfg.NodeID)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}
