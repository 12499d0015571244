// Package cmd assembles and runs the gateway service: backend clients,
// conversation store, routing table, breakers, the HTTP server, the config
// watcher, and coordinated shutdown.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modelbridge/modelbridge/internal/api"
	"github.com/modelbridge/modelbridge/internal/api/handlers"
	"github.com/modelbridge/modelbridge/internal/backend"
	"github.com/modelbridge/modelbridge/internal/backend/azure"
	"github.com/modelbridge/modelbridge/internal/backend/bedrock"
	"github.com/modelbridge/modelbridge/internal/config"
	"github.com/modelbridge/modelbridge/internal/conversation"
	"github.com/modelbridge/modelbridge/internal/resilience"
	"github.com/modelbridge/modelbridge/internal/router"
	"github.com/modelbridge/modelbridge/internal/watcher"

	// Dialect pipelines register themselves on import.
	_ "github.com/modelbridge/modelbridge/internal/translator"
)

const shutdownTimeout = 30 * time.Second

// StartService wires the gateway from configuration and blocks until a
// shutdown signal arrives.
func StartService(cfg *config.Config, configPath string) {
	backends, err := buildBackends(cfg)
	if err != nil {
		log.Fatalf("failed to initialize backends: %v", err)
	}
	if len(backends) == 0 {
		log.Fatal("no backend configured: set azure or bedrock credentials")
	}

	store := conversation.NewStore(conversation.Options{
		MaxAge:          cfg.Conversation.MaxAge(),
		CleanupInterval: cfg.Conversation.CleanupInterval(),
		MaxStored:       cfg.Conversation.MaxStored,
	})

	configured := make([]string, 0, len(backends))
	for provider := range backends {
		configured = append(configured, provider)
	}
	table := router.NewTable(cfg.Routes, defaultProvider(backends), defaultModel(cfg), configured)

	breakers := resilience.NewRegistry(resilience.BreakerOptions{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
	})

	base := handlers.NewBaseHandler(cfg, store, table, breakers, backends)
	server := api.NewServer(cfg, base, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configPath != "" {
		configWatcher, errWatch := watcher.NewWatcher(configPath, server.UpdateConfig)
		if errWatch != nil {
			log.Warnf("config watcher unavailable: %v", errWatch)
		} else if errStart := configWatcher.Start(ctx); errStart != nil {
			log.Warnf("config watcher failed to start: %v", errStart)
		} else {
			defer func() { _ = configWatcher.Stop() }()
		}
	}

	go func() {
		log.Infof("starting API server on port %d", cfg.Port)
		if errServe := server.Start(); errServe != nil {
			log.Fatalf("API server failed: %v", errServe)
		}
	}()

	if client, ok := backends[router.ProviderBedrock]; ok {
		go probeBedrock(ctx, client)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal, cleaning up...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("error stopping API server: %v", err)
	}
	for provider, client := range backends {
		log.Debugf("draining %s backend resources", provider)
		client.Shutdown()
	}
	store.Shutdown()
	log.Info("cleanup completed, exiting")
}

func buildBackends(cfg *config.Config) (map[string]backend.Client, error) {
	backends := make(map[string]backend.Client)

	if cfg.Azure.BaseURL != "" {
		client, err := azure.New(azure.Options{
			BaseURL:    cfg.Azure.BaseURL,
			APIKey:     cfg.Azure.APIKey,
			Deployment: cfg.Azure.Deployment,
			Timeout:    cfg.Azure.Timeout(),
			MaxRetries: cfg.Azure.MaxRetries,
			ProxyURL:   cfg.ProxyURL,
		})
		if err != nil {
			return nil, err
		}
		backends[router.ProviderAzure] = client
		log.Info("azure backend configured")
	}

	if cfg.Bedrock.Enabled() {
		client, err := bedrock.New(bedrock.Options{
			Region:     cfg.Bedrock.Region,
			APIKey:     cfg.Bedrock.APIKey,
			Timeout:    cfg.Bedrock.Timeout(),
			MaxRetries: cfg.Bedrock.MaxRetries,
			ProxyURL:   cfg.ProxyURL,
		})
		if err != nil {
			return nil, err
		}
		backends[router.ProviderBedrock] = client
		log.Infof("bedrock backend configured for region %s", cfg.Bedrock.Region)
	}

	return backends, nil
}

func defaultProvider(backends map[string]backend.Client) string {
	if _, ok := backends[router.ProviderAzure]; ok {
		return router.ProviderAzure
	}
	return router.ProviderBedrock
}

func defaultModel(cfg *config.Config) string {
	if cfg.Azure.BaseURL != "" {
		return cfg.Azure.Deployment
	}
	return cfg.Bedrock.Model
}

// probeBedrock verifies Bedrock reachability once at startup; failures are
// logged, not fatal, since the breaker guards per-request traffic.
func probeBedrock(ctx context.Context, client backend.Client) {
	checker, ok := client.(interface{ HealthCheck(context.Context) error })
	if !ok {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := checker.HealthCheck(probeCtx); err != nil {
		log.Warnf("bedrock health check failed: %v", err)
		return
	}
	log.Info("bedrock health check passed")
}
