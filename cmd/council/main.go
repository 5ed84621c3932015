// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the LLM council service.
//
// The service runs every question through a council of models: parallel
// exploration, grounding, an optional technical review, cross-pollination,
// anonymized peer critique with ranking, and a chairman synthesis, with
// safety gates on the way in and out.
//
// Usage:
//
//	./council -config config.yaml
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8001)
//	OPENROUTER_API_KEY - generic chat-completions key
//	GOOGLE_API_KEY - enables the direct Gemini route (optional)
//	BEDROCK_REGION - enables the direct Bedrock route (optional)
//	RATE_LIMIT_BACKEND - memory | redis
//	STORAGE_BACKEND - file | mongodb | postgres | mysql
//	ATTACHMENTS_BACKEND - local | s3 | gcs | azblob
//	AWS_SECRET_ARN - JSON secret with provider keys (optional)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"llmcouncil/attachments"
	"llmcouncil/config"
	"llmcouncil/council"
	"llmcouncil/llm"
	"llmcouncil/llm/bedrock"
	"llmcouncil/llm/gemini"
	"llmcouncil/llm/openrouter"
	"llmcouncil/metrics"
	"llmcouncil/ratelimit"
	"llmcouncil/safety"
	"llmcouncil/server"
	"llmcouncil/shared/logger"
	"llmcouncil/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("COUNCIL_CONFIG"), "path to YAML config file")
	flag.Parse()

	log := logger.New("council")
	if err := run(*configPath, log); err != nil {
		log.Error("", "", "council service failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(configPath string, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Secrets.AWSSecretARN != "" {
		client, err := config.NewAWSSecretsClient(ctx, cfg.Secrets.Region)
		if err != nil {
			return err
		}
		filled, err := config.ApplySecrets(ctx, cfg, client)
		if err != nil {
			return err
		}
		log.Info("", "", "credentials loaded from secrets manager", map[string]interface{}{"fields": filled})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	uploads, resolver, err := buildAttachments(ctx, cfg.Attachments)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(ctx, cfg.Gateway, resolver, log)
	if err != nil {
		return err
	}
	gateway := llm.NewGateway(registry,
		llm.WithFallbacks(llm.NewFallbackChain(cfg.Gateway.Fallbacks, cfg.Gateway.MaxFallbackHops)),
		llm.WithFallthrough(cfg.Gateway.Fallthrough()),
		llm.WithDefaultTimeout(cfg.Council.ModelTimeout),
		llm.WithObserver(m),
		llm.WithLogger(log.With("gateway")),
	)
	dispatcher := llm.NewDispatcher(gateway, cfg.Council.ModelTimeout)
	dispatcher.Interval = cfg.Dispatch.StaggerInterval
	dispatcher.Jitter = cfg.Dispatch.StaggerJitter

	orchestrator := council.New(cfg.Council, safety.NewGate(), dispatcher, gateway,
		council.WithObserver(m),
		council.WithLogger(log.With("council")),
	)

	limiter, closeLimiter, err := buildLimiter(ctx, cfg.RateLimit, log)
	if err != nil {
		return err
	}
	defer closeLimiter()

	store, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	conversations := storage.NewConversations(store, log.With("storage"))
	defer conversations.Close()

	srv := server.New(server.Deps{
		Council:        orchestrator,
		Conversations:  conversations,
		Uploads:        uploads,
		Limiter:        limiter,
		RateLimits:     cfg.RateLimit,
		Metrics:        m,
		JWTSecret:      cfg.Server.JWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log.With("server"),
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "council service listening", map[string]interface{}{
			"port":           cfg.Server.Port,
			"explore_models": cfg.Council.ExploreModels,
			"chairman":       cfg.Council.ChairmanModel,
			"storage":        cfg.Storage.Backend,
			"attachments":    cfg.Attachments.Backend,
			"rate_limit":     cfg.RateLimit.Backend,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildRegistry(ctx context.Context, cfg config.GatewayConfig, resolver llm.AttachmentResolver, log *logger.Logger) (*llm.Registry, error) {
	generic := openrouter.New(openrouter.Config{
		APIKey: cfg.OpenRouterAPIKey,
		URL:    cfg.OpenRouterURL,
		Title:  cfg.OpenRouterTitle,
	}, resolver, log.With("gateway.openrouter"))
	registry := llm.NewRegistry(generic)

	retry := llm.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Retryable:   llm.IsTransient,
	}

	if cfg.GoogleAPIKey != "" {
		t, err := gemini.New(gemini.Config{APIKey: cfg.GoogleAPIKey}, resolver, log.With("gateway.gemini"))
		if err != nil {
			return nil, err
		}
		registry.Register(llm.Route{
			Name:      "gemini",
			Match:     llm.PrefixMatcher(llm.GoogleModelPrefixes...),
			Transport: t,
			Retry:     retry,
			Direct:    true,
			Rewrite:   llm.GoogleModelName,
		})
	}

	if cfg.BedrockRegion != "" {
		t, err := bedrock.New(ctx, cfg.BedrockRegion, resolver, log.With("gateway.bedrock"))
		if err != nil {
			return nil, err
		}
		registry.Register(llm.Route{
			Name:      "bedrock",
			Match:     llm.PrefixMatcher("bedrock/"),
			Transport: t,
			Retry:     retry,
			Direct:    true,
			Rewrite:   llm.BedrockModelName,
		})
	}
	return registry, nil
}

// buildAttachments returns the upload store plus a resolver that can read
// any reference the service may have written, including local uploads made
// before the backend was switched.
func buildAttachments(ctx context.Context, cfg config.AttachmentsConfig) (attachments.Store, *attachments.Resolver, error) {
	local, err := attachments.NewLocalStore(cfg.Dir)
	if err != nil {
		return nil, nil, err
	}

	var store attachments.Store
	switch cfg.Backend {
	case "local":
		store = local
	case "s3":
		store, err = attachments.NewS3Store(ctx, attachments.S3Config{
			Bucket:         cfg.Bucket,
			Prefix:         cfg.Prefix,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			ForcePathStyle: cfg.ForcePathStyle,
		})
	case "gcs":
		store, err = attachments.NewGCSStore(ctx, attachments.GCSConfig{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
			Endpoint:        cfg.Endpoint,
		})
	case "azblob":
		store, err = attachments.NewAzureBlobStore(attachments.AzureConfig{
			AccountName:      cfg.AccountName,
			AccountKey:       cfg.AccountKey,
			ConnectionString: cfg.ConnectionString,
			Container:        cfg.Container,
			Prefix:           cfg.Prefix,
		})
	default:
		err = fmt.Errorf("unknown attachments backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	return store, attachments.NewResolver(local, store), nil
}

func buildLimiter(ctx context.Context, cfg config.RateLimitConfig, log *logger.Logger) (ratelimit.Limiter, func(), error) {
	switch cfg.Backend {
	case "redis":
		l, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, cfg.Window, log.With("ratelimit"))
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return ratelimit.NewMemoryLimiter(cfg.Window), func() {}, nil
	}
}

func buildStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "file":
		return storage.NewFileStore(cfg.Dir)
	case "mongodb":
		return storage.NewMongoStore(ctx, cfg.URI, cfg.Database)
	case "postgres":
		return storage.OpenSQL(ctx, storage.Postgres, cfg.URI)
	case "mysql":
		return storage.OpenSQL(ctx, storage.MySQL, cfg.URI)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
