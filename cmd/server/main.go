// Command server starts the MindAtlas HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindatlas/mindatlas/internal/adapter/ai/openai"
	"github.com/mindatlas/mindatlas/internal/adapter/ai/tokencount"
	"github.com/mindatlas/mindatlas/internal/adapter/httpserver"
	"github.com/mindatlas/mindatlas/internal/adapter/objstore/minio"
	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/adapter/rag/lightrag"
	"github.com/mindatlas/mindatlas/internal/adapter/repo/postgres"
	"github.com/mindatlas/mindatlas/internal/app"
	"github.com/mindatlas/mindatlas/internal/config"
	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/ratelimiter"
	"github.com/mindatlas/mindatlas/internal/service/retrieval"
	"github.com/mindatlas/mindatlas/internal/service/skill"
	"github.com/mindatlas/mindatlas/internal/service/tool"
	"github.com/mindatlas/mindatlas/internal/usecase"
	"github.com/mindatlas/mindatlas/pkg/secretbox"
)

// redisPinger adapts *redis.Client to the readiness probe interface.
type redisPinger struct{ *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, cfg.DBURL); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	entryRepo := postgres.NewEntryRepo(pool)
	typeRepo := postgres.NewEntryTypeRepo(pool)
	tagRepo := postgres.NewTagRepo(pool)
	relTypeRepo := postgres.NewRelationTypeRepo(pool)
	relRepo := postgres.NewRelationRepo(pool)
	attachRepo := postgres.NewAttachmentRepo(pool)
	convRepo := postgres.NewConversationRepo(pool)
	skillRepo := postgres.NewSkillRepo(pool)
	toolRepo := postgres.NewToolRepo(pool)
	credRepo := postgres.NewCredentialRepo(pool)

	box, err := secretbox.New(cfg.SecretKey)
	if err != nil {
		slog.Error("SECRET_KEY is required", slog.Any("error", err))
		os.Exit(1)
	}

	aiAdmin := usecase.NewAiAdminService(credRepo, box)

	// The assistant binding in the database wins over env defaults; env
	// keeps a fresh install usable before any admin setup happened.
	maxElapsed, initialInterval, maxInterval, multiplier := cfg.GetAIBackoffConfig()
	llmOpts := openai.Options{
		BaseURL: cfg.OpenAIBaseURL,
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.ChatModel,
		Backoff: openai.BackoffConfig{
			MaxElapsedTime:  maxElapsed,
			InitialInterval: initialInterval,
			MaxInterval:     maxInterval,
			Multiplier:      multiplier,
		},
	}
	switch rm, err := credRepo.ResolveBinding(ctx, domain.ComponentAssistant, domain.ModelTypeLLM); {
	case err == nil:
		key, kerr := aiAdmin.ResolveAPIKey(rm)
		if kerr != nil {
			slog.Warn("bound model key unreadable, using env defaults", slog.Any("error", kerr))
		} else {
			llmOpts.BaseURL = rm.BaseURL
			llmOpts.APIKey = key
			llmOpts.Model = rm.Model.Name
			slog.Info("assistant model resolved from binding", slog.String("model", rm.Model.Name))
		}
	case errors.Is(err, domain.ErrNotFound):
		slog.Info("no assistant binding, using env defaults", slog.String("model", cfg.ChatModel))
	default:
		slog.Warn("binding resolution failed, using env defaults", slog.Any("error", err))
	}
	llm := openai.New(llmOpts)

	store, err := minio.New(minio.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		slog.Error("object store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	engine := lightrag.New(lightrag.Options{BaseURL: cfg.LightRAGURL, APIKey: cfg.LightRAGAPIKey})
	retr := retrieval.New(engine, llm, entryRepo, relTypeRepo, relRepo, retrieval.Options{
		MaxConcurrency: cfg.RetrievalMaxConcurrency,
		Timeout:        cfg.RetrievalTimeout,
		CacheTTL:       cfg.RetrievalCacheTTL,
		CacheSize:      cfg.RetrievalCacheSize,
		EnableRerank:   cfg.RerankEnabled,
	})

	// Tools and skills. kb_search only exists when the knowledge graph
	// feature is on; prefetch and agent calls degrade cleanly without it.
	guard := tool.NewGuard()
	invoker := tool.NewRemoteInvoker(guard, box)
	registry := tool.NewRegistry(toolRepo, invoker)
	if cfg.LightRAGEnabled {
		registry.RegisterLocal(tool.NewKBSearch(retr))
	}

	systemSkills, err := skill.SystemSkills()
	if err != nil {
		slog.Error("system skill catalogue failed", slog.Any("error", err))
		os.Exit(1)
	}
	router := skill.NewRouter(llm, skillRepo, systemSkills)
	executor := skill.NewExecutor(llm, registry, tokencount.NewCounter(), skill.Options{
		KBPrefetchTimeout: cfg.KBPrefetchTimeout,
		KBTokenBudget:     cfg.KBInjectMaxTokens,
		Model:             llmOpts.Model,
	})

	// Usecases
	entries := usecase.NewEntryService(entryRepo, typeRepo, tagRepo)
	taxonomy := usecase.NewTaxonomyService(tagRepo, typeRepo, relTypeRepo)
	relations := usecase.NewRelationService(relRepo, relTypeRepo, entryRepo)
	attachments := usecase.NewAttachmentService(attachRepo, entryRepo, store, usecase.AttachmentPolicy{
		MaxSizeBytes: cfg.MaxFileSizeBytes(),
		Indexable:    cfg.MIMEIndexable,
	})
	conversations := usecase.NewConversationService(convRepo)
	chat := usecase.NewChatService(convRepo, router, executor, llm)
	skillAdmin := usecase.NewSkillAdminService(skillRepo, toolRepo)
	toolAdmin := usecase.NewToolAdminService(toolRepo, guard, box)

	srv := httpserver.NewServer(cfg, entries, taxonomy, relations, attachments, conversations, chat, retr, aiAdmin, skillAdmin, toolAdmin)

	// Readiness probes the endpoints actually in use, so the probe config
	// carries the resolved AI base URL rather than the raw env one.
	probeCfg := cfg
	probeCfg.OpenAIBaseURL = llmOpts.BaseURL
	probeCfg.OpenAIAPIKey = llmOpts.APIKey
	checks := app.BuildReadinessChecks(probeCfg, pool, redisPinger{rdb}, store.Ping, engine.Init)
	srv.DBCheck = checks.DB
	srv.RedisCheck = checks.Redis
	srv.StoreCheck = checks.ObjStore
	srv.EngineCheck = checks.KGEngine
	srv.AICheck = checks.AI

	limiter := ratelimiter.NewRedisLuaLimiter(rdb, pool, map[string]ratelimiter.BucketConfig{
		"api": ratelimiter.PerMinute(cfg.RateLimitPerMin),
	})
	if err := limiter.WarmFromPostgres(ctx); err != nil {
		slog.Warn("rate limit warm failed", slog.Any("error", err))
	}
	var shared app.SharedLimiter
	if limiter != nil {
		shared = limiter.Allow
	}

	handler := app.BuildRouter(cfg, srv, shared)

	bgCtx, stopBg := context.WithCancel(ctx)
	defer stopBg()
	if cfg.SchedulerEnabled {
		longest := cfg.EntryLockTTLSec
		if cfg.AttachmentLockTTLSec > longest {
			longest = cfg.AttachmentLockTTLSec
		}
		if cfg.ParseLockTTLSec > longest {
			longest = cfg.ParseLockTTLSec
		}
		sweeper := app.NewOutboxSweeper(postgres.NewOutboxMaintenance(pool), 10*time.Duration(longest)*time.Second)
		go sweeper.Run(bgCtx)
		slog.Info("outbox sweeper started")
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopBg()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	slog.Info("server stopped")
}
