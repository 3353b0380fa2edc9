package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mindatlas/mindatlas/internal/config"
)

// Pinger is the minimal interface of a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal Redis surface readiness needs.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// ReadinessChecks bundles the dependency probes for /readyz.
type ReadinessChecks struct {
	DB       func(ctx context.Context) error
	Redis    func(ctx context.Context) error
	ObjStore func(ctx context.Context) error
	KGEngine func(ctx context.Context) error
	AI       func(ctx context.Context) error
}

// BuildReadinessChecks assembles the probes. Nil inputs leave the matching
// probe nil, which the handler skips. engineHealth is typically the LightRAG
// client's health call; it is only wired when the feature flag is on.
func BuildReadinessChecks(cfg config.Config, pool Pinger, rdb RedisClient, storePing func(ctx context.Context) error, engineHealth func(ctx context.Context) error) ReadinessChecks {
	checks := ReadinessChecks{}
	if pool != nil {
		checks.DB = func(ctx context.Context) error { return pool.Ping(ctx) }
	}
	if rdb != nil {
		checks.Redis = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	checks.ObjStore = storePing
	if cfg.LightRAGEnabled {
		checks.KGEngine = engineHealth
	}
	if cfg.OpenAIBaseURL != "" {
		checks.AI = func(ctx context.Context) error {
			client := &http.Client{Timeout: 2 * time.Second}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.OpenAIBaseURL+"/models", nil)
			if err != nil {
				return err
			}
			if cfg.OpenAIAPIKey != "" {
				req.Header.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			// Reachability is the question, not authorization: 4xx still
			// proves the endpoint is up.
			if resp.StatusCode >= 500 {
				return fmt.Errorf("ai endpoint status %d", resp.StatusCode)
			}
			return nil
		}
	}
	return checks
}
