// Package cache mirrors hot engine state into Redis so a restart can resume
// the circuit breaker and tuned parameters without replaying history.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/circuit"
	"crypto-signal-engine/internal/trade"
)

const (
	keyBreakerSnapshot = "engine:breaker:snapshot"
	keyRiskParams      = "engine:risk:params"
	keyAssetBias       = "engine:risk:bias"

	stateTTL = 48 * time.Hour
)

// StateCache persists engine state with graceful degradation: a dead Redis
// returns errors the engine logs and ignores, it never stops trading.
type StateCache struct {
	client *redis.Client
	log    zerolog.Logger
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*StateCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &StateCache{
		client: client,
		log:    log.With().Str("component", "cache").Logger(),
	}, nil
}

// Close releases the Redis connection.
func (c *StateCache) Close() error {
	return c.client.Close()
}

// SaveBreakerSnapshot mirrors the breaker state.
func (c *StateCache) SaveBreakerSnapshot(ctx context.Context, snap circuit.Snapshot) error {
	return c.setJSON(ctx, keyBreakerSnapshot, snap)
}

// LoadBreakerSnapshot returns the mirrored breaker state. A cache miss
// returns (nil, nil).
func (c *StateCache) LoadBreakerSnapshot(ctx context.Context) (*circuit.Snapshot, error) {
	var snap circuit.Snapshot
	found, err := c.getJSON(ctx, keyBreakerSnapshot, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// SaveRiskParams mirrors the current tuned parameters.
func (c *StateCache) SaveRiskParams(ctx context.Context, params trade.RiskParameters) error {
	return c.setJSON(ctx, keyRiskParams, params)
}

// LoadRiskParams returns the mirrored parameters. A cache miss returns
// (nil, nil).
func (c *StateCache) LoadRiskParams(ctx context.Context) (*trade.RiskParameters, error) {
	var params trade.RiskParameters
	found, err := c.getJSON(ctx, keyRiskParams, &params)
	if err != nil || !found {
		return nil, err
	}
	return &params, nil
}

// SaveAssetBias mirrors the per-instrument bias map.
func (c *StateCache) SaveAssetBias(ctx context.Context, bias map[string]float64) error {
	return c.setJSON(ctx, keyAssetBias, bias)
}

// LoadAssetBias returns the mirrored bias map, or nil on a miss.
func (c *StateCache) LoadAssetBias(ctx context.Context) (map[string]float64, error) {
	var bias map[string]float64
	found, err := c.getJSON(ctx, keyAssetBias, &bias)
	if err != nil || !found {
		return nil, err
	}
	return bias, nil
}

func (c *StateCache) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, stateTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *StateCache) getJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}
