package app

import (
	"context"
	"fmt"
)

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessCheck returns the broker readiness check. The broker is the
// only hard runtime dependency: the code host, the generation CLI, and the
// container engine are reached lazily per task.
func BuildReadinessCheck(rdb RedisClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
