package rediscache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nandanugg/marker-tracker/module/core/internal/repository/geocoder"
)

var _ geocoder.AddressResolver = (*Resolver)(nil)

const keyPrefix = "marker-tracker:address:"

// Resolver caches resolved addresses in redis keyed on coordinates rounded to
// five decimals (about one metre). Empty results are not cached.
type Resolver struct {
	next geocoder.AddressResolver
	rdb  *redis.Client
	ttl  time.Duration
}

func NewResolver(next geocoder.AddressResolver, rdb *redis.Client, ttl time.Duration) *Resolver {
	return &Resolver{next: next, rdb: rdb, ttl: ttl}
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%s%.5f:%.5f", keyPrefix, lat, lon)
}

func (r *Resolver) Resolve(ctx context.Context, lat, lon float64) (string, error) {
	key := cacheKey(lat, lon)

	addr, err := r.rdb.Get(ctx, key).Result()
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, redis.Nil) {
		slog.Warn("address cache read failed", "key", key, "error", err)
	}

	addr, err = r.next.Resolve(ctx, lat, lon)
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", nil
	}

	if err := r.rdb.Set(ctx, key, addr, r.ttl).Err(); err != nil {
		slog.Warn("address cache write failed", "key", key, "error", err)
	}
	return addr, nil
}
