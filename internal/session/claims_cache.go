// Package session caches verified identity claims so repeat requests within a
// token's lifetime skip the identity provider round trip.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"holonote/api/internal/idp"
)

// ClaimsCache stores verified claims in Redis, keyed by a hash of the bearer
// token. Tokens themselves are never written to Redis.
type ClaimsCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewClaimsCache(redisURL string, ttl time.Duration) (*ClaimsCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &ClaimsCache{client: client, prefix: "claims:", ttl: ttl}, nil
}

// NewClaimsCacheWithClient creates a cache from an existing Redis client.
func NewClaimsCacheWithClient(client *redis.Client, ttl time.Duration) *ClaimsCache {
	return &ClaimsCache{client: client, prefix: "claims:", ttl: ttl}
}

// HashToken derives the cache key material for a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}

func (c *ClaimsCache) key(tokenHash string) string {
	return c.prefix + tokenHash
}

// Get returns the cached claims for a token hash, if present and not expired.
func (c *ClaimsCache) Get(ctx context.Context, tokenHash string) (idp.Claims, bool) {
	raw, err := c.client.Get(ctx, c.key(tokenHash)).Result()
	if err != nil {
		return idp.Claims{}, false
	}
	var claims idp.Claims
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return idp.Claims{}, false
	}
	if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
		return idp.Claims{}, false
	}
	return claims, true
}

// Set caches claims for a token hash. The TTL never outlives the token itself.
func (c *ClaimsCache) Set(ctx context.Context, tokenHash string, claims idp.Claims) error {
	ttl := c.ttl
	if !claims.ExpiresAt.IsZero() {
		if remaining := time.Until(claims.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tokenHash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache claims: %w", err)
	}
	return nil
}

func (c *ClaimsCache) Close() error {
	return c.client.Close()
}

func (c *ClaimsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
