package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bayusegara27/secure-edge-vision/pkg/camera"
	"github.com/bayusegara27/secure-edge-vision/pkg/engine"
	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
)

// Redis key and channel names.
const (
	statusKey        = "edgevision:status"
	detectionChannel = "edgevision:detections"
	evidenceChannel  = "edgevision:evidence"
)

// StatusCache mirrors camera status snapshots into Redis with a TTL and
// publishes detection/evidence events on pub/sub channels, so external
// dashboards and alerting can watch the node without touching its HTTP
// surface.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logging.Logger
}

// RedisCacheConfig holds Redis configuration
type RedisCacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration // status snapshot TTL (default: 30 seconds)
}

// NewStatusCache creates a new Redis-backed status cache
func NewStatusCache(config RedisCacheConfig, log *logging.Logger) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	log.Infof("Redis status cache connected")
	return &StatusCache{client: client, ttl: ttl, log: log}, nil
}

// CacheStatus stores a full status snapshot. The TTL makes a crashed node
// visible as an expired key.
func (sc *StatusCache) CacheStatus(ctx context.Context, statuses []camera.Status) error {
	data, err := json.Marshal(statuses)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return sc.client.Set(ctx, statusKey, data, sc.ttl).Err()
}

// PublishDetection publishes a detection event on the detections channel.
func (sc *StatusCache) PublishDetection(ctx context.Context, ev engine.DetectionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal detection event: %w", err)
	}
	return sc.client.Publish(ctx, detectionChannel, data).Err()
}

// PublishEvidence publishes an evidence fingerprint on the evidence channel.
func (sc *StatusCache) PublishEvidence(ctx context.Context, ev engine.EvidenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence event: %w", err)
	}
	return sc.client.Publish(ctx, evidenceChannel, data).Err()
}

// Run caches the engine status every interval until ctx is cancelled.
func (sc *StatusCache) Run(ctx context.Context, interval time.Duration, snapshot func() []camera.Status) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sc.CacheStatus(ctx, snapshot()); err != nil {
				sc.log.Warnf("status cache update failed: %v", err)
			}
		}
	}
}

// Close closes the Redis connection
func (sc *StatusCache) Close() error {
	sc.log.Infof("closing Redis status cache")
	return sc.client.Close()
}
