// Package metrics collects operational counters for the relay and broker
// and publishes periodic snapshots to Redis for the admin dashboard.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is one point-in-time view of the counters.
type Snapshot struct {
	AlertsAccepted   uint64    `json:"alerts_accepted"`
	AlertsRejected   uint64    `json:"alerts_rejected"`
	DeliveriesOK     uint64    `json:"deliveries_ok"`
	DeliveriesFailed uint64    `json:"deliveries_failed"`
	SessionsEvicted  uint64    `json:"sessions_evicted"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Collector counts events in memory and, when a Redis client is attached,
// publishes snapshots on a timer. With a nil client it still serves local
// snapshots for the status endpoint.
type Collector struct {
	client   *redis.Client
	key      string
	interval time.Duration
	ttl      time.Duration

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	evicted   atomic.Uint64
}

// NewCollector creates a collector publishing under key every interval.
// client may be nil to disable publication.
func NewCollector(client *redis.Client, key string, interval, ttl time.Duration) *Collector {
	return &Collector{
		client:   client,
		key:      key,
		interval: interval,
		ttl:      ttl,
	}
}

func (c *Collector) RecordAccepted()       { c.accepted.Add(1) }
func (c *Collector) RecordRejected()       { c.rejected.Add(1) }
func (c *Collector) RecordDelivered()      { c.delivered.Add(1) }
func (c *Collector) RecordFailed()         { c.failed.Add(1) }
func (c *Collector) RecordSessionEvicted() { c.evicted.Add(1) }

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		AlertsAccepted:   c.accepted.Load(),
		AlertsRejected:   c.rejected.Load(),
		DeliveriesOK:     c.delivered.Load(),
		DeliveriesFailed: c.failed.Load(),
		SessionsEvicted:  c.evicted.Load(),
		CollectedAt:      time.Now().UTC(),
	}
}

// Run publishes snapshots until ctx is canceled. Without a Redis client it
// returns immediately.
func (c *Collector) Run(ctx context.Context) {
	if c.client == nil {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.publish(ctx); err != nil {
				slog.Warn("Failed to publish metrics snapshot", "error", err)
			}
		}
	}
}

func (c *Collector) publish(ctx context.Context) error {
	payload, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}
