package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

// RedisOptions configures the Redis sink.
type RedisOptions struct {
	// KeyPrefix is prepended to per-node hash keys, e.g.
	// "basestation:node:2".
	KeyPrefix string
	// Channel receives every record as JSON. Empty disables publishing.
	Channel string
	// TTL expires a node's hash when it stops reporting. Zero keeps it.
	TTL time.Duration
}

// DefaultRedisOptions returns the standard key layout.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		KeyPrefix: "basestation:node:",
		Channel:   "basestation:readings",
	}
}

// Redis keeps the latest reading of each node in a hash and publishes
// every record on a channel.
type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultRedisOptions().KeyPrefix
	}
	return &Redis{client: client, opts: opts}
}

// DialRedis creates a client for addr and verifies it with PING.
func DialRedis(ctx context.Context, addr string, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return NewRedis(client, opts), nil
}

// Key returns the hash key holding nodeID's latest reading.
func (s *Redis) Key(nodeID uint8) string {
	return fmt.Sprintf("%s%d", s.opts.KeyPrefix, nodeID)
}

// WriteReading implements ingest.RecordWriter. The hash update, expiry
// and publish run in one MULTI/EXEC.
func (s *Redis) WriteReading(ctx context.Context, rec telemetry.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis sink: %w", err)
	}

	key := s.Key(rec.NodeID)
	rx := rec.RxTimeString()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"rx_time", rx,
			"dev_eui", rec.DevEUI,
			"fcnt", rec.FCnt,
			"temp_c", rec.TempC,
			"humidity_pct", rec.HumidityPct,
			"battery_mv", rec.BatteryMV,
			"status_flags", rec.StatusFlags,
			"rssi", rec.RSSI,
			"snr", rec.SNR,
			"json", data,
		)
		if s.opts.TTL > 0 {
			pipe.Expire(ctx, key, s.opts.TTL)
		}
		if s.opts.Channel != "" {
			pipe.Publish(ctx, s.opts.Channel, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sink %s: %w", key, err)
	}
	return nil
}

// Latest returns the cached reading for nodeID.
func (s *Redis) Latest(ctx context.Context, nodeID uint8) (telemetry.Record, error) {
	raw, err := s.client.HGet(ctx, s.Key(nodeID), "json").Bytes()
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("redis sink %s: %w", s.Key(nodeID), err)
	}
	var rec telemetry.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return telemetry.Record{}, fmt.Errorf("redis sink %s: %w", s.Key(nodeID), err)
	}
	return rec, nil
}

// Close closes the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}
