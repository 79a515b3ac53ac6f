package geo

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/example/cab-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisWriter is the subset of redis operations the mirror needs.
type RedisWriter interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Ping(ctx context.Context) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.c.Publish(ctx, channel, payload).Err()
}

func (r *redisAdapter) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }

// RedisMirror copies live driver state into Redis so other services can read
// it: a GEO set of positions, per-driver hashes and a pub/sub channel of updates.
// The in-process Store stays authoritative.
type RedisMirror struct {
	w       RedisWriter
	client  *redis.Client
	geoKey  string
	channel string
}

func NewRedisMirror(addr, password, geoKey, channel string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	m := NewRedisMirrorWith(&redisAdapter{c: c}, geoKey, channel)
	m.client = c
	return m
}

// NewRedisMirrorWith builds a mirror on top of any RedisWriter.
func NewRedisMirrorWith(w RedisWriter, geoKey, channel string) *RedisMirror {
	return &RedisMirror{w: w, geoKey: geoKey, channel: channel}
}

func (r *RedisMirror) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	if err := r.w.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: loc.DriverID}); err != nil {
		return err
	}
	if err := r.w.HSet(ctx, locationKey(loc.DriverID), map[string]interface{}{
		"lat":       strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		"lng":       strconv.FormatFloat(loc.Lng, 'f', -1, 64),
		"timestamp": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}
	if r.channel == "" {
		return nil
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return r.w.Publish(ctx, r.channel, b)
}

func (r *RedisMirror) PublishStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	return r.w.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"status":    string(status),
		"last_seen": time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *RedisMirror) Ping(ctx context.Context) error { return r.w.Ping(ctx) }

func (r *RedisMirror) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func metaKey(id string) string     { return "driver:" + id }
func locationKey(id string) string { return "driver_location:" + id }
