package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// changeSep separates the fields of a published change message.
const changeSep = "\x00"

// Redis is a Surface on a Redis server. Values use native TTLs; every write
// is also published on a pub/sub channel that Watch subscribes to. Messages
// carry the writing handle's origin so Watch skips its own writes.
type Redis struct {
	client   *redis.Client
	channel  string
	origin   string
	maxValue int
}

var _ Surface = (*Redis)(nil)

// NewRedis connects to the server at redisURL (redis:// or rediss://) and
// verifies the connection. channel names the change notification channel.
func NewRedis(ctx context.Context, redisURL, channel string, maxValue int) (*Redis, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("%w: empty redis connection URL", ErrUnavailable)
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis connection string: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewRedisWithClient(client, channel, maxValue), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, channel string, maxValue int) *Redis {
	if maxValue <= 0 {
		maxValue = DefaultMaxValueSize
	}
	if channel == "" {
		channel = "rhythm:changes"
	}
	return &Redis{
		client:   client,
		channel:  channel,
		origin:   uuid.NewString(),
		maxValue: maxValue,
	}
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the value stored under key.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, nil
}

// Set stores value under key and publishes the change.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if len(value) > r.maxValue {
		return fmt.Errorf("%w: %d bytes for %s, limit %d", ErrQuota, len(value), key, r.maxValue)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.publish(ctx, "set", key, value)
	return nil
}

// Delete removes key and publishes the change.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.publish(ctx, "del", key, "")
	return nil
}

// publish is best effort; lost notifications are repaired by reconciliation.
func (r *Redis) publish(ctx context.Context, op, key, value string) {
	msg := strings.Join([]string{r.origin, op, key, value}, changeSep)
	r.client.Publish(ctx, r.channel, msg)
}

// Keys lists keys starting with prefix in sorted order.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch subscribes to the change channel until ctx is done.
func (r *Redis) Watch(ctx context.Context) (<-chan Change, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if c, ok := r.decodeChange(msg.Payload); ok {
					notify(out, c)
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) decodeChange(payload string) (Change, bool) {
	parts := strings.SplitN(payload, changeSep, 4)
	if len(parts) != 4 || parts[0] == r.origin {
		return Change{}, false
	}
	return Change{Key: parts[2], Value: parts[3], Deleted: parts[1] == "del"}, true
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
