package sessioncache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces the cache keys.
	DefaultKeyPrefix = "ftps:tls-session:"

	// DefaultTTL matches the lifetime the bridge accepts for control
	// sessions. Servers usually expire tickets sooner.
	DefaultTTL = 24 * time.Hour

	defaultTimeout = 2 * time.Second
)

// Redis is a tls.ClientSessionCache stored in Redis. Operations that fail
// are logged and treated as misses, so an unavailable Redis only costs full
// handshakes.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

var _ tls.ClientSessionCache = (*Redis)(nil)

// Option configures a Redis cache.
type Option func(*Redis)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithTTL sets how long entries are kept.
func WithTTL(ttl time.Duration) Option {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithTimeout bounds each Redis round trip. TLS handshakes wait for it.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Redis) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithLogger sets the logger for failed operations.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedis returns a cache using client.
func NewRedis(client redis.UniversalClient, options ...Option) *Redis {
	r := &Redis{
		client:  client,
		prefix:  DefaultKeyPrefix,
		ttl:     DefaultTTL,
		timeout: defaultTimeout,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Connect parses a redis:// URL, connects and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("sessioncache: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("sessioncache: failed to reach redis: %w", err)
	}
	return client, nil
}

// Get implements tls.ClientSessionCache.
func (r *Redis) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefix+sessionKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("failed to read TLS session from redis", "key", sessionKey, "error", err)
		return nil, false
	}

	cs, err := Decode(data)
	if err != nil {
		r.logger.Warn("discarding unreadable TLS session", "key", sessionKey, "error", err)
		return nil, false
	}
	return cs, true
}

// Put implements tls.ClientSessionCache. A nil cs deletes the entry.
func (r *Redis) Put(sessionKey string, cs *tls.ClientSessionState) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	key := r.prefix + sessionKey
	if cs == nil {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			r.logger.Warn("failed to delete TLS session from redis", "key", sessionKey, "error", err)
		}
		return
	}

	data, err := Encode(cs)
	if err != nil {
		r.logger.Debug("not storing TLS session", "key", sessionKey, "error", err)
		return
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.logger.Warn("failed to save TLS session to redis", "key", sessionKey, "error", err)
	}
}
