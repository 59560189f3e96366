package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/trinogate/trinogate/logging"
)

// RedisStoreOptions configures the shared binding store. A Redis store
// lets several gateway instances resolve each other's bindings.
type RedisStoreOptions struct {
	// Addrs are the ring shard addresses. At least one is required.
	Addrs []string

	// Password for the ring shards, optional.
	Password string

	// KeyPrefix namespaces the binding keys. Defaults to
	// "trinogate:query:".
	KeyPrefix string

	// TTL is the idle lifetime of a binding. Defaults to one hour.
	TTL time.Duration

	// Timeouts for the ring client, optional.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// Log defaults to the application log.
	Log logging.Logger
}

const defaultRedisKeyPrefix = "trinogate:query:"

// RedisStore keeps bindings in a Redis ring with a native idle TTL, no
// sweeper needed. Lookups refresh the TTL with GETEX.
type RedisStore struct {
	ring   *redis.Ring
	prefix string
	ttl    time.Duration
	log    logging.Logger
}

// NewRedisStore connects the ring and verifies availability with a
// bounded exponential backoff, failing hard when Redis stays
// unreachable so a misconfigured gateway does not come up without its
// shared state.
func NewRedisStore(o RedisStoreOptions) (*RedisStore, error) {
	if len(o.Addrs) == 0 {
		return nil, fmt.Errorf("redis store without addresses")
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = defaultRedisKeyPrefix
	}
	if o.TTL <= 0 {
		o.TTL = DefaultBindingTTL
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	ringOptions := &redis.RingOptions{
		Addrs:        map[string]string{},
		Password:     o.Password,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		DialTimeout:  o.DialTimeout,
	}
	for i, addr := range o.Addrs {
		ringOptions.Addrs[fmt.Sprintf("redis%d", i)] = addr
	}

	s := &RedisStore{
		ring:   redis.NewRing(ringOptions),
		prefix: o.KeyPrefix,
		ttl:    o.TTL,
		log:    o.Log,
	}

	err := backoff.Retry(func() error {
		_, err := s.ring.Ping(context.Background()).Result()
		if err != nil {
			s.log.Infof("failed to ping redis, retry with backoff: %v", err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 7))
	if err != nil {
		s.ring.Close()
		return nil, fmt.Errorf("redis store unavailable: %w", err)
	}

	return s, nil
}

func (s *RedisStore) key(queryID string) string {
	return s.prefix + queryID
}

// Bind stores the binding with SET NX so an existing binding is never
// overwritten, and returns the backend name that is bound after the
// call.
func (s *RedisStore) Bind(ctx context.Context, queryID, backend string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.ring.SetNX(ctx, s.key(queryID), backend, s.ttl).Result()
		if err != nil {
			return "", err
		}
		if created {
			return backend, nil
		}

		existing, err := s.ring.Get(ctx, s.key(queryID)).Result()
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", err
		}
		// the existing binding expired between the two commands
	}
	return "", fmt.Errorf("binding for %s raced expiry", queryID)
}

// Lookup returns the bound backend name and refreshes the idle TTL,
// the empty string on a miss.
func (s *RedisStore) Lookup(ctx context.Context, queryID string) (string, error) {
	backend, err := s.ring.GetEx(ctx, s.key(queryID), s.ttl).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return backend, nil
}

// Delete removes the binding if present.
func (s *RedisStore) Delete(ctx context.Context, queryID string) error {
	return s.ring.Del(ctx, s.key(queryID)).Err()
}

// Close releases the ring connections.
func (s *RedisStore) Close() error {
	return s.ring.Close()
}
