// Package kvstore wraps the shared Redis connection pool behind a small
// typed surface. It is the only package that talks the Redis wire protocol.
//
// All calls pass through a circuit breaker. When Redis is unreachable the
// breaker opens and calls fail fast with ErrUnavailable, which callers treat
// as a degrade signal (rate limiter admits, auth falls back to environment
// keys) rather than a request failure. A missing key is a normal outcome and
// never trips the breaker.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("kvstore: unavailable")
)

// Store is a circuit-broken Redis client shared by every component.
type Store struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
}

// New connects to the Redis instance at url (redis://host:port/db).
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts)), nil
}

// NewWithClient wraps an existing client. Tests pass a client backed by
// miniredis.
func NewWithClient(client redis.UniversalClient) *Store {
	return &Store{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "kvstore",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// do routes a call through the breaker. redis.Nil is success from the
// breaker's point of view and is translated to ErrNotFound for the caller.
func (s *Store) do(op func() (any, error)) (any, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		v, err := op()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return v, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	if res == nil {
		return nil, ErrNotFound
	}
	return res, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	res, err := s.do(func() (any, error) {
		return s.client.Get(ctx, key).Result()
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.do(func() (any, error) {
		return struct{}{}, s.client.Set(ctx, key, value, ttl).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	_, err := s.do(func() (any, error) {
		return struct{}{}, s.client.Del(ctx, keys...).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// IncrWithTTL atomically increments key and refreshes its TTL, creating the
// key at 1 when absent. This is the rate-limit bucket primitive.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.do(func() (any, error) {
		pipe := s.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return incr.Val(), nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// GetInt reads an integer counter. Missing keys read as 0.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	res, err := s.do(func() (any, error) {
		return s.client.Get(ctx, key).Int64()
	})
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	_, err := s.do(func() (any, error) {
		return struct{}{}, s.client.HSet(ctx, key, fields).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// HGetAll returns ErrNotFound for a missing hash rather than an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.do(func() (any, error) {
		m, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			return nil, nil
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := s.do(func() (any, error) {
		return struct{}{}, s.client.HDel(ctx, key, fields...).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, n int64) error {
	_, err := s.do(func() (any, error) {
		return struct{}{}, s.client.HIncrBy(ctx, key, field, n).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) HIncrByFloat(ctx context.Context, key, field string, n float64) error {
	_, err := s.do(func() (any, error) {
		return struct{}{}, s.client.HIncrByFloat(ctx, key, field, n).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.do(func() (any, error) {
		return struct{}{}, s.client.Expire(ctx, key, ttl).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	_, err := s.do(func() (any, error) {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return struct{}{}, s.client.SAdd(ctx, key, args...).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	_, err := s.do(func() (any, error) {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return struct{}{}, s.client.SRem(ctx, key, args...).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.do(func() (any, error) {
		members, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		return members, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	res, err := s.do(func() (any, error) {
		return s.client.SIsMember(ctx, key, member).Result()
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Ping backs the /health/redis probe.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.do(func() (any, error) {
		return struct{}{}, s.client.Ping(ctx).Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) Close() error {
	return s.client.Close()
}
