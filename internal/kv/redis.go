package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultOpRetries = 3
	defaultTxRetries = 8
	retryBaseDelay   = 50 * time.Millisecond
	retryMaxDelay    = 2 * time.Second
	txRetryBaseDelay = 5 * time.Millisecond
)

// Redis implements Store on a go-redis client.
type Redis struct {
	client    redis.UniversalClient
	opRetries int
	txRetries int
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{
		client:    client,
		opRetries: defaultOpRetries,
		txRetries: defaultTxRetries,
	}
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		val   string
		found bool
	)
	err := s.withRetry(ctx, "get", func() error {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			val, found = "", false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.withRetry(ctx, "set", func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	var wrote bool
	err := s.withRetry(ctx, "setnx", func() error {
		ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		wrote = ok
		return nil
	})
	return wrote, err
}

func (s *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withRetry(ctx, "del", func() error {
		count, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return err
		}
		n = count
		return nil
	})
	return n, err
}

// Eval is deliberately not retried: the scripts it runs mutate state and a
// reply lost on the wire would make a blind retry double-apply.
func (s *Redis) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	res, err := s.client.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "eval script")
	}
	return res, nil
}

func (s *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.withRetry(ctx, "zadd", func() error {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (s *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "zcard", func() error {
		count, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = count
		return nil
	})
	return n, err
}

func (s *Redis) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return s.withRetry(ctx, "zremrangebyrank", func() error {
		return s.client.ZRemRangeByRank(ctx, key, start, stop).Err()
	})
}

func (s *Redis) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var members []string
	err := s.withRetry(ctx, "zrevrange", func() error {
		m, err := s.client.ZRevRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		members = m
		return nil
	})
	return members, err
}

// Update implements the optimistic read-modify-write with WATCH/MULTI/EXEC.
// The whole read-decide-write unit reruns on conflict; fn errors abort
// immediately so precondition failures surface unchanged.
func (s *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	for attempt := 0; attempt < s.txRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Result()
			exists := true
			if err == redis.Nil {
				current, exists = "", false
			} else if err != nil {
				return err
			}

			next, err := fn(current, exists)
			if err == ErrSkipUpdate {
				return nil
			}
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			logs.Warnf("kv: update conflict on %s, attempt %d", key, attempt+1)
			if err := sleep(ctx, backoffDelay(attempt, txRetryBaseDelay)); err != nil {
				return err
			}
			continue
		}
		return err
	}
	return ErrTxConflict
}

// withRetry reruns op on transient connectivity errors with exponential
// backoff. Application-level outcomes never reach here as errors.
func (s *Redis) withRetry(ctx context.Context, name string, op func() error) error {
	var last error
	for attempt := 0; attempt < s.opRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op()
		if last == nil {
			return nil
		}
		if last == context.Canceled || last == context.DeadlineExceeded {
			return last
		}
		logs.Warnf("kv: %s failed, attempt %d: %v", name, attempt+1, last)
		if err := sleep(ctx, backoffDelay(attempt, retryBaseDelay)); err != nil {
			return err
		}
	}
	return errors.Wrap(last, "kv: "+name+" retries exhausted")
}

func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	d := base * time.Duration(1<<attempt)
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
