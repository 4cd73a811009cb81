package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisHost        = "localhost"
	defaultRedisPort        = 6379
	defaultRedisDialTimeout = 5 * time.Second
)

// RedisOption defines connection options for the shared coordination store.
type RedisOption struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedis creates a Redis client and verifies connectivity with a ping.
func NewRedis(ctx context.Context, opt RedisOption) (*redis.Client, error) {
	addr := opt.Addr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", defaultRedisHost, defaultRedisPort)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    opt.Password,
		DB:          opt.DB,
		PoolSize:    opt.PoolSize,
		DialTimeout: defaultRedisDialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}
