package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/taoyao-code/sfc-host/internal/config"
)

// 只有日志周期一个写入方，连接池保持很小
const (
	defaultPoolSize    = 2
	defaultDialTimeout = 3 * time.Second
	pingTimeout        = 5 * time.Second
)

// Client Redis 客户端，附带快照键前缀与过期时间
type Client struct {
	*redis.Client
	prefix string
	ttl    time.Duration
}

// NewClient 创建客户端并探活；未启用时返回错误
func NewClient(cfg cfgpkg.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, errors.New("redis is not enabled")
	}

	rdb := redis.NewClient(options(cfg))
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Client{Client: rdb, prefix: cfg.KeyPrefix, ttl: cfg.SnapshotTTL}, nil
}

func options(cfg cfgpkg.RedisConfig) *redis.Options {
	opt := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ClientName:   "sfc-host",
	}
	if opt.PoolSize <= 0 {
		opt.PoolSize = defaultPoolSize
	}
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = defaultDialTimeout
	}
	return opt
}

// Snapshots 按配置的前缀与 TTL 构造最新快照缓存
func (c *Client) Snapshots() *SnapshotCache {
	return NewSnapshotCache(c.Client, c.prefix, c.ttl)
}

// Close 关闭Redis连接
func (c *Client) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}
