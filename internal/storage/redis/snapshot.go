package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
)

const (
	defaultPrefix = "sfc:"
	fieldAt       = "at"
	fieldRecord   = "record"
)

// SnapshotCache 最新遥测缓存，实现 telemetry.Sink。
// 每个单元一个 hash（at + record），过期时间 ttl，供其他进程读取最新状态。
type SnapshotCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewSnapshotCache prefix 为空时用 "sfc:"，ttl<=0 表示不过期
func NewSnapshotCache(rdb redis.Cmdable, prefix string, ttl time.Duration) *SnapshotCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &SnapshotCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *SnapshotCache) Name() string { return "redis" }

func (c *SnapshotCache) mctKey(t sfc.Target) string {
	return fmt.Sprintf("%smct:%d:%d", c.prefix, t.String, t.MCT)
}

func (c *SnapshotCache) indexKey() string { return c.prefix + "mct:index" }

func (c *SnapshotCache) sfcKey() string { return c.prefix + "field" }

// WriteMCT 在一个事务管道里覆盖各单元的 hash
func (c *SnapshotCache) WriteMCT(ctx context.Context, recs []telemetry.MCTRecord) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal mct %s: %w", rec.Key().Label(), err)
		}
		key := c.mctKey(rec.Key())
		pipe.HSet(ctx, key, fieldAt, rec.At.UnixMilli(), fieldRecord, data)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		pipe.SAdd(ctx, c.indexKey(), rec.Key().Label())
	}
	_, err := pipe.Exec(ctx)
	return err
}

// WriteSFC 覆盖 SFC hash
func (c *SnapshotCache) WriteSFC(ctx context.Context, rec telemetry.SFCRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal sfc: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.sfcKey(), fieldAt, rec.At.UnixMilli(), fieldRecord, data)
	if c.ttl > 0 {
		pipe.Expire(ctx, c.sfcKey(), c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// MCT 读取单元的最新记录，不存在或已过期返回 ok=false
func (c *SnapshotCache) MCT(ctx context.Context, t sfc.Target) (rec telemetry.MCTRecord, ok bool, err error) {
	ok, err = c.get(ctx, c.mctKey(t), &rec)
	return rec, ok, err
}

// SFC 读取 SFC 最新记录
func (c *SnapshotCache) SFC(ctx context.Context) (rec telemetry.SFCRecord, ok bool, err error) {
	ok, err = c.get(ctx, c.sfcKey(), &rec)
	return rec, ok, err
}

func (c *SnapshotCache) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.rdb.HGet(ctx, key, fieldRecord).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
