package cache

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"syncServer/backend/internal/collab"
)

// RedisPresence：presence 追踪器的 Redis 落地。
// 每次 Upsert 重置成员的 TTL（ZSet score = 过期时刻），清扫脚本按固定
// 间隔把 score 过期的成员原子地摘除并返回，每个被驱逐的成员正好触发
// 一次 "user left" 通知。presence 不经过文档的版本时钟。
type RedisPresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// 原子清扫：摘除过期成员并连同条目哈希一起清理，返回被驱逐的 userId 列表。
// 放在 Lua 里做是为了避免 "读到过期成员 → 别的节点刚续期 → 误删" 的竞争。
var sweepScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(expired) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('HDEL', KEYS[2], member)
end
return expired
`)

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

var _ collab.PresenceSink = (*RedisPresence)(nil)

// Upsert 写入/更新成员条目并重置 TTL。
func (p *RedisPresence) Upsert(ctx context.Context, e collab.PresenceEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	expireAt := float64(time.Now().Add(p.ttl).UnixMilli())

	pipe := p.rdb.Pipeline()
	pipe.ZAdd(ctx, roomKey(e.DocID), redis.Z{Score: expireAt, Member: memberField(e.UserID)})
	pipe.HSet(ctx, entriesKey(e.DocID), memberField(e.UserID), b)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove 立即摘除成员（显式 leave / 宽限期耗尽的驱逐）。
func (p *RedisPresence) Remove(ctx context.Context, docID string, userID uint64) error {
	pipe := p.rdb.Pipeline()
	pipe.ZRem(ctx, roomKey(docID), memberField(userID))
	pipe.HDel(ctx, entriesKey(docID), memberField(userID))
	_, err := pipe.Exec(ctx)
	return err
}

// Members 返回房间内未过期的成员条目。
func (p *RedisPresence) Members(ctx context.Context, docID string) ([]collab.PresenceEntry, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{Min: now, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := p.rdb.HMGet(ctx, entriesKey(docID), ids...).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]collab.PresenceEntry, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e collab.PresenceEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Sweep 对单个房间跑一次清扫，返回被驱逐的 userId。
func (p *RedisPresence) Sweep(ctx context.Context, docID string, now time.Time) ([]uint64, error) {
	res, err := sweepScript.Run(ctx, p.rdb,
		[]string{roomKey(docID), entriesKey(docID)},
		now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, err
	}
	members, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	evicted := make([]uint64, 0, len(members))
	for _, m := range members {
		s, ok := m.(string)
		if !ok {
			continue
		}
		uid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		evicted = append(evicted, uid)
	}
	return evicted, nil
}

// SweepAll 扫描所有房间并清扫，每个被驱逐的成员回调一次 onLeft。
func (p *RedisPresence) SweepAll(ctx context.Context, now time.Time, onLeft func(docID string, userID uint64)) error {
	iter := p.rdb.Scan(ctx, 0, roomScanPattern, 0).Iterator()
	for iter.Next(ctx) {
		docID := strings.TrimPrefix(iter.Val(), roomKey(""))
		evicted, err := p.Sweep(ctx, docID, now)
		if err != nil {
			return err
		}
		for _, uid := range evicted {
			if onLeft != nil {
				onLeft(docID, uid)
			}
		}
	}
	return iter.Err()
}

// Sweeper：固定间隔的后台清扫循环，独立于文档 actor 的节拍。
type Sweeper struct {
	presence *RedisPresence
	interval time.Duration
	onLeft   func(docID string, userID uint64)
}

func NewSweeper(p *RedisPresence, interval time.Duration, onLeft func(docID string, userID uint64)) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{presence: p, interval: interval, onLeft: onLeft}
}

// Run 阻塞运行直到 ctx 取消（配合 errgroup 使用）。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if err := s.presence.SweepAll(ctx, now, s.onLeft); err != nil {
				log.Printf("presence sweep error: %v", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
