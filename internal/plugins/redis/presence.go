package redis

import (
	"context"
	"encoding/json"
	"errors"
	"hearth/internal/core/domain"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const onlineKey = "presence:online"

// RedisPresenceStore mirrors tracker state so that other processes can read
// presence without asking the gateway. The online set is a ZSET scored by
// the last update in unix milliseconds.
type RedisPresenceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresenceStore(rdb *redis.Client, ttl time.Duration) *RedisPresenceStore {
	return &RedisPresenceStore{
		rdb: rdb,
		ttl: ttl,
	}
}

func (p *RedisPresenceStore) key(userID string) string {
	return "presence:user:" + userID
}

func (p *RedisPresenceStore) SavePresence(ctx context.Context, pr domain.Presence) error {
	game := ""
	if pr.Activity != nil {
		raw, err := json.Marshal(pr.Activity)
		if err != nil {
			return err
		}
		game = string(raw)
	}
	updated := pr.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	key := p.key(pr.UserID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(pr.Status),
			"game", game,
			"updated_at", updated.UnixMilli(),
		)
		if pr.Status == domain.StatusOffline {
			pipe.ZRem(ctx, onlineKey, pr.UserID)
			if p.ttl > 0 {
				pipe.Expire(ctx, key, p.ttl)
			}
			return nil
		}
		pipe.Persist(ctx, key)
		pipe.ZAdd(ctx, onlineKey, redis.Z{
			Score:  float64(updated.UnixMilli()),
			Member: pr.UserID,
		})
		return nil
	})
	return err
}

func (p *RedisPresenceStore) GetPresence(ctx context.Context, userID string) (domain.Presence, error) {
	vals, err := p.rdb.HGetAll(ctx, p.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OfflinePresence(userID), nil
		}
		return domain.Presence{}, err
	}
	if len(vals) == 0 {
		return domain.OfflinePresence(userID), nil
	}
	pr := domain.Presence{UserID: userID, Status: domain.Status(vals["status"])}
	if g := vals["game"]; g != "" {
		var a domain.Activity
		if err := json.Unmarshal([]byte(g), &a); err == nil {
			pr.Activity = &a
		}
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		pr.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return pr, nil
}

func (p *RedisPresenceStore) OnlineUsers(ctx context.Context) ([]string, error) {
	return p.rdb.ZRange(ctx, onlineKey, 0, -1).Result()
}

// Clear forgets every mirrored presence, used when a gateway restarts and
// no session survives.
func (p *RedisPresenceStore) Clear(ctx context.Context) error {
	users, err := p.OnlineUsers(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(users)+1)
	for _, u := range users {
		keys = append(keys, p.key(u))
	}
	keys = append(keys, onlineKey)
	return p.rdb.Del(ctx, keys...).Err()
}
