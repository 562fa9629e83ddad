package presence

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store mirrors the process-local online set into shared storage so that a
// second instance can read it. Delivery never depends on it.
type Store interface {
	SetOnline(ctx context.Context, userID int64) error
	SetOffline(ctx context.Context, userID int64) error
	OnlineUsers(ctx context.Context) ([]int64, error)
}

const (
	onlineSetKey = "presence:online"
	onlineWindow = 90 * time.Second
)

// RedisStore keeps the online set in a redis ZSet scored by last check-in,
// trimming stale members on read.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to redis; an empty address yields a noop store.
func NewRedisStore(addr string) Store {
	if addr == "" {
		log.Printf("presence mirror disabled: empty redis addr")
		return noopStore{}
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) SetOnline(ctx context.Context, userID int64) error {
	if err := s.rdb.ZAdd(ctx, onlineSetKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: strconv.FormatInt(userID, 10),
	}).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, onlineSetKey, onlineWindow*2).Err()
}

func (s *RedisStore) SetOffline(ctx context.Context, userID int64) error {
	return s.rdb.ZRem(ctx, onlineSetKey, strconv.FormatInt(userID, 10)).Err()
}

func (s *RedisStore) OnlineUsers(ctx context.Context) ([]int64, error) {
	threshold := time.Now().Add(-onlineWindow).Unix()
	s.rdb.ZRemRangeByScore(ctx, onlineSetKey, "-inf", strconv.FormatInt(threshold, 10))

	members, err := s.rdb.ZRange(ctx, onlineSetKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type noopStore struct{}

func (noopStore) SetOnline(ctx context.Context, userID int64) error  { return nil }
func (noopStore) SetOffline(ctx context.Context, userID int64) error { return nil }
func (noopStore) OnlineUsers(ctx context.Context) ([]int64, error)   { return nil, nil }
