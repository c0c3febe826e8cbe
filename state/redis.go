package state

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cockroachdb/errors"
)

// RedisConfig configures both halves of the Redis-backed State: the
// go-redis/v9 client used for strings, sets, and the leader lease, and the
// redigo client used for streams (see redis_streams.go).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PoolTimeout  time.Duration

	// DialMaxBackoffTimeout bounds the redigo stream pool's exponential
	// backoff retry when first dialing Redis.
	DialMaxBackoffTimeout time.Duration
}

var redisLogger = logrus.WithFields(logrus.Fields{"app": "crymatch", "component": "state.redis"})

// Redis is the production State backend. Strings, sets, and the leader
// lease go through a go-redis/v9 client; streams go through a pipelined
// redigo client, which handles batched XADD plus dial backoff the way
// StreamAddBatch needs.
type Redis struct {
	client  *goredis.Client
	streams *redisStreams
}

// NewRedis dials both halves of the backend and verifies connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Errorf("state: failed to connect to redis: %w", err)
	}

	streams, err := newRedisStreams(cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Redis{client: client, streams: streams}, nil
}

// Close releases both connection pools.
func (r *Redis) Close() error {
	redisLogger.Debug("closing redis state backend")
	streamsErr := r.streams.close()
	clientErr := r.client.Close()
	if clientErr != nil {
		return clientErr
	}
	return streamsErr
}

func (r *Redis) GetString(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", errors.Errorf("state: GET %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Errorf("state: SET %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetStringIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.Errorf("state: SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) KeyDelete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.Errorf("state: DEL %s: %w", key, err)
	}
	return nil
}

func (r *Redis) KeyType(ctx context.Context, key string) (string, error) {
	t, err := r.client.Type(ctx, key).Result()
	if err != nil {
		return "", errors.Errorf("state: TYPE %s: %w", key, err)
	}
	if t == "none" {
		return "", nil
	}
	return t, nil
}

func (r *Redis) SetAdd(ctx context.Context, key, member string) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return errors.Errorf("state: SADD %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetAddBatch(ctx context.Context, key string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return errors.Errorf("state: SADD batch %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetRemove(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return errors.Errorf("state: SREM %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetRemoveBatch(ctx context.Context, key string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return errors.Errorf("state: SREM batch %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetContains(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, errors.Errorf("state: SISMEMBER %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) SetContainsBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	if len(members) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*goredis.BoolCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.SIsMember(ctx, key, m)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, errors.Errorf("state: SISMEMBER batch %s: %w", key, err)
	}
	out := make([]bool, len(members))
	for i, c := range cmds {
		out[i], _ = c.Result()
	}
	return out, nil
}

func (r *Redis) GetSetValues(ctx context.Context, key string) ([]string, error) {
	values, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.Errorf("state: SMEMBERS %s: %w", key, err)
	}
	return values, nil
}

func (r *Redis) StreamAdd(ctx context.Context, key string, data []byte) (string, error) {
	return r.streams.add(ctx, key, data)
}

func (r *Redis) StreamAddBatch(ctx context.Context, key string, datas [][]byte) ([]string, []error) {
	return r.streams.addBatch(ctx, key, datas)
}

func (r *Redis) StreamRead(ctx context.Context, key string, maxCount int) ([]StreamEntry, error) {
	return r.streams.read(ctx, key, maxCount)
}

func (r *Redis) StreamDelete(ctx context.Context, key string) error {
	return r.KeyDelete(ctx, key)
}

func (r *Redis) StreamDeleteMessages(ctx context.Context, key string, ids []string) (int, error) {
	return r.streams.deleteMessages(ctx, key, ids)
}
