package state

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"

	"github.com/cockroachdb/errors"
)

const (
	redisCmdXAdd  = "XADD"
	redisCmdXRead = "XREAD"
	redisCmdXDel  = "XDEL"
)

var streamLogger = logrus.WithFields(logrus.Fields{"app": "crymatch", "component": "state.redis_streams"})

// redisStreams is a redigo connection pool dedicated to stream commands
// (XADD/XREAD/XDEL), kept separate from the go-redis/v9 client in redis.go
// so pipelined batch writes go out as a single round trip.
type redisStreams struct {
	pool *redis.Pool
}

func newRedisStreams(cfg RedisConfig) (*redisStreams, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	pool := &redis.Pool{
		MaxIdle:     8,
		MaxActive:   64,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		TestOnBorrow: func(c redis.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < 15*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
		Dial: func() (redis.Conn, error) {
			var conn redis.Conn
			err := backoff.RetryNotify(
				func() error {
					var err error
					select {
					case <-sigChan:
						cancel()
					default:
						dialOptions := []redis.DialOption{
							redis.DialPassword(cfg.Password),
							redis.DialDatabase(cfg.DB),
							redis.DialConnectTimeout(cfg.DialTimeout),
							redis.DialReadTimeout(cfg.ReadTimeout),
						}
						conn, err = redis.Dial("tcp", cfg.Addr, dialOptions...)
						if err != nil {
							streamLogger.WithFields(logrus.Fields{"error": err}).Debug("dialing redis stream connection")
						}
					}
					return err
				},
				backoff.WithContext(
					backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(cfg.DialMaxBackoffTimeout)), ctx),
				func(err error, wait time.Duration) {
					streamLogger.WithFields(logrus.Fields{"error": err}).Debugf("retrying redis stream dial in %s", wait)
				},
			)
			return conn, err
		},
	}

	conn, err := pool.GetContext(context.Background())
	if err != nil {
		cancel()
		return nil, errors.Errorf("state: failed to dial redis stream pool: %w", err)
	}
	_ = conn.Close()
	cancel()

	return &redisStreams{pool: pool}, nil
}

func (s *redisStreams) close() error {
	return s.pool.Close()
}

func (s *redisStreams) add(_ context.Context, key string, data []byte) (string, error) {
	conn := s.pool.Get()
	defer conn.Close()

	id, err := redis.String(conn.Do(redisCmdXAdd, key, "*", "data", data))
	if err != nil {
		return "", errors.Errorf("state: XADD %s: %w", key, err)
	}
	return id, nil
}

// addBatch pipelines every XADD in one round trip.
func (s *redisStreams) addBatch(_ context.Context, key string, datas [][]byte) ([]string, []error) {
	ids := make([]string, len(datas))
	errs := make([]error, len(datas))
	if len(datas) == 0 {
		return ids, errs
	}

	conn := s.pool.Get()
	defer conn.Close()

	for _, d := range datas {
		if err := conn.Send(redisCmdXAdd, key, "*", "data", d); err != nil {
			streamLogger.WithFields(logrus.Fields{"error": err, "key": key}).Error("buffering XADD failed")
		}
	}
	if err := conn.Flush(); err != nil {
		for i := range errs {
			errs[i] = errors.Errorf("state: XADD batch flush %s: %w", key, err)
		}
		return ids, errs
	}

	for i := range datas {
		id, err := redis.String(conn.Receive())
		if err != nil {
			errs[i] = errors.Errorf("state: XADD batch %s: %w", key, err)
			continue
		}
		ids[i] = id
	}
	return ids, errs
}

func (s *redisStreams) read(_ context.Context, key string, maxCount int) ([]StreamEntry, error) {
	if maxCount <= 0 {
		maxCount = BatchLimit
	}

	conn := s.pool.Get()
	defer conn.Close()

	reply, err := conn.Do(redisCmdXRead, "COUNT", maxCount, "STREAMS", key, "0")
	if err != nil {
		return nil, errors.Errorf("state: XREAD %s: %w", key, err)
	}
	if reply == nil {
		return nil, nil
	}

	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil, nil
	}
	streamReply, ok := streams[0].([]interface{})
	if !ok || len(streamReply) != 2 {
		return nil, errors.Newf("state: unexpected XREAD reply shape for %s", key)
	}
	entriesReply, ok := streamReply[1].([]interface{})
	if !ok {
		return nil, errors.Newf("state: unexpected XREAD entries shape for %s", key)
	}

	out := make([]StreamEntry, 0, len(entriesReply))
	for _, raw := range entriesReply {
		entry, ok := raw.([]interface{})
		if !ok || len(entry) != 2 {
			continue
		}
		id, err := redis.String(entry[0], nil)
		if err != nil {
			continue
		}
		fields, err := redis.Strings(entry[1], nil)
		if err != nil || len(fields) < 2 {
			continue
		}
		out = append(out, StreamEntry{ID: id, Data: []byte(fields[1])})
	}
	return out, nil
}

func (s *redisStreams) deleteMessages(_ context.Context, key string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	conn := s.pool.Get()
	defer conn.Close()

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, key)
	for _, id := range ids {
		args = append(args, id)
	}
	removed, err := redis.Int(conn.Do(redisCmdXDel, args...))
	if err != nil {
		return 0, errors.Errorf("state: XDEL %s: %w", key, err)
	}
	return removed, nil
}

// TrimOlderThan bounds stream growth by age with an XTRIM. Meant for an
// operator cron over streams the director owns.
func (r *Redis) TrimOlderThan(key string, olderThan time.Duration) (int64, error) {
	conn := r.streams.pool.Get()
	defer conn.Close()
	threshold := strconv.FormatInt(time.Now().Add(-olderThan).UnixMilli(), 10)
	removed, err := redis.Int64(conn.Do("XTRIM", key, "MINID", threshold))
	if err != nil {
		return 0, errors.Errorf("state: XTRIM %s: %w", key, err)
	}
	return removed, nil
}
