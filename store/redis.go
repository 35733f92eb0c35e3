package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const keyPrefix = "rollnorm:checkpoint:"

type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // zero keeps checkpoints forever
	History  int64         // checkpoints kept per key in the history list
}

type RedisStore struct {
	client  redis.UniversalClient
	ttl     time.Duration
	history int64
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(opts RedisOpts) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisStore(client, opts)
}

func newRedisStore(client redis.UniversalClient, opts RedisOpts) *RedisStore {
	if opts.History <= 0 {
		opts.History = 100
	}
	return &RedisStore{client: client, ttl: opts.TTL, history: opts.History}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Save(ctx context.Context, c Checkpoint) error {
	payload, err := Encode(c)
	if err != nil {
		return err
	}

	latest := keyPrefix + c.Key
	history := latest + ":history"

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, latest, payload, s.ttl)
	pipe.LPush(ctx, history, payload)
	pipe.LTrim(ctx, history, 0, s.history-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, history, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "redis save %q", c.Key)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "redis load %q", key)
	}
	return Decode(data)
}

// History returns up to n saved checkpoints for key, newest first.
func (s *RedisStore) History(ctx context.Context, key string, n int64) ([]Checkpoint, error) {
	items, err := s.client.LRange(ctx, keyPrefix+key+":history", 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis history %q", key)
	}
	res := make([]Checkpoint, 0, len(items))
	for _, item := range items {
		c, err := Decode([]byte(item))
		if err != nil {
			return nil, err
		}
		res = append(res, *c)
	}
	return res, nil
}
