package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// redisEnvelope is the hash field value: the Store's payload plus its write time.
type redisEnvelope struct {
	SavedAt int64  `msgpack:"t"`
	Data    []byte `msgpack:"d"`
}

type redisBackend struct {
	client *redis.Client
	cfg    backendConfig
}

var _ Backend = (*redisBackend)(nil)

// NewRedis returns a Backend keeping each table in one Redis hash named
// "<prefix>:<table>". The caller owns the redis.Client lifecycle; Close is a
// no-op on the client.
func NewRedis(client *redis.Client, opts ...BackendOption) Backend {
	return &redisBackend{client: client, cfg: applyBackendOptions(opts)}
}

func (b *redisBackend) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, b.cfg.queryTimeout)
}

func (b *redisBackend) hashKey(table Table) string {
	if b.cfg.prefix == "" {
		return string(table)
	}
	return b.cfg.prefix + ":" + string(table)
}

func (b *redisBackend) Open(ctx context.Context) error {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	return b.client.Ping(qctx).Err()
}

func decodeEnvelope(key string, raw []byte) (Entry, error) {
	var env redisEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return Entry{}, errors.Wrapf(err, "decode entry %q", key)
	}
	return Entry{Key: key, SavedAt: env.SavedAt, Data: env.Data}, nil
}

func (b *redisBackend) Get(ctx context.Context, table Table, key string) (Entry, bool, error) {
	if err := checkTable(table); err != nil {
		return Entry{}, false, err
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	raw, err := b.client.HGet(qctx, b.hashKey(table), key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeEnvelope(key, raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (b *redisBackend) Put(ctx context.Context, table Table, entry Entry) error {
	if err := checkTable(table); err != nil {
		return err
	}
	raw, err := msgpack.Marshal(redisEnvelope{SavedAt: entry.SavedAt, Data: entry.Data})
	if err != nil {
		return err
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	return b.client.HSet(qctx, b.hashKey(table), entry.Key, raw).Err()
}

func (b *redisBackend) Delete(ctx context.Context, table Table, keys ...string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	return b.client.HDel(qctx, b.hashKey(table), keys...).Err()
}

func (b *redisBackend) Scan(ctx context.Context, table Table) ([]Entry, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	all, err := b.client.HGetAll(qctx, b.hashKey(table)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for key, raw := range all {
		e, err := decodeEnvelope(key, []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *redisBackend) Clear(ctx context.Context, tables ...Table) error {
	keys := make([]string, 0, len(tables))
	for _, t := range tables {
		if err := checkTable(t); err != nil {
			return err
		}
		keys = append(keys, b.hashKey(t))
	}
	if len(keys) == 0 {
		return nil
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	return b.client.Del(qctx, keys...).Err()
}

// Close is a no-op; the caller owns the redis.Client.
func (b *redisBackend) Close() error {
	return nil
}

// ParseRedisURL builds a client from a redis:// URL.
func ParseRedisURL(url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	if timeout > 0 {
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	return redis.NewClient(opts), nil
}
