package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"
)

const (
	kvStateKey         = "relaydoc/state"
	boltBucket         = "relaydoc"
	redisOpTimeout     = 5 * time.Second
	boltOpenTimeout    = time.Second
	defaultRedisPrefix = "relaydoc:"
)

func jsonMarshalState(state *persistedState) ([]byte, error) {
	return json.Marshal(state)
}

// RedisStateBackend keeps the snapshot under a single key. The key prefix
// comes from the DSN's "prefix" query parameter.
type RedisStateBackend struct {
	client *redis.Client
	key    string
}

func NewRedisStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	prefix := defaultRedisPrefix
	if p := query.Get("prefix"); p != "" {
		prefix = p
	}
	query.Del("prefix")
	parsed.RawQuery = query.Encode()
	dsn = parsed.String()
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisStateBackend{client: redis.NewClient(opts), key: prefix + "state"}, nil
}

func (b *RedisStateBackend) Load() (*persistedState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func (b *RedisStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := jsonMarshalState(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key, data, 0).Err()
}

func (b *RedisStateBackend) Close() error {
	return b.client.Close()
}

type PebbleStateBackend struct {
	db *pebble.DB
}

func NewPebbleStateBackend(dir string) (StateBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStateBackend{db: db}, nil
}

func (b *PebbleStateBackend) Load() (*persistedState, error) {
	value, closer, err := b.db.Get([]byte(kvStateKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeState(value)
}

func (b *PebbleStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := jsonMarshalState(state)
	if err != nil {
		return err
	}
	return b.db.Set([]byte(kvStateKey), data, pebble.Sync)
}

func (b *PebbleStateBackend) Close() error {
	return b.db.Close()
}

type BoltStateBackend struct {
	db *bolt.DB
}

func NewBoltStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, err
	}
	return &BoltStateBackend{db: db}, nil
}

func (b *BoltStateBackend) Load() (*persistedState, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return nil
		}
		// bolt values are only valid inside the transaction
		data = append([]byte(nil), bucket.Get([]byte(kvStateKey))...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func (b *BoltStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := jsonMarshalState(state)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(kvStateKey), data)
	})
}

func (b *BoltStateBackend) Close() error {
	return b.db.Close()
}
