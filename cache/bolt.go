package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/BENDERFACToRY/gatekeeper/telemetry"
)

// BoltStore is a Store persisted in a bbolt file. Each namespace is a
// separate bucket, so several caches can share one file.
type BoltStore struct {
	db        *bbolt.DB
	bucket    []byte
	codec     *codec
	logger    *slog.Logger
	now       func() time.Time
	noSync    bool
	ownsDB    bool
	namespace string
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *BoltStore) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) the bbolt file at path and returns a
// store for namespace. The store owns the file and closes it on Close.
func OpenBolt(path, namespace string, opts ...BoltOption) (*BoltStore, error) {
	b := newBoltStore(namespace, opts...)
	if namespace == "" {
		return nil, errors.New("cache: namespace is required")
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db
	b.ownsDB = true

	if err := b.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	b.logger.Debug("opened cache", "path", path, "namespace", namespace, "noSync", b.noSync)
	return b, nil
}

// NewBoltStore returns a store for namespace on an already open database.
// The caller keeps ownership of db.
func NewBoltStore(db *bbolt.DB, namespace string, opts ...BoltOption) (*BoltStore, error) {
	if namespace == "" {
		return nil, errors.New("cache: namespace is required")
	}
	b := newBoltStore(namespace, opts...)
	b.db = db
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

func newBoltStore(namespace string, opts ...BoltOption) *BoltStore {
	b := &BoltStore{
		bucket:    []byte(namespace),
		namespace: namespace,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BoltStore) init() error {
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(b.bucket); err != nil {
			return fmt.Errorf("creating bucket %s: %w", b.bucket, err)
		}
		return nil
	}); err != nil {
		return err
	}

	c, err := newCodec()
	if err != nil {
		return err
	}
	b.codec = c
	return nil
}

// Close releases the codec and, when the store opened it, the database.
func (b *BoltStore) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil || !b.ownsDB {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Namespace returns the bucket name the store writes to.
func (b *BoltStore) Namespace() string {
	return b.namespace
}

// Get implements Store.
func (b *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	env, err := b.readEnvelope(key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			telemetry.RecordCacheOp(ctx, "bolt", "get", "miss", time.Since(start))
			return nil, ErrMiss
		}
		telemetry.RecordCacheOp(ctx, "bolt", "get", "error", time.Since(start))
		return nil, err
	}

	if expired(env.expiry(), b.now()) {
		b.deleteIfExpired(key)
		telemetry.RecordCacheOp(ctx, "bolt", "get", "miss", time.Since(start))
		return nil, ErrMiss
	}

	data, err := b.codec.open(env)
	if err != nil {
		b.logger.Warn("discarding unreadable cache entry", "namespace", b.namespace, "key", key, "error", err)
		_ = b.Delete(ctx, key)
		telemetry.RecordCacheOp(ctx, "bolt", "get", "miss", time.Since(start))
		return nil, ErrMiss
	}

	telemetry.RecordCacheOp(ctx, "bolt", "get", "hit", time.Since(start))
	return data, nil
}

func (b *BoltStore) readEnvelope(key string) (*envelope, error) {
	var env envelope
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return ErrMiss
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrMiss
		}
		// val is only valid for the life of the transaction; Unmarshal copies.
		if err := json.Unmarshal(val, &env); err != nil {
			b.logger.Warn("discarding undecodable cache entry", "namespace", b.namespace, "key", key, "error", err)
			return ErrMiss
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// deleteIfExpired removes key if it is still expired, leaving a value written
// concurrently since the read untouched.
func (b *BoltStore) deleteIfExpired(key string) {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return nil
		}
		var env envelope
		if err := json.Unmarshal(val, &env); err == nil && !expired(env.expiry(), b.now()) {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		b.logger.Debug("failed to delete expired entry", "namespace", b.namespace, "key", key, "error", err)
	}
}

// Put implements Store.
func (b *BoltStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	now := b.now()

	env, err := b.codec.seal(value, now, expiresAt(now, ttl))
	if err != nil {
		telemetry.RecordCacheOp(ctx, "bolt", "put", "error", time.Since(start))
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		telemetry.RecordCacheOp(ctx, "bolt", "put", "error", time.Since(start))
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", b.bucket)
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return nil
	})
	if err != nil {
		telemetry.RecordCacheOp(ctx, "bolt", "put", "error", time.Since(start))
		return err
	}

	telemetry.RecordCacheOp(ctx, "bolt", "put", "ok", time.Since(start))
	return nil
}

// Delete implements Store.
func (b *BoltStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordCacheOp(ctx, "bolt", "delete", outcome, time.Since(start))
	return err
}

// PurgeExpired implements Purger.
func (b *BoltStore) PurgeExpired(ctx context.Context, limit int) (int, error) {
	start := time.Now()
	now := b.now()

	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}

		var keys [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(keys) >= limit {
				break
			}
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil || expired(env.expiry(), now) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}

		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting %s: %w", k, err)
			}
			deleted++
		}
		return nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
		deleted = 0
	}
	telemetry.RecordCacheOp(ctx, "bolt", "purge", outcome, time.Since(start))
	return deleted, err
}

// Len returns the number of entries held, including expired ones not yet purged.
func (b *BoltStore) Len() (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}
