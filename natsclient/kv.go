package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stagegrid/errors"
)

// KV errors
var (
	ErrKVKeyNotFound = errors.ErrKeyNotFound
	ErrKVKeyExists   = errors.ErrKeyExists
)

// KVEntry wraps a KV entry with its revision
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore provides the key-value operations the name service needs
type KVStore struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
	logger  Logger
}

// NewKVStore wraps bucket. Each operation is bounded by timeout when positive.
func (m *Client) NewKVStore(bucket jetstream.KeyValue, timeout time.Duration) *KVStore {
	return &KVStore{
		bucket:  bucket,
		timeout: timeout,
		logger:  m.logger,
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.timeout > 0 {
		return context.WithTimeout(ctx, kv.timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Create stores value only if key does not exist yet
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}

	if kv.logger != nil {
		kv.logger.Debugf("KV Create: key=%s, revision=%d", key, rev)
	}
	return rev, nil
}

// Delete removes key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) ||
		stderrors.Is(err, ErrKVKeyNotFound)
}

// IsKVConflictError checks if error indicates the key already exists or the
// revision did not match
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyExists) || stderrors.Is(err, ErrKVKeyExists) {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}

func bucketConfig(name string) jetstream.KeyValueConfig {
	return jetstream.KeyValueConfig{Bucket: name, History: 1}
}

// EnsureKVStore creates bucket if needed and wraps it in a KVStore.
func (m *Client) EnsureKVStore(ctx context.Context, bucket string, timeout time.Duration) (*KVStore, error) {
	b, err := m.CreateKeyValueBucket(ctx, bucketConfig(bucket))
	if err != nil {
		return nil, err
	}
	return m.NewKVStore(b, timeout), nil
}
