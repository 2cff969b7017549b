package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go"
)

// KVStore maps the EntityStore contract onto NATS JetStream key-value
// buckets, one bucket per kind. Composite keys use ':' as a separator, which
// KV does not allow, so keys are stored with '.' instead, giving the usual
// "{group}.{user}" KV layout. Ids therefore must not contain dots; the
// request handlers reject such ids at the edge.
type KVStore struct {
	buckets map[string]nats.KeyValue
}

// NewKVStore creates (or binds to) one bucket per known kind.
func NewKVStore(js nats.JetStreamContext) (*KVStore, error) {
	kinds := []string{KindUsers, KindSessions, KindGroups, KindMembers, KindPending, KindIntents}
	buckets := make(map[string]nats.KeyValue, len(kinds))
	for _, kind := range kinds {
		kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucketName(kind),
			History: 1,
			Storage: nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create KV bucket %s: %w", bucketName(kind), err)
		}
		buckets[kind] = kv
	}
	return &KVStore{buckets: buckets}, nil
}

func bucketName(kind string) string {
	return strings.ToUpper(kind)
}

func encodeKey(key string) string { return strings.ReplaceAll(key, ":", ".") }
func decodeKey(key string) string { return strings.ReplaceAll(key, ".", ":") }

func (s *KVStore) bucket(kind string) (nats.KeyValue, error) {
	kv, ok := s.buckets[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	return kv, nil
}

func (s *KVStore) Get(_ context.Context, kind, key string) ([]byte, error) {
	kv, err := s.bucket(kind)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(encodeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s/%s: %w", kind, key, err)
	}
	return entry.Value(), nil
}

func (s *KVStore) Put(_ context.Context, kind, key string, value []byte) error {
	kv, err := s.bucket(kind)
	if err != nil {
		return err
	}
	if _, err := kv.Put(encodeKey(key), value); err != nil {
		return fmt.Errorf("kv put %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *KVStore) Delete(_ context.Context, kind, key string) error {
	kv, err := s.bucket(kind)
	if err != nil {
		return err
	}
	err = kv.Delete(encodeKey(key))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *KVStore) Scan(_ context.Context, kind string, fn func(key string, value []byte) bool) error {
	kv, err := s.bucket(kind)
	if err != nil {
		return err
	}
	keys, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv keys %s: %w", kind, err)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry, err := kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue // deleted between Keys and Get
		}
		if err != nil {
			return fmt.Errorf("kv get %s/%s: %w", kind, k, err)
		}
		if !fn(decodeKey(k), entry.Value()) {
			return nil
		}
	}
	return nil
}
