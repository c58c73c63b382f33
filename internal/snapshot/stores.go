package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/aura-voice/backend/pkg/storage"
)

// FileStore keeps each document as {dir}/{name}.json.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

var _ Store = (*FileStore)(nil)

// Write replaces each document atomically (temp file + rename).
func (f *FileStore) Write(_ context.Context, docs map[string][]byte) error {
	for name, raw := range docs {
		final := filepath.Join(f.dir, name+".json")
		tmp := final + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := os.Rename(tmp, final); err != nil {
			return fmt.Errorf("rename %s: %w", name, err)
		}
	}
	return nil
}

func (f *FileStore) Read(_ context.Context) (map[string][]byte, error) {
	docs := make(map[string][]byte, len(Documents))
	for _, name := range Documents {
		raw, err := os.ReadFile(filepath.Join(f.dir, name+".json"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		docs[name] = raw
	}
	return docs, nil
}

// RedisStore keeps each document under {prefix}{name}.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "voice:snapshot:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

// Write sets every document in one MULTI/EXEC so readers never see a mix
// of two snapshots.
func (r *RedisStore) Write(ctx context.Context, docs map[string][]byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, raw := range docs {
			pipe.Set(ctx, r.prefix+name, raw, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis snapshot write: %w", err)
	}
	return nil
}

func (r *RedisStore) Read(ctx context.Context) (map[string][]byte, error) {
	keys := make([]string, len(Documents))
	for i, name := range Documents {
		keys[i] = r.prefix + name
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot read: %w", err)
	}
	docs := make(map[string][]byte, len(Documents))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		docs[Documents[i]] = []byte(s)
	}
	return docs, nil
}

// ObjectStore is the subset of *storage.S3 the S3 store uses.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3Store keeps each document as snapshots/{prefix}/{name}.json.
type S3Store struct {
	objects ObjectStore
	prefix  string
}

// NewS3Store creates an object-storage-backed store.
func NewS3Store(objects ObjectStore, prefix string) *S3Store {
	if prefix == "" {
		prefix = "voice"
	}
	return &S3Store{objects: objects, prefix: prefix}
}

var _ Store = (*S3Store)(nil)

func (s *S3Store) Write(ctx context.Context, docs map[string][]byte) error {
	for name, raw := range docs {
		if err := s.objects.Put(ctx, storage.SnapshotKey(s.prefix, name), "application/json", raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) Read(ctx context.Context) (map[string][]byte, error) {
	docs := make(map[string][]byte, len(Documents))
	for _, name := range Documents {
		raw, err := s.objects.Get(ctx, storage.SnapshotKey(s.prefix, name))
		if errors.Is(err, storage.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs[name] = raw
	}
	return docs, nil
}

// Mirror writes to a primary store and best-effort to an archive; reads
// come from the primary only.
type Mirror struct {
	Primary Store
	Archive Store
	OnError func(error)
}

var _ Store = (*Mirror)(nil)

func (m *Mirror) Write(ctx context.Context, docs map[string][]byte) error {
	if err := m.Primary.Write(ctx, docs); err != nil {
		return err
	}
	if err := m.Archive.Write(ctx, docs); err != nil && m.OnError != nil {
		m.OnError(fmt.Errorf("archive snapshot: %w", err))
	}
	return nil
}

func (m *Mirror) Read(ctx context.Context) (map[string][]byte, error) {
	return m.Primary.Read(ctx)
}
