package docsession

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// SnapshotStore persists encoded replicas between sessions. Load returns
// (nil, nil) for a document that was never saved.
type SnapshotStore interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, data []byte) error
	Close() error
}

type SnapshotStoreFactory func(dsn string) (SnapshotStore, error)

var snapshotFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SnapshotStoreFactory
}{
	factories: map[string]SnapshotStoreFactory{},
}

func RegisterSnapshotStoreFactory(scheme string, factory SnapshotStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	snapshotFactoryRegistry.mu.Lock()
	defer snapshotFactoryRegistry.mu.Unlock()
	snapshotFactoryRegistry.factories[scheme] = factory
}

func lookupSnapshotStoreFactory(scheme string) (SnapshotStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	snapshotFactoryRegistry.mu.RLock()
	defer snapshotFactoryRegistry.mu.RUnlock()
	factory, ok := snapshotFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildSnapshotStoreFromDSN returns nil for an empty DSN: replicas then live
// only in memory.
func BuildSnapshotStoreFromDSN(dsn string) (SnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupSnapshotStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSnapshotStore(dir)
	case "memory", "mem", "inmem":
		return NewMemorySnapshotStore(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: snapshot store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported snapshot store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	saves     int
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: map[string][]byte{}}
}

func (m *MemorySnapshotStore) Load(_ context.Context, documentID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.snapshots[documentID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *MemorySnapshotStore) Save(_ context.Context, documentID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[documentID] = append([]byte(nil), data...)
	m.saves++
	return nil
}

// Saves reports how many writes the store has accepted.
func (m *MemorySnapshotStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemorySnapshotStore) Close() error {
	return nil
}

// Persisted snapshots are zstd frames around the CBOR encoding.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("docsession: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("docsession: zstd decoder initialization failed: " + err.Error())
	}
}

func compressSnapshot(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompressSnapshot(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	return out, nil
}
