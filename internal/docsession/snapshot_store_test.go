package docsession

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSnapshotStoreFactory(t *testing.T) {
	scheme := "snaptestcustom"
	RegisterSnapshotStoreFactory(scheme, func(dsn string) (SnapshotStore, error) {
		return NewMemorySnapshotStore(), nil
	})
	store, err := BuildSnapshotStoreFromDSN(scheme + "://example")
	require.NoError(t, err)
	assert.IsType(t, &MemorySnapshotStore{}, store)
}

func TestBuildSnapshotStoreFromDSN(t *testing.T) {
	store, err := BuildSnapshotStoreFromDSN("")
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = BuildSnapshotStoreFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemorySnapshotStore{}, store)

	dir := filepath.Join(t.TempDir(), "snapshots")
	store, err = BuildSnapshotStoreFromDSN("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileSnapshotStore{}, store)

	store, err = BuildSnapshotStoreFromDSN("postgres://user@localhost/relay")
	require.NoError(t, err)
	assert.IsType(t, &PostgresSnapshotStore{}, store)

	_, err = BuildSnapshotStoreFromDSN("sqlite://local.db")
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = BuildSnapshotStoreFromDSN("ftp://nowhere")
	assert.Error(t, err)
}

func TestFileSnapshotStoreRoundTrip(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	data, err := store.Load(context.Background(), "doc:1")
	require.NoError(t, err)
	assert.Nil(t, data)

	payload := []byte(strings.Repeat("page-state ", 64))
	require.NoError(t, store.Save(context.Background(), "doc:1", payload))

	raw, err := os.ReadFile(store.path("doc:1"))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(payload), "snapshots are stored compressed")

	data, err = store.Load(context.Background(), "doc:1")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFileSnapshotStoreWatchReportsForeignWrites(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	require.NoError(t, err)
	defer store.Close()

	changed := make(chan string, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx, func(id string) { changed <- id }))

	require.NoError(t, store.Save(context.Background(), "own", []byte("mine")))

	other, err := NewFileSnapshotStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(other.path("foreign"), compressSnapshot([]byte("theirs")), 0o644))

	select {
	case id := <-changed:
		assert.Equal(t, "foreign", id)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected change notification for foreign write")
	}
}

func TestStoreInvalidatesOnFileChange(t *testing.T) {
	dir := t.TempDir()
	snapshots, err := NewFileSnapshotStore(dir)
	require.NoError(t, err)
	store := NewStore(StoreOptions{Snapshots: snapshots})
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, snapshots.Watch(ctx, func(id string) { store.Invalidate(id) }))

	h, err := store.Acquire(context.Background(), "page", Scope{})
	require.NoError(t, err)
	require.NoError(t, h.Release())
	require.True(t, store.Loaded("page"))

	updated := NewPageDocument("Edited elsewhere")
	encoded, err := updated.EncodeSnapshot()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshots.path("page"), compressSnapshot(encoded), 0o644))

	require.Eventually(t, func() bool { return !store.Loaded("page") }, 2*time.Second, 10*time.Millisecond)

	h, err = store.Acquire(context.Background(), "page", Scope{})
	require.NoError(t, err)
	defer h.Release()
	snap, err := store.SnapshotFormats("page")
	require.NoError(t, err)
	assert.Equal(t, "Edited elsewhere", snap.Title)
}

var postgresIntegrationCounter uint64

func TestPostgresIntegrationSnapshotRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAYLIVE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYLIVE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresSnapshotStore(dsn)
	require.NoError(t, err)
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	store.tableName = fmt.Sprintf("relaylive_snapshots_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		_ = store.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer db.Close()
		_, _ = db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(store.tableName)))
	})

	data, err := store.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, store.Save(context.Background(), "doc", []byte("v1")))
	require.NoError(t, store.Save(context.Background(), "doc", []byte("v2")))
	data, err = store.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"plain"`, postgresQuoteIdentifier("plain"))
	assert.Equal(t, `"we""ird"`, postgresQuoteIdentifier(`we"ird`))
	assert.Equal(t, `""`, postgresQuoteIdentifier(" "))
}
