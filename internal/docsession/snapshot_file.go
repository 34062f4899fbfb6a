package docsession

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const snapshotFileExt = ".snap.zst"

// FileSnapshotStore keeps one compressed file per document under dir.
type FileSnapshotStore struct {
	dir string
	mu  sync.Mutex

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	selfMu   sync.Mutex
	ownWrite map[string]int
}

func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{dir: dir, ownWrite: map[string]int{}}, nil
}

func (f *FileSnapshotStore) path(documentID string) string {
	return filepath.Join(f.dir, url.PathEscape(documentID)+snapshotFileExt)
}

func (f *FileSnapshotStore) Load(_ context.Context, documentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(documentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decompressSnapshot(data)
}

func (f *FileSnapshotStore) Save(_ context.Context, documentID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.path(documentID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, compressSnapshot(data), 0o644); err != nil {
		return err
	}
	f.selfMu.Lock()
	f.ownWrite[documentID]++
	f.selfMu.Unlock()
	if err := os.Rename(tmp, target); err != nil {
		f.selfMu.Lock()
		f.ownWrite[documentID]--
		f.selfMu.Unlock()
		return err
	}
	return nil
}

// Watch calls onChange with the document id whenever another process
// rewrites or removes a snapshot file. Writes made through this store are
// not reported. Watch runs until ctx ends or the store is closed.
func (f *FileSnapshotStore) Watch(ctx context.Context, onChange func(documentID string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(f.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", f.dir, err)
	}
	f.watchMu.Lock()
	if f.watcher != nil {
		_ = f.watcher.Close()
	}
	f.watcher = watcher
	f.watchMu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = watcher.Close()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				documentID, ok := f.documentIDFromPath(event.Name)
				if !ok {
					continue
				}
				if f.consumeOwnWrite(documentID, event) {
					continue
				}
				onChange(documentID)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (f *FileSnapshotStore) documentIDFromPath(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, snapshotFileExt) {
		return "", false
	}
	documentID, err := url.PathUnescape(strings.TrimSuffix(base, snapshotFileExt))
	if err != nil || documentID == "" {
		return "", false
	}
	return documentID, true
}

// consumeOwnWrite swallows the create event our own rename produces.
func (f *FileSnapshotStore) consumeOwnWrite(documentID string, event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) {
		return false
	}
	f.selfMu.Lock()
	defer f.selfMu.Unlock()
	if f.ownWrite[documentID] == 0 {
		return false
	}
	f.ownWrite[documentID]--
	if f.ownWrite[documentID] == 0 {
		delete(f.ownWrite, documentID)
	}
	return true
}

func (f *FileSnapshotStore) Close() error {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	f.watcher = nil
	return err
}
