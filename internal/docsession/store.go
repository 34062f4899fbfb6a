package docsession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

const (
	defaultIdleTTL        = 30 * time.Second
	defaultMaxIdle        = 256
	defaultHydrateTimeout = 10 * time.Second
	maxDocumentIDLength   = 256
)

// Scope identifies who a session is opened for. It is used for hydration and
// logging only.
type Scope struct {
	WorkspaceSlug string
	ProjectID     string
	TeamspaceID   string
}

// DocumentFactory builds a replica from a persisted snapshot; snapshot is nil
// for documents that have never been saved.
type DocumentFactory func(documentID string, snapshot []byte) (CollaborativeDocument, error)

type StoreOptions struct {
	Snapshots SnapshotStore
	Factory   DocumentFactory
	// IdleTTL is how long a replica with zero references is kept. A negative
	// value evicts as soon as the last reference is released.
	IdleTTL time.Duration
	// MaxIdle caps the number of idle replicas; the least recently released go first.
	MaxIdle        int
	HydrateTimeout time.Duration
	SweepInterval  time.Duration
	Logger         zerolog.Logger
	Now            func() time.Time
}

type Snapshot struct {
	Binary  []byte         `json:"description_binary"`
	Content map[string]any `json:"description"`
	HTML    string         `json:"description_html"`
	Title   string         `json:"name,omitempty"`
}

type StoreStats struct {
	Documents int `json:"documents"`
	Active    int `json:"active"`
	Idle      int `json:"idle"`
	Hydrating int `json:"hydrating"`
	Refs      int `json:"refs"`
}

// Store owns every in-memory replica of this process. Replicas are reference
// counted; transactions on one document are serialized.
type Store struct {
	opts   StoreOptions
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

type entry struct {
	id    string
	scope Scope

	// mu serializes transactions and write-back.
	mu  sync.Mutex
	doc CollaborativeDocument

	ready   chan struct{}
	loadErr error

	refs      int
	waiting   int
	idleSince time.Time
	digest    uint64
	// evicted is set under mu once the entry has left the registry.
	evicted bool
}

func NewStore(opts StoreOptions) *Store {
	if opts.Factory == nil {
		opts.Factory = defaultFactory
	}
	if opts.IdleTTL == 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = defaultMaxIdle
	}
	if opts.HydrateTimeout <= 0 {
		opts.HydrateTimeout = defaultHydrateTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "docsession").Logger(),
		entries: map[string]*entry{},
	}
	if opts.SweepInterval > 0 {
		s.stopJanitor = make(chan struct{})
		s.janitorDone = make(chan struct{})
		go s.runJanitor(opts.SweepInterval)
	}
	return s
}

func defaultFactory(_ string, snapshot []byte) (CollaborativeDocument, error) {
	return DecodePageDocument(snapshot)
}

// Handle is one reference to a loaded replica. Release is idempotent.
type Handle struct {
	store    *Store
	id       string
	released atomic.Bool
}

func (h *Handle) DocumentID() string {
	return h.id
}

func (h *Handle) Transact(fn func(CollaborativeDocument) (any, error)) (any, error) {
	return h.store.Transact(h.id, fn)
}

func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.store.Release(h.id)
}

// Acquire returns a reference to the replica for documentID, hydrating it from
// the snapshot store when it is not in memory. Concurrent acquires share one
// hydration. When ctx ends first no reference is kept.
func (s *Store) Acquire(ctx context.Context, documentID string, scope Scope) (*Handle, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, &AcquireError{DocumentID: documentID, Err: err}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &AcquireError{DocumentID: documentID, Err: ErrClosed}
	}
	e, ok := s.entries[documentID]
	if ok && e.isReady() && e.loadErr != nil {
		// A failed hydration nobody is waiting on any more; start over.
		delete(s.entries, documentID)
		ok = false
	}
	if !ok {
		e = &entry{id: documentID, scope: scope, ready: make(chan struct{})}
		s.entries[documentID] = e
		go s.hydrate(e)
		hydrationsTotal.WithLabelValues("started").Inc()
	}
	e.waiting++
	s.mu.Unlock()

	var waitErr error
	select {
	case <-e.ready:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.waiting--
	if waitErr == nil && e.loadErr != nil {
		waitErr = e.loadErr
	}
	if waitErr != nil {
		s.dropIfUnusedLocked(e)
		return nil, &AcquireError{DocumentID: documentID, Err: waitErr}
	}
	if s.entries[documentID] != e {
		// Evicted or replaced while we were waiting.
		return nil, &AcquireError{DocumentID: documentID, Err: ErrClosed}
	}
	e.refs++
	e.idleSince = time.Time{}
	s.updateGaugesLocked()
	return &Handle{store: s, id: documentID}, nil
}

func (s *Store) hydrate(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HydrateTimeout)
	defer cancel()

	var snapshot []byte
	var err error
	if s.opts.Snapshots != nil {
		snapshot, err = s.opts.Snapshots.Load(ctx, e.id)
	}
	var doc CollaborativeDocument
	if err == nil {
		doc, err = s.opts.Factory(e.id, snapshot)
	}
	var digest uint64
	if err == nil {
		if encoded, encErr := doc.EncodeSnapshot(); encErr == nil {
			digest = xxhash.Sum64(encoded)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.doc = doc
	e.loadErr = err
	e.digest = digest
	close(e.ready)
	if err != nil {
		hydrationsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn().Err(err).Str("document_id", e.id).Str("workspace_slug", e.scope.WorkspaceSlug).Msg("document hydration failed")
	} else {
		hydrationsTotal.WithLabelValues("succeeded").Inc()
	}
	s.dropIfUnusedLocked(e)
}

// dropIfUnusedLocked forgets an entry that failed or that every waiter
// abandoned before hydration finished.
func (s *Store) dropIfUnusedLocked(e *entry) {
	if e.waiting > 0 || e.refs > 0 || s.entries[e.id] != e {
		return
	}
	if !e.isReady() {
		// hydrate will call back once it finishes.
		return
	}
	if e.loadErr != nil || e.idleSince.IsZero() {
		delete(s.entries, e.id)
		s.updateGaugesLocked()
	}
}

func (e *entry) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Transact runs fn with exclusive access to the replica. fn must not block.
func (s *Store) Transact(documentID string, fn func(CollaborativeDocument) (any, error)) (any, error) {
	e, err := s.loadedEntry(documentID)
	if err != nil {
		return nil, err
	}
	return s.transactEntry(e, fn)
}

// transactEntry runs fn against e unless e was evicted after it was looked up.
func (s *Store) transactEntry(e *entry, fn func(CollaborativeDocument) (any, error)) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return nil, &NotLoadedError{DocumentID: e.id}
	}
	return runMutator(e.id, e.doc, fn)
}

func runMutator(documentID string, doc CollaborativeDocument, fn func(CollaborativeDocument) (any, error)) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &TransactionError{DocumentID: documentID, Err: fmt.Errorf("panic: %v", recovered)}
		}
	}()
	result, err = fn(doc)
	if err != nil {
		return nil, &TransactionError{DocumentID: documentID, Err: err}
	}
	return result, nil
}

// TransactAs is Transact with a typed result.
func TransactAs[T any](s *Store, documentID string, fn func(CollaborativeDocument) (T, error)) (T, error) {
	var zero T
	out, err := s.Transact(documentID, func(doc CollaborativeDocument) (any, error) {
		return fn(doc)
	})
	if err != nil {
		return zero, err
	}
	typed, _ := out.(T)
	return typed, nil
}

func (s *Store) loadedEntry(documentID string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[documentID]
	if !ok || !e.isReady() || e.loadErr != nil {
		return nil, &NotLoadedError{DocumentID: documentID}
	}
	return e, nil
}

// Release drops one reference. At zero the replica stays in memory for the
// idle TTL before eviction.
func (s *Store) Release(documentID string) error {
	s.mu.Lock()
	e, ok := s.entries[documentID]
	if !ok || e.refs == 0 {
		s.mu.Unlock()
		return &NotLoadedError{DocumentID: documentID}
	}
	e.refs--
	var evict []*entry
	if e.refs == 0 {
		e.idleSince = s.opts.Now()
		if s.opts.IdleTTL < 0 {
			delete(s.entries, documentID)
			evict = append(evict, e)
		}
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.writeBack(evict)
	return nil
}

// Loaded reports whether a hydrated replica for documentID is in memory.
func (s *Store) Loaded(documentID string) bool {
	_, err := s.loadedEntry(documentID)
	return err == nil
}

func (s *Store) Refcount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[documentID]; ok {
		return e.refs
	}
	return 0
}

// SnapshotFormats derives the exported representations of a loaded replica
// without mutating it.
func (s *Store) SnapshotFormats(documentID string) (Snapshot, error) {
	e, err := s.loadedEntry(documentID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Snapshot{}, &NotLoadedError{DocumentID: documentID}
	}

	binary, err := e.doc.EncodeSnapshot()
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot for %s: %w", documentID, err)
	}
	tree := readOnlyTree{lookupTree(e.doc, DefaultTree)}
	rendered, err := RenderHTML(tree)
	if err != nil {
		return Snapshot{}, fmt.Errorf("render html for %s: %w", documentID, err)
	}
	out := Snapshot{
		Binary:  binary,
		Content: StructuredContent(tree),
		HTML:    rendered,
	}
	if titled, ok := e.doc.(Titled); ok {
		out.Title = titled.Title()
	}
	return out, nil
}

// lookupTree opens name without creating it; a missing tree reads as empty.
func lookupTree(doc CollaborativeDocument, name string) Tree {
	lookup, ok := doc.(TreeLookup)
	if !ok {
		return doc.Tree(name)
	}
	if tree, found := lookup.LookupTree(name); found {
		return tree
	}
	return &nodeTree{}
}

// readOnlyTree rejects writes so snapshot derivation can never mutate.
type readOnlyTree struct {
	Tree
}

func (readOnlyTree) Insert(int, Node) error { return errors.New("read-only tree") }
func (readOnlyTree) RemoveAt(int) error     { return errors.New("read-only tree") }

func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() StoreStats {
	var stats StoreStats
	for _, e := range s.entries {
		stats.Documents++
		stats.Refs += e.refs
		switch {
		case !e.isReady():
			stats.Hydrating++
		case e.refs > 0:
			stats.Active++
		case !e.idleSince.IsZero():
			stats.Idle++
		}
	}
	return stats
}

func (s *Store) updateGaugesLocked() {
	stats := s.statsLocked()
	sessionsGauge.WithLabelValues("active").Set(float64(stats.Active))
	sessionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	sessionsGauge.WithLabelValues("hydrating").Set(float64(stats.Hydrating))
}

// Sweep evicts idle replicas older than the TTL and enforces the idle cap.
// It returns the evicted document ids.
func (s *Store) Sweep(now time.Time) []string {
	s.mu.Lock()
	idle := make([]*entry, 0)
	for _, e := range s.entries {
		if e.refs == 0 && e.waiting == 0 && e.isReady() && !e.idleSince.IsZero() {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].idleSince.Before(idle[j].idleSince)
	})
	var evict []*entry
	keep := idle[:0:0]
	for _, e := range idle {
		if now.Sub(e.idleSince) >= s.opts.IdleTTL {
			evict = append(evict, e)
			continue
		}
		keep = append(keep, e)
	}
	if overflow := len(keep) - s.opts.MaxIdle; overflow > 0 {
		evict = append(evict, keep[:overflow]...)
	}
	ids := make([]string, 0, len(evict))
	for _, e := range evict {
		delete(s.entries, e.id)
		ids = append(ids, e.id)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.writeBack(evict)
	return ids
}

// Invalidate evicts an idle replica without writing it back, so the next
// Acquire rehydrates. Replicas with references are left alone.
func (s *Store) Invalidate(documentID string) bool {
	s.mu.Lock()
	e, ok := s.entries[documentID]
	if !ok || e.refs > 0 || e.waiting > 0 || !e.isReady() {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, documentID)
	s.updateGaugesLocked()
	s.mu.Unlock()

	evictionsTotal.WithLabelValues("invalidated").Inc()
	_ = s.retire(e, false)
	return true
}

func (s *Store) writeBack(entries []*entry) {
	for _, e := range entries {
		evictionsTotal.WithLabelValues("idle").Inc()
		if err := s.retire(e, true); err != nil {
			s.logger.Warn().Err(err).Str("document_id", e.id).Msg("snapshot write-back failed")
		}
	}
}

// retire marks an entry that has left the registry as evicted and, when save
// is set, writes changed state back to the snapshot store. A transaction that
// took e.mu first is included in the write-back.
func (s *Store) retire(e *entry, save bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = true
	if !save || s.opts.Snapshots == nil || e.loadErr != nil || e.doc == nil {
		return nil
	}
	encoded, err := e.doc.EncodeSnapshot()
	if err != nil {
		return err
	}
	digest := xxhash.Sum64(encoded)
	if digest == e.digest {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HydrateTimeout)
	defer cancel()
	if err := s.opts.Snapshots.Save(ctx, e.id, encoded); err != nil {
		return err
	}
	e.digest = digest
	return nil
}

func (s *Store) runJanitor(interval time.Duration) {
	defer close(s.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopJanitor:
			return
		case <-ticker.C:
			if evicted := s.Sweep(s.opts.Now()); len(evicted) > 0 {
				s.logger.Debug().Strs("document_ids", evicted).Msg("evicted idle documents")
			}
		}
	}
}

// Close stops the janitor, writes back every changed replica and closes the
// snapshot store. Later Acquire calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.isReady() {
			all = append(all, e)
		}
	}
	s.entries = map[string]*entry{}
	s.updateGaugesLocked()
	s.mu.Unlock()

	if s.stopJanitor != nil {
		close(s.stopJanitor)
		<-s.janitorDone
	}
	s.writeBack(all)
	if s.opts.Snapshots != nil {
		return s.opts.Snapshots.Close()
	}
	return nil
}

func validateDocumentID(documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	if len(documentID) > maxDocumentIDLength {
		return fmt.Errorf("%w: document id too long", ErrInvalidInput)
	}
	for _, r := range documentID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return fmt.Errorf("%w: document id contains %q", ErrInvalidInput, r)
		}
	}
	return nil
}
