package usecases

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// mockLogger implements the Logger interface for testing.
type mockLogger struct{}

func (m *mockLogger) Info(_ context.Context, _ string, _ map[string]interface{})           {}
func (m *mockLogger) Debug(_ context.Context, _ string, _ map[string]interface{})          {}
func (m *mockLogger) Warn(_ context.Context, _ string, _ map[string]interface{})           {}
func (m *mockLogger) Error(_ context.Context, _ string, _ error, _ map[string]interface{}) {}

// mockRegistry implements domain.MirrorRegistry for testing.
type mockRegistry struct {
	mu           sync.Mutex
	mirror       *mockMirror
	acquireErr   error
	acquireCalls int
	freshCalls   int
	removeErr    error
	removed      []string
}

func newMockRegistry(m *mockMirror) *mockRegistry {
	return &mockRegistry{mirror: m}
}

func (r *mockRegistry) Resolve(identity string) (domain.RepositoryRef, error) {
	owner, name, ok := splitIdentity(identity)
	if !ok {
		return domain.RepositoryRef{}, domain.NewOpError("resolve", identity, "", domain.ErrInvalidIdentity)
	}
	return domain.RepositoryRef{
		Identity:   identity,
		Owner:      owner,
		Name:       name,
		URL:        "https://github.com/" + identity + ".git",
		MirrorPath: "/mirrors/" + identity,
	}, nil
}

func (r *mockRegistry) Acquire(_ context.Context, identity string, forceFresh bool) (domain.Mirror, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquireCalls++
	if forceFresh {
		r.freshCalls++
	}
	if r.acquireErr != nil {
		return nil, r.acquireErr
	}
	ref, err := r.Resolve(identity)
	if err != nil {
		return nil, err
	}
	r.mirror.ref = ref
	return r.mirror, nil
}

func (r *mockRegistry) Remove(_ context.Context, identity string) error {
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, identity)
	return nil
}

func splitIdentity(identity string) (string, string, bool) {
	for i := 0; i < len(identity); i++ {
		if identity[i] == '/' {
			if i == 0 || i == len(identity)-1 {
				return "", "", false
			}
			return identity[:i], identity[i+1:], true
		}
	}
	return "", "", false
}

// mockMirror implements domain.Mirror for testing.
type mockMirror struct {
	ref        domain.RepositoryRef
	commits    []domain.CommitRecord
	listErr    error
	revisions  map[string]string
	infoErr    error
	latest     string
	files      map[string][]domain.FileSnapshot
	filesErr   error
	changed    map[string][]string
	changedErr map[string]error
}

func (m *mockMirror) Ref() domain.RepositoryRef { return m.ref }

func (m *mockMirror) ListCommits(_ context.Context) ([]domain.CommitRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.commits, nil
}

func (m *mockMirror) ListMatchingCommits(_ context.Context) ([]domain.CommitRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := []domain.CommitRecord{}
	for _, c := range m.commits {
		if c.TouchesTarget {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockMirror) CommitInfo(_ context.Context, rev string) (*domain.CommitRecord, error) {
	if m.infoErr != nil {
		return nil, m.infoErr
	}
	hash := rev
	if h, ok := m.revisions[rev]; ok {
		hash = h
	}
	for _, c := range m.commits {
		if c.Hash == hash {
			c := c
			return &c, nil
		}
	}
	return nil, domain.NewOpError("commit info", m.ref.Identity, rev, domain.ErrCommitNotFound)
}

func (m *mockMirror) LatestCommit(_ context.Context) (string, error) {
	return m.latest, nil
}

func (m *mockMirror) FilesAt(_ context.Context, rev string) ([]domain.FileSnapshot, error) {
	if m.filesErr != nil {
		return nil, m.filesErr
	}
	return m.files[rev], nil
}

func (m *mockMirror) ChangedFilesAt(_ context.Context, rev string) ([]string, error) {
	if err := m.changedErr[rev]; err != nil {
		return nil, err
	}
	if paths, ok := m.changed[rev]; ok {
		return paths, nil
	}
	return []string{}, nil
}

// mockDistiller implements domain.Distiller for testing.
type mockDistiller struct {
	mu           sync.Mutex
	results      []distillResult
	calls        int
	reachableErr error
	gate         chan struct{}
	started      chan struct{}
}

type distillResult struct {
	doc domain.Document
	err error
}

func (d *mockDistiller) Distill(ctx context.Context, _, _ string, _ []domain.FileSnapshot) (domain.Document, error) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	d.mu.Unlock()

	if d.started != nil && i == 0 {
		close(d.started)
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	return d.results[i].doc, d.results[i].err
}

func (d *mockDistiller) Reachable() error { return d.reachableErr }

func (d *mockDistiller) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// mockStore implements domain.ResultStore for testing.
type mockStore struct {
	mu            sync.Mutex
	docs          map[domain.CacheKey]domain.Document
	records       map[domain.CacheKey]*domain.SchematicRecord
	getErr        error
	putErr        error
	recordErr     error
	storeErr      error
	invalidateErr error
	invalidated   int64
	findKeys      []domain.CacheKey
	findErr       error
	puts          []domain.CacheKey
	updates       map[domain.CacheKey]domain.RecordUpdate
	invalidations []domain.CacheKey
}

func newMockStore() *mockStore {
	return &mockStore{
		docs:    map[domain.CacheKey]domain.Document{},
		records: map[domain.CacheKey]*domain.SchematicRecord{},
		updates: map[domain.CacheKey]domain.RecordUpdate{},
	}
}

func (s *mockStore) Get(_ context.Context, repoURL, commitHash string) (domain.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	doc, ok := s.docs[domain.CacheKey{RepoURL: repoURL, CommitHash: commitHash}]
	return doc, ok, nil
}

func (s *mockStore) Put(_ context.Context, repoURL, commitHash string, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.CacheKey{RepoURL: repoURL, CommitHash: commitHash}
	s.puts = append(s.puts, key)
	if s.putErr != nil {
		return s.putErr
	}
	s.docs[key] = doc
	return nil
}

func (s *mockStore) Invalidate(_ context.Context, repoURL, commitHash string) (int64, error) {
	s.invalidations = append(s.invalidations, domain.CacheKey{RepoURL: repoURL, CommitHash: commitHash})
	if s.invalidateErr != nil {
		return 0, s.invalidateErr
	}
	return s.invalidated, nil
}

func (s *mockStore) StoreRecord(_ context.Context, repoURL, commitHash string, update domain.RecordUpdate) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	s.updates[domain.CacheKey{RepoURL: repoURL, CommitHash: commitHash}] = update
	return nil
}

func (s *mockStore) Record(_ context.Context, repoURL, commitHash string) (*domain.SchematicRecord, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	return s.records[domain.CacheKey{RepoURL: repoURL, CommitHash: commitHash}], nil
}

func (s *mockStore) FindByPart(_ context.Context, _ uuid.UUID) ([]domain.CacheKey, error) {
	return s.findKeys, s.findErr
}

func (s *mockStore) Migrate(_ context.Context) error { return nil }
func (s *mockStore) Close() error                    { return nil }

func (s *mockStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

// mockReaper implements domain.WorkspaceReaper for testing.
type mockReaper struct {
	calls int
	err   error
}

func (r *mockReaper) Reap(_ context.Context) (int, error) {
	r.calls++
	return 0, r.err
}

func strPtr(s string) *string { return &s }
