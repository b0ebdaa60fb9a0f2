// Package knowledge defines the KnowledgeStore capability. The runtime
// only writes closing summaries and reads them back; indexing or vector
// search implementations live behind the interface.
package knowledge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// Entry is one stored knowledge record.
type Entry struct {
	ID             string
	Title          string
	Content        string
	RepositoryPath string
	Tags           []string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Store is the externally-provided knowledge capability.
type Store interface {
	Save(ctx context.Context, entry *Entry) (string, error)
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, repositoryPath string, limit int) ([]*Entry, error)
}

// MemoryStore is the in-process Store used when no external capability
// is wired. Entries live for the process lifetime only.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Save stores an entry, assigning an id when absent.
func (s *MemoryStore) Save(_ context.Context, entry *Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	return entry.ID, nil
}

// Get returns an entry by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, zerr.New(zerr.KindNotFound, "knowledge entry %s", id)
	}
	cp := *e
	return &cp, nil
}

// List returns entries for a repository path, newest first.
func (s *MemoryStore) List(_ context.Context, repositoryPath string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if repositoryPath != "" && e.RepositoryPath != repositoryPath {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
