package approval

import (
	"context"
	"sync"

	"github.com/tarkshell/tark/internal/storage"
)

// storeVersion is bumped when the on-disk approvals.json shape changes.
const storeVersion = 1

type storeFile struct {
	Version   int       `json:"version"`
	Approvals []Pattern `json:"approvals"`
	Denials   []Pattern `json:"denials"`
}

// Store is the persistent (cross-session) approval/denial pattern store,
// backed by a single approvals.json file under the workspace's .tark dir.
type Store struct {
	mu       sync.RWMutex
	storage  *storage.Storage
	path     []string
	cache    storeFile
}

// OpenStore loads (or initializes) the approvals.json file under root.
func OpenStore(root string) (*Store, error) {
	s := &Store{
		storage: storage.New(root),
		path:    []string{"approvals"},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var f storeFile
	err := s.storage.Get(context.Background(), s.path, &f)
	if err != nil {
		if err == storage.ErrNotFound {
			s.cache = storeFile{Version: storeVersion}
			return nil
		}
		return err
	}
	s.cache = f
	return nil
}

func (s *Store) save() error {
	return s.storage.Put(context.Background(), s.path, s.cache)
}

func (s *Store) matchesApproval(tool, command string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cache.Approvals {
		if p.Tool == tool && p.matches(command) {
			return true
		}
	}
	return false
}

func (s *Store) matchesDenial(tool, command string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cache.Denials {
		if p.Tool == tool && p.matches(command) {
			return true
		}
	}
	return false
}

// AddApproval persists a new approval pattern.
func (s *Store) AddApproval(p Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Approvals = append(s.cache.Approvals, p)
	s.cache.Version = storeVersion
	return s.save()
}

// AddDenial persists a new denial pattern.
func (s *Store) AddDenial(p Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Denials = append(s.cache.Denials, p)
	s.cache.Version = storeVersion
	return s.save()
}

// Approvals returns a snapshot of the persisted approval patterns.
func (s *Store) Approvals() []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pattern, len(s.cache.Approvals))
	copy(out, s.cache.Approvals)
	return out
}

// Denials returns a snapshot of the persisted denial patterns.
func (s *Store) Denials() []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pattern, len(s.cache.Denials))
	copy(out, s.cache.Denials)
	return out
}
