package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tjfontaine/darkroom/internal/storage"
)

// Store is an in-memory SessionStore.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*storage.Session
}

var _ storage.SessionStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		sessions: make(map[string]*storage.Session),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}

	sess.CreatedAt = time.Now()
	sess.UpdatedAt = sess.CreatedAt
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return sess.Clone(), nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; !exists {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}

	sess.UpdatedAt = time.Now()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Blobs is an in-memory BlobStore.
type Blobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ storage.BlobStore = (*Blobs)(nil)

// NewBlobs creates an empty blob store.
func NewBlobs() *Blobs {
	return &Blobs{blobs: make(map[string][]byte)}
}

func (b *Blobs) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (b *Blobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, storage.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (b *Blobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}
