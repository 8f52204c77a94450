package patient

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps the collection in process memory. It is used by tests and
// by STORE_DRIVER=memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data Collection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Driver() string { return "memory" }

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = Collection{}
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, &StorageError{Op: "load", Driver: s.Driver(), Err: errors.New("store not initialised")}
	}
	return s.data.clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, c Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = c.clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Collection) error) error {
	return loadModifySave(ctx, s, fn)
}
