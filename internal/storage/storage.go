package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore persists generated artifacts and returns a stable reference
// (a URL) clients can load them from.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemoryStore keeps objects in process. References use the mem:// scheme.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	failPut error
}

type Object struct {
	Data        []byte
	ContentType string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// FailPuts makes every subsequent Put return err. Passing nil restores
// normal behavior.
func (s *MemoryStore) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return "", fmt.Errorf("put object %s: %w", key, s.failPut)
	}
	s.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return "mem://" + key, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[strings.TrimPrefix(key, "mem://")]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), obj.Data...), nil
}

func (s *MemoryStore) Object(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[strings.TrimPrefix(key, "mem://")]
	return obj, ok
}

func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
