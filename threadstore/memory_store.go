package threadstore

import (
	"context"
	"sync"

	"github.com/hasura/promptql-chat-sdk/ids"
)

type MemoryStore struct {
	mu     sync.Mutex
	scope  string
	values map[string]string
	closed bool
}

func NewMemoryStore(scope string) (*MemoryStore, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	return &MemoryStore{
		scope:  scope,
		values: make(map[string]string),
	}, nil
}

func (s *MemoryStore) Get(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	value := s.values[scopeKey(s.scope)]
	if !ids.ValidThreadID(value) {
		return "", nil
	}
	return value, nil
}

func (s *MemoryStore) Set(_ context.Context, threadID string) error {
	if err := validateThreadID(threadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[scopeKey(s.scope)] = threadID
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.values, scopeKey(s.scope))
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
