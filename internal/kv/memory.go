package kv

import (
	"context"
	"sync"
)

// Memory is an in-process Store for tests and ephemeral runs.
type Memory struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemory() *Memory { return &Memory{m: make(map[string][]byte)} }

func (s *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Memory) Set(_ context.Context, key Key, value []byte) error {
	s.mu.Lock()
	s.m[key.String()] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	delete(s.m, key.String())
	s.mu.Unlock()
	return nil
}

func (s *Memory) Close() error { return nil }
