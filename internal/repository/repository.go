// Package repository содержит хранилища ключ-значение для локального состояния клиента.
package repository

import (
	"context"
	"errors"
	"sync"
)

// ErrStoreClosed возвращается при обращении к закрытому хранилищу.
var ErrStoreClosed = errors.New("store is closed")

// Store описывает минимальный контракт хранилища ключ-значение.
// Get возвращает признак наличия ключа; Remove отсутствующего ключа не является ошибкой.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// MemoryStore хранит значения в памяти процесса.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get возвращает значение по ключу.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, ErrStoreClosed
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set сохраняет значение по ключу.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.values[key] = value
	return nil
}

// Remove удаляет ключ.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.values, key)
	return nil
}

// Close закрывает хранилище.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
