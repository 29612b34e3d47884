package store

import (
	"context"
	"sync"
)

// MemoryStore keeps records for the lifetime of the process.
type MemoryStore struct {
	rooms map[int]RoomRecord
	mu    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[int]RoomRecord),
	}
}

func (s *MemoryStore) SaveRoom(_ context.Context, rec RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[rec.PlayerID] = rec
	return nil
}

func (s *MemoryStore) LoadRoom(_ context.Context, playerID int) (RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[playerID]
	if !ok {
		return RoomRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ClearRoom(_ context.Context, playerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, playerID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
