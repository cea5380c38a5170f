// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation persists per-conversation turn history. Stores
// create conversations implicitly on first append and treat unknown
// ids as empty rather than as errors.
package conversation

import (
	"context"
	"sync"

	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

// Store is the turn-history contract the gateway runs against.
//
// # Description
//
// Append adds one turn to the end of a conversation, creating the
// conversation if it does not exist. History returns all turns in
// append order; an unknown id yields an empty slice, not an error.
// Clear removes a conversation entirely; clearing an unknown id is a
// no-op. Appends to the same conversation are serialized, so two turns
// never interleave or overwrite each other.
type Store interface {
	Append(ctx context.Context, conversationID string, turn datatypes.Turn) error
	History(ctx context.Context, conversationID string) ([]datatypes.Turn, error)
	Clear(ctx context.Context, conversationID string) error
}

// MemoryStore keeps conversations in process memory. It is the default
// backend; history does not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]datatypes.Turn
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]datatypes.Turn)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(_ context.Context, conversationID string, turn datatypes.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[conversationID] = append(s.turns[conversationID], turn)
	return nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string) ([]datatypes.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.turns[conversationID]
	// Copy so callers never alias the slice a concurrent Append grows.
	out := make([]datatypes.Turn, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, conversationID)
	return nil
}
