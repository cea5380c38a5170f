// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

const badgerKeyPrefix = "conv/"

// BadgerStore persists conversations in an embedded BadgerDB so history
// survives gateway restarts. Each conversation is one key holding the
// JSON-encoded turn slice; appends read-modify-write under a per-id
// lock to keep turn order stable across concurrent sessions.
type BadgerStore struct {
	db *badger.DB

	// idLocks serializes appends per conversation id. Values are
	// *sync.Mutex and are never removed; conversation churn is low
	// enough that the map does not need eviction.
	idLocks sync.Map
}

// badgerLogger adapts slog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore opens (or creates) a BadgerDB at path.
//
// # Inputs
//
//   - path: Directory for database files. Created if missing.
//
// # Outputs
//
//   - *BadgerStore: Ready-to-use store. Caller must Close() when done.
//   - error: Non-nil if the directory or database cannot be opened.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("badger store requires a path")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create conversation database directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: slog.Default()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// newBadgerStoreInMemory opens an in-memory store for tests.
func newBadgerStoreInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory conversation database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

var _ Store = (*BadgerStore)(nil)

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) lockFor(conversationID string) *sync.Mutex {
	mu, _ := s.idLocks.LoadOrStore(conversationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func badgerKey(conversationID string) []byte {
	return []byte(badgerKeyPrefix + conversationID)
}

func (s *BadgerStore) Append(ctx context.Context, conversationID string, turn datatypes.Turn) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	turns, err := s.readTurns(conversationID)
	if err != nil {
		return err
	}
	turns = append(turns, turn)

	encoded, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conversationID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(conversationID), encoded)
	})
	if err != nil {
		return fmt.Errorf("persist conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *BadgerStore) History(ctx context.Context, conversationID string) ([]datatypes.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	return s.readTurns(conversationID)
}

func (s *BadgerStore) Clear(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(conversationID))
	})
	if err != nil {
		return fmt.Errorf("clear conversation %s: %w", conversationID, err)
	}
	return nil
}

// readTurns loads a conversation's turns; an unknown id yields an
// empty slice.
func (s *BadgerStore) readTurns(conversationID string) ([]datatypes.Turn, error) {
	turns := []datatypes.Turn{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(conversationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &turns)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	return turns, nil
}
