package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
)

// MemoryStore keeps turns in process memory. It is meant for demos and tests;
// nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[uuid.UUID][]dialog.Turn
	ids   map[uuid.UUID]struct{}
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns: make(map[uuid.UUID][]dialog.Turn),
		ids:   make(map[uuid.UUID]struct{}),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Append stores the turn at the end of its dialog.
func (s *MemoryStore) Append(_ context.Context, turn dialog.Turn) (dialog.Turn, error) {
	if err := turn.Validate(); err != nil {
		return dialog.Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[turn.ID]; exists {
		return dialog.Turn{}, storageErr("append", ErrDuplicateID)
	}

	turn.CreatedAt = s.now()
	s.ids[turn.ID] = struct{}{}
	s.turns[turn.DialogID] = append(s.turns[turn.DialogID], turn)
	return turn, nil
}

// ListByDialog returns a copy of the dialog's turns in insertion order.
func (s *MemoryStore) ListByDialog(_ context.Context, dialogID uuid.UUID) ([]dialog.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[dialogID]
	copied := make([]dialog.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
