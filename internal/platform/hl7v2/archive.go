package hl7v2

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ArchivedMessage is an encoded message kept for later retrieval.
type ArchivedMessage struct {
	ID           uuid.UUID `json:"id"`
	ControlID    string    `json:"controlId,omitempty"`
	MessageType  string    `json:"messageType,omitempty"`
	Body         string    `json:"body"`
	SegmentCount int       `json:"segmentCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MessageStore persists encoded messages. Implementations must be safe for
// concurrent use.
type MessageStore interface {
	Save(ctx context.Context, msg *ArchivedMessage) error
	Get(ctx context.Context, id uuid.UUID) (*ArchivedMessage, error)
	// List returns one page, newest first, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*ArchivedMessage, int, error)
}

// InMemoryMessageStore is a process-local MessageStore.
type InMemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*ArchivedMessage
}

// NewInMemoryMessageStore returns an empty store.
func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{messages: make(map[uuid.UUID]*ArchivedMessage)}
}

// Save stores a copy of msg, assigning an ID and creation time if unset.
func (s *InMemoryMessageStore) Save(_ context.Context, msg *ArchivedMessage) error {
	prepareArchived(msg)
	cp := *msg

	s.mu.Lock()
	s.messages[cp.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *InMemoryMessageStore) Get(_ context.Context, id uuid.UUID) (*ArchivedMessage, error) {
	s.mu.RLock()
	msg, ok := s.messages[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *InMemoryMessageStore) List(_ context.Context, limit, offset int) ([]*ArchivedMessage, int, error) {
	s.mu.RLock()
	all := make([]*ArchivedMessage, 0, len(s.messages))
	for _, m := range s.messages {
		cp := *m
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []*ArchivedMessage{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func prepareArchived(msg *ArchivedMessage) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
}
