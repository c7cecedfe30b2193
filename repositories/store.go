//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_local_store.go -package=mocks
package repositories

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cowatch/domain"
)

// ILocalStore is the durable message surface shared between the session
// manager and the search/query side exposed to the UI layer.
type ILocalStore interface {
	SaveMessage(message domain.Message) (string, error)
	UpdateDeliveryState(key string, state domain.DeliveryState) error
	HasMessage(roomID string, id uuid.UUID) (bool, error)
	GetMessages(roomID string, limit int) ([]domain.Message, error)
	SearchMessages(ctx context.Context, roomID, query string) ([]domain.Message, error)
	UpsertRoom(room domain.Room) error
	GetRoom(roomID string) (domain.Room, bool, error)
	TouchRoom(roomID string, at time.Time) error
	ListRooms() ([]domain.Room, error)
	PurgeOlderThan(retention time.Duration) (int, error)
}

// LocalStore composes the Badger message/room repositories with the Bluge
// search index behind one contract. The mutex serializes writes so the
// Badger record and its index entry land together. The check-then-insert
// dedup lives in the caller; the store alone does not make that pair atomic.
type LocalStore struct {
	messages IMessageRepository
	rooms    IRoomRepository
	index    ISearchIndex
	log      *slog.Logger
	limit    int

	mu sync.Mutex
}

func NewLocalStore(messages IMessageRepository, rooms IRoomRepository, index ISearchIndex, log *slog.Logger, limit int) *LocalStore {
	if limit <= 0 {
		limit = 50
	}
	return &LocalStore{messages: messages, rooms: rooms, index: index, log: log, limit: limit}
}

// SaveMessage persists a message durably and mirrors it into the search
// index. The Badger write is the durability boundary: an index failure is
// logged, not surfaced, because the index is rebuildable.
func (s *LocalStore) SaveMessage(message domain.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.messages.Store(message)
	if err != nil {
		return "", err
	}
	if err := s.index.Index(key, message); err != nil {
		s.log.Warn("Message stored but not indexed", "key", key, "error", err)
	}
	if err := s.rooms.Touch(message.RoomID, message.At); err != nil {
		s.log.Warn("Room activity not updated", "room", message.RoomID, "error", err)
	}
	return key, nil
}

func (s *LocalStore) UpdateDeliveryState(key string, state domain.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.UpdateState(key, state)
}

func (s *LocalStore) HasMessage(roomID string, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Exists(roomID, id)
}

// GetMessages returns the most recent messages for the room, oldest first.
// limit <= 0 falls back to the configured default.
func (s *LocalStore) GetMessages(roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = s.limit
	}
	return s.messages.Recent(roomID, limit)
}

// SearchMessages resolves fuzzy index hits back to full records and orders
// them ascending by timestamp. Match score picks the result set; it never
// dictates presentation order.
func (s *LocalStore) SearchMessages(ctx context.Context, roomID, query string) ([]domain.Message, error) {
	keys, err := s.index.Search(ctx, roomID, query, s.limit)
	if err != nil {
		return nil, err
	}
	results := make([]domain.Message, 0, len(keys))
	for _, key := range keys {
		message, err := s.messages.GetByKey(key)
		if err != nil {
			// Index can briefly reference a purged record.
			s.log.Debug("Search hit without record", "key", key, "error", err)
			continue
		}
		results = append(results, message)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].At.Before(results[j].At)
	})
	return results, nil
}

func (s *LocalStore) UpsertRoom(room domain.Room) error {
	return s.rooms.Upsert(room)
}

func (s *LocalStore) GetRoom(roomID string) (domain.Room, bool, error) {
	return s.rooms.Get(roomID)
}

func (s *LocalStore) TouchRoom(roomID string, at time.Time) error {
	return s.rooms.Touch(roomID, at)
}

func (s *LocalStore) ListRooms() ([]domain.Room, error) {
	return s.rooms.List()
}

// PurgeOlderThan removes messages older than the retention period from both
// the store and the index and reports how many were deleted.
func (s *LocalStore) PurgeOlderThan(retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	purged, err := s.messages.PurgeOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	for _, p := range purged {
		if err := s.index.Delete(p.RoomID, p.ID); err != nil {
			s.log.Warn("Purged message still indexed", "room", p.RoomID, "id", p.ID, "error", err)
		}
	}
	return len(purged), nil
}
