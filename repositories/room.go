//go:generate go run go.uber.org/mock/mockgen -source=room.go -destination=../mocks/mock_room_repository.go -package=mocks
package repositories

import (
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"cowatch/domain"
	"cowatch/errors"
)

type IRoomRepository interface {
	Upsert(room domain.Room) error
	Get(roomID string) (domain.Room, bool, error)
	Touch(roomID string, at time.Time) error
	List() ([]domain.Room, error)
}

type RoomRepository struct {
	db *badger.DB
}

func NewRoomRepository(db *badger.DB) RoomRepository {
	return RoomRepository{db: db}
}

type roomRecord struct {
	ID         string `cbor:"id"`
	Context    string `cbor:"context"`
	CreatedAt  int64  `cbor:"created_at"`
	LastActive int64  `cbor:"last_active"`
}

func roomKey(roomID string) []byte { return []byte("room:" + roomID) }

func (r RoomRepository) Upsert(room domain.Room) error {
	bytes, err := cbor.Marshal(roomRecord{
		ID:         room.ID,
		Context:    room.ContextID,
		CreatedAt:  room.CreatedAt.UnixNano(),
		LastActive: room.LastActiveAt.UnixNano(),
	})
	if err != nil {
		return &errors.StoreError{Op: "room-upsert", Err: err}
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roomKey(room.ID), bytes)
	})
	if err != nil {
		return &errors.StoreError{Op: "room-upsert", Err: err}
	}
	return nil
}

func (r RoomRepository) Get(roomID string) (domain.Room, bool, error) {
	var rec roomRecord
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(roomID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return cbor.Unmarshal(v, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return domain.Room{}, false, nil
	}
	if err != nil {
		return domain.Room{}, false, &errors.StoreError{Op: "room-get", Err: err}
	}
	return toRoom(rec), true, nil
}

// Touch advances LastActiveAt. Rooms are mutated on every new activity and
// never deleted automatically.
func (r RoomRepository) Touch(roomID string, at time.Time) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(roomID))
		if err != nil {
			return err
		}
		var rec roomRecord
		err = item.Value(func(v []byte) error {
			return cbor.Unmarshal(v, &rec)
		})
		if err != nil {
			return err
		}
		if nanos := at.UnixNano(); nanos > rec.LastActive {
			rec.LastActive = nanos
		}
		bytes, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(roomKey(roomID), bytes)
	})
	if err != nil {
		return &errors.StoreError{Op: "room-touch", Err: err}
	}
	return nil
}

// List returns all known rooms ordered by last activity, most recent first.
func (r RoomRepository) List() ([]domain.Room, error) {
	var rooms []domain.Room
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("room:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec roomRecord
			err := it.Item().Value(func(v []byte) error {
				return cbor.Unmarshal(v, &rec)
			})
			if err != nil {
				return err
			}
			rooms = append(rooms, toRoom(rec))
		}
		return nil
	})
	if err != nil {
		return nil, &errors.StoreError{Op: "room-list", Err: err}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].LastActiveAt.After(rooms[j].LastActiveAt)
	})
	return rooms, nil
}

func toRoom(rec roomRecord) domain.Room {
	return domain.Room{
		ID:           rec.ID,
		ContextID:    rec.Context,
		CreatedAt:    time.Unix(0, rec.CreatedAt).UTC(),
		LastActiveAt: time.Unix(0, rec.LastActive).UTC(),
	}
}
