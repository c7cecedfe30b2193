//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"cowatch/domain"
	"cowatch/errors"
)

type IMessageRepository interface {
	Store(message domain.Message) (string, error)
	Recent(roomID string, limit int) ([]domain.Message, error)
	Exists(roomID string, id uuid.UUID) (bool, error)
	GetByKey(key string) (domain.Message, error)
	UpdateState(key string, state domain.DeliveryState) error
	PurgeOlderThan(cutoff time.Time) ([]PurgedMessage, error)
}

// PurgedMessage references a deleted record so the search index can be
// kept in step.
type PurgedMessage struct {
	RoomID string
	ID     uuid.UUID
}

type MessageRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMessageRepository(db *badger.DB, log *slog.Logger) MessageRepository {
	return MessageRepository{db: db, log: log}
}

// messageRecord is the CBOR shape persisted in Badger.
type messageRecord struct {
	ID     string `cbor:"id"`
	Room   string `cbor:"room"`
	Sender string `cbor:"sender"`
	Name   string `cbor:"name"`
	Text   string `cbor:"text"`
	At     int64  `cbor:"at"` // unix nanoseconds, UTC
	State  string `cbor:"state"`
}

// primaryKey is formatted as "msg:{room}:{timestamp_padded}:{uuid}" to:
//  1. Ensure chronological sorting using 19-digit zero padding
//     (lexicographical order).
//  2. Prevent data loss by using the message UUID as a collision
//     disconnector if two messages arrive at the same nanosecond.
func primaryKey(roomID string, at time.Time, id uuid.UUID) string {
	return fmt.Sprintf("msg:%s:%019d:%s", roomID, at.UnixNano(), id)
}

// dedupKey is the secondary lookup "idx:msg:{room}:{uuid}" -> primary key.
// It is what makes delivering the same wire message twice idempotent.
func dedupKey(roomID string, id uuid.UUID) string {
	return fmt.Sprintf("idx:msg:%s:%s", roomID, id)
}

// Store persists a message and its dedup index entry in one transaction, so
// a message is either fully recorded or not at all. It returns the primary
// key of the stored record.
//
// RoomID is required. A missing display name defaults to the anonymous
// label; a zero timestamp is assigned here.
func (m MessageRepository) Store(message domain.Message) (string, error) {
	if message.RoomID == "" {
		return "", &errors.StoreError{Op: "save", Err: errors.ErrRoomRequired}
	}
	if message.DisplayName == "" {
		message.DisplayName = domain.AnonymousName
	}
	if message.At.IsZero() {
		message.At = time.Now().UTC()
	}

	key := primaryKey(message.RoomID, message.At, message.ID)
	bytes, err := cbor.Marshal(fromMessage(message))
	if err != nil {
		return "", &errors.StoreError{Op: "save", Err: err}
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), bytes); err != nil {
			return err
		}
		return txn.Set([]byte(dedupKey(message.RoomID, message.ID)), []byte(key))
	})
	if err != nil {
		return "", &errors.StoreError{Op: "save", Err: err}
	}
	return key, nil
}

// Recent retrieves the newest `limit` messages for a room and returns them
// oldest first. Thanks to the padded timestamp in the key the reverse prefix
// scan yields newest-first order for free; the result is reversed before
// returning to preserve presentation order.
func (m MessageRepository) Recent(roomID string, limit int) ([]domain.Message, error) {
	var raw [][]byte
	err := m.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("msg:%s:", roomID)
		prefix := []byte(prefixStr)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Seek past the newest possible key for this room, then walk back.
		seekKey := append([]byte(prefixStr), []byte("9999999999999999999")...)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(raw) == limit {
				break
			}
			err := it.Item().Value(func(value []byte) error {
				raw = append(raw, append([]byte(nil), value...))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &errors.StoreError{Op: "recent", Err: err}
	}

	messages := make([]domain.Message, 0, len(raw))
	for _, b := range raw {
		message, err := decodeMessage(b)
		if err != nil {
			return nil, &errors.StoreError{Op: "recent", Err: err}
		}
		messages = append(messages, message)
	}
	return lo.Reverse(messages), nil
}

// Exists reports whether a message with this id has already been stored for
// the room. This is the transport-race dedup check.
func (m MessageRepository) Exists(roomID string, id uuid.UUID) (bool, error) {
	var found bool
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(dedupKey(roomID, id)))
		if err == nil {
			found = true
			return nil
		}
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return false, &errors.StoreError{Op: "exists", Err: err}
	}
	return found, nil
}

// GetByKey loads one message by its primary key. Used by the search surface
// to resolve index hits back to full records.
func (m MessageRepository) GetByKey(key string) (domain.Message, error) {
	var value []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return domain.Message{}, &errors.StoreError{Op: "get", Err: errors.ErrMessageNotFound}
	}
	if err != nil {
		return domain.Message{}, &errors.StoreError{Op: "get", Err: err}
	}
	message, err := decodeMessage(value)
	if err != nil {
		return domain.Message{}, &errors.StoreError{Op: "get", Err: err}
	}
	return message, nil
}

// UpdateState rewrites the delivery state of an already stored message.
// The key stays stable, so the dedup index is untouched.
func (m MessageRepository) UpdateState(key string, state domain.DeliveryState) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		var rec messageRecord
		err = item.Value(func(v []byte) error {
			return cbor.Unmarshal(v, &rec)
		})
		if err != nil {
			return err
		}
		rec.State = string(state)
		bytes, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), bytes)
	})
	if err != nil {
		return &errors.StoreError{Op: "update-state", Err: err}
	}
	return nil
}

// PurgeOlderThan deletes every message older than the cutoff, across all
// rooms, together with its dedup entry. It returns references to the removed
// records. Purely a maintenance operation; it never errors an active session.
func (m MessageRepository) PurgeOlderThan(cutoff time.Time) ([]PurgedMessage, error) {
	type victim struct {
		key   string
		room  string
		msgID string
	}
	var victims []victim

	err := m.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte("msg:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			room, at, msgID, err := parsePrimaryKey(key)
			if err != nil {
				m.log.Warn("Skipping unparsable message key", "key", key)
				continue
			}
			if at.Before(cutoff) {
				victims = append(victims, victim{key: key, room: room, msgID: msgID})
			}
		}
		return nil
	})
	if err != nil {
		return nil, &errors.StoreError{Op: "purge", Err: err}
	}

	purged := make([]PurgedMessage, 0, len(victims))
	for _, v := range victims {
		err := m.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete([]byte(v.key)); err != nil {
				return err
			}
			return txn.Delete([]byte(fmt.Sprintf("idx:msg:%s:%s", v.room, v.msgID)))
		})
		if err != nil {
			return nil, &errors.StoreError{Op: "purge", Err: err}
		}
		id, err := uuid.Parse(v.msgID)
		if err != nil {
			continue
		}
		purged = append(purged, PurgedMessage{RoomID: v.room, ID: id})
	}
	return purged, nil
}

// parsePrimaryKey splits "msg:{room}:{ts}:{uuid}". Room ids never contain
// colons, so the split is unambiguous.
func parsePrimaryKey(key string) (room string, at time.Time, msgID string, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "msg" {
		return "", time.Time{}, "", fmt.Errorf("unexpected key shape %q", key)
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return parts[1], time.Unix(0, nanos).UTC(), parts[3], nil
}

func fromMessage(message domain.Message) messageRecord {
	return messageRecord{
		ID:     message.ID.String(),
		Room:   message.RoomID,
		Sender: message.SenderID,
		Name:   message.DisplayName,
		Text:   message.Text,
		At:     message.At.UnixNano(),
		State:  string(message.State),
	}
}

func decodeMessage(b []byte) (domain.Message, error) {
	var rec messageRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return domain.Message{}, err
	}
	parsedID, err := uuid.Parse(rec.ID)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:          parsedID,
		RoomID:      rec.Room,
		SenderID:    rec.Sender,
		DisplayName: rec.Name,
		Text:        rec.Text,
		At:          time.Unix(0, rec.At).UTC(),
		State:       domain.DeliveryState(rec.State),
	}, nil
}
