package repositories

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cowatch/domain"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testMessage(room, text string, at time.Time) domain.Message {
	return domain.Message{
		ID:          uuid.New(),
		RoomID:      room,
		SenderID:    uuid.NewString(),
		DisplayName: "Alice",
		Text:        text,
		At:          at,
		State:       domain.DeliverySent,
	}
}

func Test_Store_And_Fetch_Chronological(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default())

	room := "movienight-ab12cd34"
	at := time.Now().UTC()
	texts := []string{"first", "second", "third"}
	for i, text := range texts {
		_, err := repository.Store(testMessage(room, text, at.Add(time.Duration(i)*time.Minute)))
		req.NoError(err)
	}

	fetched, err := repository.Recent(room, 10)
	req.NoError(err)
	req.Len(fetched, len(texts))
	for i, msg := range fetched {
		req.Equal(texts[i], msg.Text)
	}
}

func Test_Recent_Keeps_Newest_When_Limited(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default())

	room := "movienight-ab12cd34"
	at := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := repository.Store(testMessage(room, string(rune('a'+i)), at.Add(time.Duration(i)*time.Minute)))
		req.NoError(err)
	}

	fetched, err := repository.Recent(room, 3)
	req.NoError(err)
	req.Len(fetched, 3)
	// The three newest, still oldest first.
	req.Equal("c", fetched[0].Text)
	req.Equal("e", fetched[2].Text)
}

func Test_Rooms_Are_Isolated(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default())

	at := time.Now().UTC()
	_, err := repository.Store(testMessage("room-a", "for a", at))
	req.NoError(err)
	_, err = repository.Store(testMessage("room-b", "for b", at))
	req.NoError(err)

	fetched, err := repository.Recent("room-a", 10)
	req.NoError(err)
	req.Len(fetched, 1)
	req.Equal("for a", fetched[0].Text)
}

func Test_Exists_After_Store(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default())

	msg := testMessage("movienight-ab12cd34", "hello", time.Now().UTC())
	exists, err := repository.Exists(msg.RoomID, msg.ID)
	req.NoError(err)
	req.False(exists)

	_, err = repository.Store(msg)
	req.NoError(err)

	exists, err = repository.Exists(msg.RoomID, msg.ID)
	req.NoError(err)
	req.True(exists)
}

func Test_Missing_Name_Defaults_To_Anonymous(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default())

	msg := testMessage("movienight-ab12cd34", "hello", time.Now().UTC())
	msg.DisplayName = ""
	key, err := repository.Store(msg)
	req.NoError(err)

	stored, err := repository.GetByKey(key)
	req.NoError(err)
	req.Equal(domain.AnonymousName, stored.DisplayName)
}

func Test_UpdateState_Rewrites_Record(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default())

	msg := testMessage("movienight-ab12cd34", "hello", time.Now().UTC())
	msg.State = domain.DeliveryPending
	key, err := repository.Store(msg)
	req.NoError(err)

	req.NoError(repository.UpdateState(key, domain.DeliverySent))

	stored, err := repository.GetByKey(key)
	req.NoError(err)
	req.Equal(domain.DeliverySent, stored.State)
}

func Test_PurgeOlderThan_Removes_Only_Expired(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default())

	room := "movienight-ab12cd34"
	now := time.Now().UTC()
	old := testMessage(room, "old", now.Add(-48*time.Hour))
	recent := testMessage(room, "recent", now)
	_, err := repository.Store(old)
	req.NoError(err)
	_, err = repository.Store(recent)
	req.NoError(err)

	purged, err := repository.PurgeOlderThan(now.Add(-24 * time.Hour))
	req.NoError(err)
	req.Len(purged, 1)
	req.Equal(old.ID, purged[0].ID)

	remaining, err := repository.Recent(room, 10)
	req.NoError(err)
	req.Len(remaining, 1)
	req.Equal("recent", remaining[0].Text)

	// The dedup index entry of the purged message is gone too.
	exists, err := repository.Exists(room, old.ID)
	req.NoError(err)
	req.False(exists)
}

func Test_Store_Requires_Room(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default())

	msg := testMessage("", "orphan", time.Now().UTC())
	_, err := repository.Store(msg)
	req.Error(err)
}
