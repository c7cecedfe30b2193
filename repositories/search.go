//go:generate go run go.uber.org/mock/mockgen -source=search.go -destination=../mocks/mock_search_index.go -package=mocks
package repositories

import (
	"context"
	"log/slog"
	"strings"

	"github.com/blugelabs/bluge"
	"github.com/google/uuid"

	"cowatch/domain"
	"cowatch/errors"
)

type ISearchIndex interface {
	Index(key string, message domain.Message) error
	Delete(roomID string, id uuid.UUID) error
	Search(ctx context.Context, roomID, query string, limit int) ([]string, error)
}

// SearchIndex is the Bluge side-index over message text and display names.
// Badger stays the source of truth: the index stores only the primary key of
// each message and can be rebuilt from a full scan at any time.
type SearchIndex struct {
	writer *bluge.Writer
	log    *slog.Logger
}

func NewSearchIndex(writer *bluge.Writer, log *slog.Logger) SearchIndex {
	return SearchIndex{writer: writer, log: log}
}

func docID(roomID string, id uuid.UUID) string {
	return roomID + "/" + id.String()
}

// Index adds or replaces the searchable view of one message.
func (s SearchIndex) Index(key string, message domain.Message) error {
	doc := bluge.NewDocument(docID(message.RoomID, message.ID)).
		AddField(bluge.NewKeywordField("room", message.RoomID)).
		AddField(bluge.NewTextField("text", message.Text)).
		AddField(bluge.NewTextField("name", message.DisplayName)).
		AddField(bluge.NewStoredOnlyField("key", []byte(key)))

	if err := s.writer.Update(doc.ID(), doc); err != nil {
		return &errors.StoreError{Op: "index", Err: err}
	}
	return nil
}

// Delete drops one message from the index. Used by retention purges.
func (s SearchIndex) Delete(roomID string, id uuid.UUID) error {
	if err := s.writer.Delete(bluge.Identifier(docID(roomID, id))); err != nil {
		return &errors.StoreError{Op: "unindex", Err: err}
	}
	return nil
}

// Search runs a fuzzy match over text and display name, scoped to one room,
// and returns the primary keys of the matching messages. The match score
// selects the result set only; callers re-order by timestamp for
// presentation. An empty query yields an empty result set, not "everything".
func (s SearchIndex) Search(ctx context.Context, roomID, query string, limit int) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := bluge.NewBooleanQuery().
		AddMust(bluge.NewTermQuery(roomID).SetField("room")).
		AddShould(bluge.NewMatchQuery(query).SetField("text").SetFuzziness(1)).
		AddShould(bluge.NewMatchQuery(query).SetField("name").SetFuzziness(1)).
		SetMinShould(1)

	reader, err := s.writer.Reader()
	if err != nil {
		return nil, &errors.StoreError{Op: "search", Err: err}
	}
	defer func() {
		if err := reader.Close(); err != nil {
			s.log.Warn("Closing index reader failed", "error", err)
		}
	}()

	iterator, err := reader.Search(ctx, bluge.NewTopNSearch(limit, q))
	if err != nil {
		return nil, &errors.StoreError{Op: "search", Err: err}
	}

	var keys []string
	for {
		match, err := iterator.Next()
		if err != nil {
			return nil, &errors.StoreError{Op: "search", Err: err}
		}
		if match == nil {
			break
		}
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "key" {
				keys = append(keys, string(value))
			}
			return true
		})
		if err != nil {
			return nil, &errors.StoreError{Op: "search", Err: err}
		}
	}
	return keys, nil
}
