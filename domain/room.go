package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Room is a shared communication context, scoped to one piece of content
// (ContextID, e.g. a video identifier). Joining requires knowing the id
// out-of-band.
type Room struct {
	ID           string
	ContextID    string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,128}$`)

// ValidRoomID reports whether id is well formed. It says nothing about
// whether the room exists anywhere.
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// NewRoomID derives a practically unique room id for a context: the context
// identifier plus the first 8 hex characters of a fresh UUID. Uniqueness is
// probabilistic; callers that hold a room table should retry on collision.
func NewRoomID(contextID string) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s", contextID, suffix)
}

// ContextOf recovers the viewing context from an id minted by NewRoomID.
// Ids shared from elsewhere may not carry a suffix; those come back whole.
func ContextOf(id string) string {
	if i := strings.LastIndex(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}
