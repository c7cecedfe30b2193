package domain

import "time"

// Identity is the stable participant identity for this installation.
// ID is immutable for the life of the installation; DisplayName is mutable.
type Identity struct {
	ID          string
	DisplayName string
	LastSeen    time.Time
}
