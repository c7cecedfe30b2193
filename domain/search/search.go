// Package search parses the user-facing search input into structured
// parameters, decoupling raw chat input from the index engine.
package search

import (
	"strconv"
	"strings"
)

const defaultLimit = 10

// Query carries the structured parameters of one search.
type Query struct {
	RawInput string // the original input from the user
	Terms    string // the actual text matched against the index
	RoomID   string // target room override, empty means current room
	Limit    int
}

// ParseQuery extracts command-line style flags from a raw search string.
// Example: invoice scene --room movienight-ab12cd34 --limit 25
func ParseQuery(input string) Query {
	query := Query{RawInput: input, Limit: defaultLimit}

	parts := strings.Fields(input)
	var terms []string

	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if strings.HasPrefix(part, "--") && i+1 < len(parts) {
			val := parts[i+1]
			switch strings.TrimPrefix(part, "--") {
			case "room":
				query.RoomID = val
				i++
				continue
			case "limit":
				if n, err := strconv.Atoi(val); err == nil && n > 0 {
					query.Limit = n
				}
				i++
				continue
			}
		}
		terms = append(terms, part)
	}

	query.Terms = strings.Join(terms, " ")
	return query
}
