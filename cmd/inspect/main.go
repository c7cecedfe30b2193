// Command inspect dumps the local store as tables: rooms, then the most
// recent messages of each room. The database is opened read-only so it can
// run while the client holds the lock.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"

	"cowatch/repositories"
)

func main() {
	dbPath := flag.String("db", "./data/badger", "Path to badger DB")
	room := flag.String("room", "", "Only show this room")
	limit := flag.Int("limit", 20, "Messages per room")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	messages := repositories.NewMessageRepository(db, quiet)
	rooms := repositories.NewRoomRepository(db)

	all, err := rooms.List()
	if err != nil {
		log.Fatal("Error while listing rooms: ", err)
	}
	if *room != "" {
		filtered := all[:0]
		for _, r := range all {
			if r.ID == *room {
				filtered = append(filtered, r)
			}
		}
		all = filtered
	}

	roomTable := newTable([]string{"Room", "Context", "Created", "Last Active"})
	for _, r := range all {
		roomTable.Append([]string{
			r.ID,
			r.ContextID,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.LastActiveAt.Format("2006-01-02 15:04"),
		})
	}
	roomTable.Render()

	for _, r := range all {
		msgs, err := messages.Recent(r.ID, *limit)
		if err != nil {
			fmt.Printf("Error reading room %s: %v\n", r.ID, err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		fmt.Printf("\n=== %s ===\n", r.ID)
		msgTable := newTable([]string{"Time", "Sender", "State", "Text"})
		for _, m := range msgs {
			msgTable.Append([]string{
				m.At.Format("15:04:05"),
				m.DisplayName,
				string(m.State),
				m.Text,
			})
		}
		msgTable.Render()
	}
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING)
	return badger.Open(opts)
}
