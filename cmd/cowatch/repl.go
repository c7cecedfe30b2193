package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gookit/color"

	"cowatch/contract"
	"cowatch/domain"
	"cowatch/domain/event"
	"cowatch/domain/search"
	"cowatch/identity"
	"cowatch/observability"
	"cowatch/projection"
	"cowatch/repositories"
	"cowatch/session"
)

var (
	peerStyle   = color.New(color.FgCyan)
	selfStyle   = color.New(color.FgGreen)
	systemStyle = color.New(color.FgYellow)
	errorStyle  = color.New(color.FgRed)
)

// repl is the line-oriented interface of the client. Lines starting with
// a slash are commands; anything else goes to the current room.
type repl struct {
	manager    *session.Manager
	identities identity.IManager
	store      repositories.ILocalStore
	monitoring *observability.MonitoringManager
	timeline   *projection.Timeline
	log        *slog.Logger
}

func newRepl(
	manager *session.Manager,
	identities identity.IManager,
	store repositories.ILocalStore,
	monitoring *observability.MonitoringManager,
	log *slog.Logger,
) *repl {
	return &repl{
		manager:    manager,
		identities: identities,
		store:      store,
		monitoring: monitoring,
		timeline:   projection.NewTimeline(),
		log:        log,
	}
}

func (r *repl) Run(ctx context.Context) error {
	sub := r.manager.Subscribe(contract.SinkFunc(r.onEvent))
	defer sub.Unsubscribe()
	transcriptSub := r.manager.Subscribe(r.timeline)
	defer transcriptSub.Unsubscribe()

	self, err := r.identities.GetOrCreate()
	if err != nil {
		fmt.Println(systemStyle.Render("Running with a temporary identity for this session"))
	}
	fmt.Println(systemStyle.Sprintf("You are %s (%s)", self.DisplayName, self.ID))
	fmt.Println(systemStyle.Render("Commands: /create <context>, /join <room>, /name <name>, /history [n], /recap, /search <query>, /rooms, /stats, /leave, /quit"))

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Println(errorStyle.Sprintf("error: %v", err))
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := r.manager.SendMessage(ctx, line)
		return false, err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return true, nil

	case "/create":
		room, err := r.manager.CreateRoom(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Println(systemStyle.Sprintf("Created and joined room %s", room.ID))

	case "/join":
		r.timeline.Reset()
		history, err := r.manager.JoinRoom(ctx, arg)
		if err != nil {
			return false, err
		}
		kind, _ := r.manager.ActiveTransport()
		fmt.Println(systemStyle.Sprintf("Joined room %s via %s", arg, kind))
		for _, msg := range history {
			printMessage(msg, false)
		}

	case "/name":
		ident, err := r.identities.SetDisplayName(arg)
		if err != nil {
			return false, err
		}
		fmt.Println(systemStyle.Sprintf("You are now %s", ident.DisplayName))

	case "/history":
		limit := 0
		if arg != "" {
			limit, _ = strconv.Atoi(arg)
		}
		return false, r.printHistory(limit)

	case "/recap":
		messages := r.timeline.Messages()
		if len(messages) == 0 {
			fmt.Println(systemStyle.Render("Nothing yet this session"))
		}
		for _, msg := range messages {
			printMessage(msg, false)
		}

	case "/search":
		return false, r.printSearch(ctx, arg)

	case "/rooms":
		rooms, err := r.store.ListRooms()
		if err != nil {
			return false, err
		}
		for _, room := range rooms {
			fmt.Println(systemStyle.Sprintf("%s  (context: %s, last active: %s)",
				room.ID, room.ContextID, room.LastActiveAt.Format("2006-01-02 15:04")))
		}

	case "/stats":
		stats := r.monitoring.GetLatest()
		fmt.Println(systemStyle.Sprintf("sent=%d received=%d deduped=%d purged=%d errors=%d mem=%dMB",
			stats.MessagesSent, stats.MessagesReceived, stats.MessagesDeduped,
			stats.PurgedMessages, stats.ErrorCount, stats.AllocMemMb))

	case "/leave":
		return false, r.manager.Leave()

	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

// currentRoom prefers the live session, falling back to the most recently
// active room so history and search work while disconnected.
func (r *repl) currentRoom() (string, bool) {
	if roomID, ok := r.manager.CurrentRoom(); ok {
		return roomID, true
	}
	rooms, err := r.store.ListRooms()
	if err != nil || len(rooms) == 0 {
		return "", false
	}
	return rooms[0].ID, true
}

func (r *repl) printHistory(limit int) error {
	roomID, ok := r.currentRoom()
	if !ok {
		return fmt.Errorf("no room yet")
	}
	messages, err := r.store.GetMessages(roomID, limit)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		printMessage(msg, false)
	}
	return nil
}

func (r *repl) printSearch(ctx context.Context, input string) error {
	query := search.ParseQuery(input)

	roomID := query.RoomID
	if roomID == "" {
		current, ok := r.currentRoom()
		if !ok {
			return fmt.Errorf("no room yet")
		}
		roomID = current
	}

	messages, err := r.store.SearchMessages(ctx, roomID, query.Terms)
	if err != nil {
		return err
	}
	if len(messages) > query.Limit {
		messages = messages[len(messages)-query.Limit:]
	}
	if len(messages) == 0 {
		fmt.Println(systemStyle.Render("No matches"))
		return nil
	}
	for _, msg := range messages {
		printMessage(msg, false)
	}
	return nil
}

func (r *repl) onEvent(e event.SessionEvent) {
	switch ev := e.(type) {
	case event.MessageReceived:
		printMessage(ev.Message, false)
	case event.MessageSent:
		printMessage(ev.Message, true)
	case event.ConnectionStateChanged:
		if ev.Connection.PeerID == "" {
			fmt.Println(systemStyle.Sprintf("[%s] %s transport is %s",
				ev.RoomID, ev.Connection.Kind, ev.Connection.State))
		} else {
			fmt.Println(systemStyle.Sprintf("[%s] peer %s is %s over %s",
				ev.RoomID, ev.Connection.PeerID, ev.Connection.State, ev.Connection.Kind))
		}
	case event.ErrorEvent:
		fmt.Println(errorStyle.Sprintf("[%s] %v", ev.RoomID, ev.Err))
	}
}

func printMessage(msg domain.Message, own bool) {
	style := peerStyle
	if own {
		style = selfStyle
	}
	suffix := ""
	if msg.State != domain.DeliverySent {
		suffix = fmt.Sprintf(" (%s)", msg.State)
	}
	fmt.Printf("%s %s: %s%s\n",
		msg.At.Local().Format("15:04:05"),
		style.Render(msg.DisplayName),
		msg.Text, suffix)
}
