package relayserver

import (
	"log/slog"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"cowatch/domain"
	"cowatch/transport"
)

// NewApp builds the fiber application serving the relay endpoint.
// GET /ws upgrades to websocket; /healthz and /stats are plain HTTP.
func NewApp(hub *Hub, log *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		serveConn(hub, c, log)
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	app.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"rooms": hub.RoomCount()})
	})

	return app
}

// serveConn handles one websocket connection for its whole lifetime. The
// first frame must announce the room; everything else is rejected.
func serveConn(hub *Hub, conn ConnLike, log *slog.Logger) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	frame, err := transport.DecodeFrame(data)
	if err != nil || frame.Type != transport.FrameJoin {
		log.Warn("Rejecting connection without join announcement", "error", err)
		_ = conn.Close()
		return
	}
	if !domain.ValidRoomID(frame.RoomID) {
		log.Warn("Rejecting invalid room id", "room", frame.RoomID)
		_ = conn.Close()
		return
	}

	client := NewClient(frame.RoomID, frame.PeerID, conn, log)
	hub.RegisterChan <- client

	go client.WritePump()
	client.ReadPump(hub)
}
