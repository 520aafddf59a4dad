package server

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/crymatch/crymatch/ticket"
)

// registerMatchStream wires the long-lived match stream. Each websocket
// connection is one reader: a match is acknowledged (and so removed from
// state) only after it was written to the connection successfully, and an
// undelivered match goes back for another reader.
func (s *Server) registerMatchStream() {
	s.app.Use("/matches", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/matches", websocket.New(func(conn *websocket.Conn) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Drain client frames to notice the peer going away; the stream
		// itself is write-only.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		err := s.dir.ReadIncomingMatches(ctx, func(m *ticket.Match) error {
			bz, err := json.Marshal(m)
			if err != nil {
				return err
			}
			return conn.WriteMessage(websocket.TextMessage, bz)
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Debug().Err(err).Msg("match stream reader stopped")
		}
	}))
}
