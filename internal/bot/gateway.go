package bot

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/barkhq/bark/pkg/extension"
)

// Gateway accepts chat clients over websocket and feeds their messages
// through the mux. One goroutine per connection; replies go back on the same
// socket. Protocol framing beyond this envelope is out of scope.
type Gateway struct {
	mux      *Mux
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// inbound is one chat message from a client.
type inbound struct {
	Channel string `json:"channel"`
	Author  string `json:"author"`
	Text    string `json:"text"`
}

// outbound is the host's reply envelope.
type outbound struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Error   string `json:"error,omitempty"`
}

// NewGateway creates a gateway dispatching into the given mux.
func NewGateway(mux *Mux, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		mux:    mux,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and serves the connection until it closes.
// GET /ws
func (g *Gateway) Handle(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	session := uuid.NewString()
	g.logger.Info("chat client connected", "session", session)
	defer func() {
		conn.Close()
		g.logger.Info("chat client disconnected", "session", session)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			// Bare text is accepted too; anonymous author, default channel.
			in = inbound{Text: string(raw)}
		}

		msg := extension.Message{Channel: in.Channel, Author: in.Author, Text: in.Text}
		reply, handled, err := g.mux.Dispatch(c.Request.Context(), msg)
		if !handled {
			continue
		}

		out := outbound{Channel: in.Channel, Text: reply}
		if err != nil {
			g.logger.Error("command dispatch failed", "session", session, "error", err)
			out.Text = ""
			out.Error = err.Error()
		}
		if err := conn.WriteJSON(out); err != nil {
			return
		}
	}
}
