package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/hub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Page snapshots can be large.
	maxMessageSize = 8 << 20
	// Buffer for locally generated frames such as validation errors.
	sendChannelSize = 16
)

// wsClient is one browser-side connection bound to a conversation.
type wsClient struct {
	server         *Server
	conn           *websocket.Conn
	conversationID string
	logger         *zap.Logger

	replies <-chan hub.Envelope
	// Frames generated by the server itself, not by the conversation.
	send chan schemas.ClientFrame
	done chan struct{}
}

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and origins listed in server.allowed_origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	s.logger.Warn("Rejected websocket origin", zap.String("origin", origin))
	return false
}

// handleConversationSocket subscribes the connection to the conversation's
// replies and starts its pumps.
func (s *Server) handleConversationSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	errs := FieldErrors{}
	validateConversationID(errs, &conversationID)
	if len(errs) > 0 {
		s.respondWithError(w, http.StatusBadRequest, msgValidationError, errs)
		return
	}

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade can be missed.
	replies, unsubscribe := s.hub.Subscribe(conversationID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		s.logger.Error("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("conversation_id", conversationID))
	logger.Info("WebSocket connected", zap.String("remote_addr", r.RemoteAddr))

	client := &wsClient{
		server:         s,
		conn:           conn,
		conversationID: conversationID,
		logger:         logger,
		replies:        replies,
		send:           make(chan schemas.ClientFrame, sendChannelSize),
		done:           make(chan struct{}),
	}

	go client.writePump()
	client.readPump()
	unsubscribe()
	logger.Info("WebSocket disconnected")
}

// readPump handles inbound frames until the connection fails.
func (c *wsClient) readPump() {
	defer func() {
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("Failed to set initial read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var frame schemas.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Failed to decode client frame", zap.Error(err))
			c.sendError(fmt.Sprintf("Invalid frame: %v", err))
			continue
		}
		c.processFrame(frame)
	}
}

func (c *wsClient) processFrame(frame schemas.ClientFrame) {
	switch frame.Type {
	case schemas.MsgTypeClientHello:
		c.logger.Info("Client hello received", zap.String("client_id", frame.ClientID), zap.String("message", frame.Message))

	case schemas.MsgTypePlanResult:
		if frame.Result == nil {
			c.sendError("plan_result frame has no result")
			return
		}
		fields := []zap.Field{zap.String("client_id", frame.ClientID), zap.String("status", string(frame.Result.Status)), zap.Int("steps", len(frame.Result.Results))}
		if frame.Result.Status == schemas.PlanFailed && len(frame.Result.Results) > 0 {
			last := frame.Result.Results[len(frame.Result.Results)-1]
			fields = append(fields, zap.Int("failed_step", len(frame.Result.Results)), zap.String("error", last.ErrorMessage()))
			c.logger.Warn("Plan failed on client", fields...)
			return
		}
		c.logger.Info("Plan result received", fields...)

	case schemas.MsgTypeUserPrompt:
		req := schemas.UserPromptRequest{ConversationID: c.conversationID, Prompt: frame.Prompt}
		if errs := ValidateUserPrompt(req); len(errs) > 0 {
			c.sendError(errs.String())
			return
		}
		session, err := c.server.registry.GetOrCreate(c.conversationID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		session.OnUserPrompt(frame.Prompt)

	case schemas.MsgTypePageChange:
		req := schemas.PageChangeRequest{ConversationID: c.conversationID, HTML: frame.HTML}
		if errs := ValidatePageChange(req); len(errs) > 0 {
			c.sendError(errs.String())
			return
		}
		session, err := c.server.registry.GetOrCreate(c.conversationID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		session.OnPageChange(frame.HTML)

	default:
		c.logger.Warn("Received unknown frame type from client", zap.String("type", string(frame.Type)))
		c.sendError(fmt.Sprintf("Unknown or unsupported message type: %s", frame.Type))
	}
}

// writePump owns every write to the connection: published replies, local
// error frames and pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.replies:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Hub shut down.
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.writeJSON(env.Message); err != nil {
				c.logger.Error("Error writing AI response to WebSocket", zap.Error(err))
				return
			}
			c.logger.Info("Sent AI response to client", zap.String("envelope_id", env.ID))

		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.writeJSON(frame); err != nil {
				c.logger.Error("Error writing frame to WebSocket", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Error sending ping", zap.Error(err))
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *wsClient) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// sendError queues an error frame, dropping it when the client is not
// keeping up.
func (c *wsClient) sendError(message string) {
	select {
	case c.send <- schemas.ClientFrame{Type: schemas.MsgTypeError, Message: message}:
	default:
		c.logger.Error("WebSocket send buffer full, dropping error frame", zap.String("message", message))
	}
}

// String renders field errors as "field: msg; field: msg" in a stable order.
func (f FieldErrors) String() string {
	fields := make([]string, 0, len(f))
	for _, name := range []string{"conversation_id", "html", "prompt"} {
		for _, msg := range f[name] {
			fields = append(fields, name+": "+msg)
		}
	}
	return strings.Join(fields, "; ")
}
