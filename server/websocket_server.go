package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/config"
	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/messages"
	"github.com/room4-2/frontdesk/session"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 * 1024
)

// Server is the JSON text channel: one call per WebSocket connection.
type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	logger         *zap.Logger
}

// NewServerWebsocket builds the text channel server.
func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, logger *zap.Logger) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4 * 1024,
			WriteBufferSize:   4 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.logger.Info("🚀 WebSocket server starting", zap.Int("port", s.config.Port))
	s.logger.Info(fmt.Sprintf("📡 WebSocket endpoint: ws://localhost:%d/ws", s.config.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("🛑 Shutting down WebSocket server...")
	return s.httpServer.Shutdown(ctx)
}

// conn is one client connection and the call it carries, if any.
type conn struct {
	ws     *websocket.Conn
	callID string
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("⚠️ WebSocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameSize)
	c := &conn{ws: ws}
	defer func() {
		if c.callID != "" {
			if err := s.sessionManager.EndCall(context.Background(), c.callID, "disconnected"); err != nil {
				s.logger.Error("❌ failed to end call", zap.String("call", logging.ShortID(c.callID)), zap.Error(err))
			}
		}
		ws.Close()
		s.logger.Info("🔌 connection closed", zap.String("call", logging.ShortID(c.callID)))
	}()

	if err := s.send(c, messages.NewStatusMessage("", "connected", "Send a start message to open a call")); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("⚠️ connection read failed", zap.String("call", logging.ShortID(c.callID)), zap.Error(err))
			}
			return
		}
		reply, done := s.dispatch(r.Context(), c, data)
		if err := s.send(c, reply); err != nil || done {
			return
		}
	}
}

// dispatch handles one client frame. done is true when the connection should
// close after the reply.
func (s *Server) dispatch(ctx context.Context, c *conn, data []byte) (*messages.ServerMessage, bool) {
	msg, err := messages.DecodeClientMessage(data)
	if err != nil {
		return messages.NewErrorMessage(c.callID, messages.ErrCodeInvalidMessage, err.Error()), false
	}

	switch msg.Type {
	case messages.TypeStart:
		if c.callID != "" {
			return messages.NewErrorMessage(c.callID, messages.ErrCodeInvalidMessage, "call already started"), false
		}
		p := messages.StartPayload{TenantID: s.config.DefaultTenant}
		if err := msg.Decode(&p); err != nil {
			return messages.NewErrorMessage("", messages.ErrCodeInvalidMessage, err.Error()), false
		}
		if p.CallID == "" {
			p.CallID = uuid.NewString()
		}
		if p.TenantID == "" {
			p.TenantID = s.config.DefaultTenant
		}
		_, greeting, err := s.sessionManager.StartCall(ctx, p.TenantID, p.CallID, p.CallerID)
		if errors.Is(err, session.ErrTooManyCalls) {
			return messages.NewErrorMessage(p.CallID, messages.ErrCodeTooManyCalls, err.Error()), true
		}
		if err != nil {
			return messages.NewErrorMessage(p.CallID, messages.ErrCodeCallFailed, err.Error()), false
		}
		c.callID = p.CallID
		s.logger.Info("✅ call opened on WebSocket", zap.String("call", logging.ShortID(c.callID)), zap.String("tenant", p.TenantID))
		return messages.NewStatusMessage(c.callID, "started", greeting), false

	case messages.TypeUtterance:
		if c.callID == "" {
			return messages.NewErrorMessage("", messages.ErrCodeNoCall, "send a start message first"), false
		}
		var p messages.UtterancePayload
		if err := msg.Decode(&p); err != nil {
			return messages.NewErrorMessage(c.callID, messages.ErrCodeInvalidMessage, err.Error()), false
		}
		out, err := s.sessionManager.Turn(ctx, c.callID, p.Text, p.Turn)
		if err != nil {
			return messages.NewErrorMessage(c.callID, messages.ErrCodeCallFailed, err.Error()), false
		}
		return messages.NewResponseMessage(c.callID, out), false

	default: // control
		var p messages.ControlPayload
		if err := msg.Decode(&p); err != nil {
			return messages.NewErrorMessage(c.callID, messages.ErrCodeInvalidMessage, err.Error()), false
		}
		switch p.Action {
		case messages.ActionPing:
			return messages.NewStatusMessage(c.callID, "pong", ""), false
		case messages.ActionHangup:
			callID := c.callID
			c.callID = ""
			if callID != "" {
				if err := s.sessionManager.EndCall(ctx, callID, "hangup"); err != nil {
					return messages.NewErrorMessage(callID, messages.ErrCodeCallFailed, err.Error()), true
				}
			}
			return messages.NewStatusMessage(callID, "ended", ""), true
		}
		return messages.NewErrorMessage(c.callID, messages.ErrCodeInvalidMessage, "unknown action "+p.Action), false
	}
}

func (s *Server) send(c *conn, msg *messages.ServerMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("⚠️ write failed", zap.String("call", logging.ShortID(c.callID)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, "websocket", s.sessionManager)
}
