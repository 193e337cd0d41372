package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/config"
	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/messages"
	"github.com/room4-2/frontdesk/session"
)

// Call statuses Twilio reports when a call is over.
var finalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// TwilioServer answers Twilio's speech-gather voice webhooks.
type TwilioServer struct {
	httpServer     *http.Server
	sessionManager *session.Manager
	config         *config.Config
	logger         *zap.Logger
}

// NewTwilioServer builds the webhook server.
func NewTwilioServer(cfg *config.Config, sessionManager *session.Manager, logger *zap.Logger) *TwilioServer {
	s := &TwilioServer{
		sessionManager: sessionManager,
		config:         cfg,
		logger:         logger,
	}

	// Determine which port to use
	port := cfg.TwilioPort
	if cfg.ServerType == "twilio" {
		// When running as standalone Twilio server, use the main port
		port = cfg.Port
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Turns wait on the cascade ceiling; this leaves ample headroom.
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the webhook routes.
func (s *TwilioServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice", s.handleVoice)
	mux.HandleFunc("POST /gather", s.handleGather)
	mux.HandleFunc("POST /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins listening for webhooks
func (s *TwilioServer) Start() error {
	port := s.httpServer.Addr
	s.logger.Info("📞 Twilio webhook server starting", zap.String("addr", port))
	s.logger.Info("📡 Twilio voice endpoint: http://localhost" + port + "/voice")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *TwilioServer) Shutdown(ctx context.Context) error {
	s.logger.Info("🛑 Shutting down Twilio server...")
	return s.httpServer.Shutdown(ctx)
}

// GetAddr returns the server's listen address (for logging in main)
func (s *TwilioServer) GetAddr() string {
	return s.httpServer.Addr
}

func (s *TwilioServer) tenantFor(r *http.Request) string {
	if t := r.URL.Query().Get("tenant"); t != "" {
		return t
	}
	return s.config.DefaultTenant
}

// gatherURL is where Twilio posts the next utterance. Relative URLs resolve
// against the current webhook. The turn number lets a redelivered webhook be
// answered from cache instead of advancing the call twice.
func (s *TwilioServer) gatherURL(tenantID string, nextTurn int) string {
	q := url.Values{"tenant": {tenantID}}
	if nextTurn > 0 {
		q.Set("turn", strconv.Itoa(nextTurn))
	}
	return strings.TrimRight(s.config.PublicBaseURL, "/") + "/gather?" + q.Encode()
}

func (s *TwilioServer) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSid := r.PostForm.Get("CallSid")
	if callSid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	tenantID := s.tenantFor(r)

	c, greeting, err := s.sessionManager.StartCall(r.Context(), tenantID, callSid, r.PostForm.Get("From"))
	if err != nil {
		s.logger.Error("❌ failed to start call", zap.String("call", logging.ShortID(callSid)), zap.Error(err))
		s.writeTwiML(w, messages.HangupResponse("We're sorry, we can't take your call right now. Please try again later."))
		return
	}
	s.writeTwiML(w, messages.GatherResponse(greeting, s.gatherURL(tenantID, c.LastTurn()+1)))
}

func (s *TwilioServer) handleGather(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSid := r.PostForm.Get("CallSid")
	if callSid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	tenantID := s.tenantFor(r)

	turnNumber, _ := strconv.Atoi(r.URL.Query().Get("turn"))
	speech := r.PostForm.Get("SpeechResult")

	out, err := s.sessionManager.Turn(r.Context(), callSid, speech, turnNumber)
	if errors.Is(err, session.ErrUnknownCall) {
		// The call outlived this process; resume it from the state store.
		if _, _, err = s.sessionManager.StartCall(r.Context(), tenantID, callSid, r.PostForm.Get("From")); err == nil {
			out, err = s.sessionManager.Turn(r.Context(), callSid, speech, turnNumber)
		}
	}
	if err != nil {
		s.logger.Error("❌ turn failed", zap.String("call", logging.ShortID(callSid)), zap.Error(err))
		s.writeTwiML(w, messages.GatherResponse("I'm sorry, could you say that again?", s.gatherURL(tenantID, turnNumber)))
		return
	}
	s.writeTwiML(w, messages.GatherResponse(out.Response, s.gatherURL(tenantID, out.Turn+1)))
}

func (s *TwilioServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSid := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	if callSid != "" && finalStatuses[status] {
		if err := s.sessionManager.EndCall(r.Context(), callSid, status); err != nil {
			s.logger.Error("❌ failed to end call", zap.String("call", logging.ShortID(callSid)), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *TwilioServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, "twilio", s.sessionManager)
}

func (s *TwilioServer) writeTwiML(w http.ResponseWriter, t *messages.TwiML) {
	body, err := t.Marshal()
	if err != nil {
		s.logger.Error("❌ failed to render TwiML", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(body)
}

func writeHealth(w http.ResponseWriter, server string, m *session.Manager) {
	body, _ := sonic.Marshal(map[string]any{
		"status":         "ok",
		"server":         server,
		"calls":          m.GetActiveCallCount(),
		"event_failures": m.EventFailures(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
