// Command wsclient is a terminal client for the WebSocket text channel. Each
// line typed (or piped) is sent as one caller utterance.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/messages"
)

type serverMessage struct {
	Type    string          `json:"type"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	// Flags
	serverURL := flag.String("server", "ws://localhost:8080/ws", "WebSocket server URL")
	tenantID := flag.String("tenant", "", "Tenant id (server default when empty)")
	callerID := flag.String("caller-id", "", "Caller phone number")
	flag.Parse()

	logger, err := logging.New("info", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("🔌 Connecting...", zap.String("server", *serverURL))
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer conn.Close()
	logger.Info("✅ Connected!")

	// Handle interrupt
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	ready := make(chan struct{}, 1)

	// Read responses from server
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					logger.Warn("Read error", zap.Error(err))
				}
				return
			}
			if printMessage(data, logger) {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		}
	}()

	send := func(typ string, payload any) error {
		frame, err := messages.NewClientMessage(typ, payload)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	if err := send(messages.TypeStart, messages.StartPayload{TenantID: *tenantID, CallerID: *callerID}); err != nil {
		logger.Fatal("Failed to start call", zap.Error(err))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			logger.Info("Interrupted, hanging up")
			_ = send(messages.TypeControl, messages.ControlPayload{Action: messages.ActionHangup})
			waitClosed(done)
			return
		case line, ok := <-lines:
			if !ok {
				_ = send(messages.TypeControl, messages.ControlPayload{Action: messages.ActionHangup})
				waitClosed(done)
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := send(messages.TypeUtterance, messages.UtterancePayload{Text: line}); err != nil {
				logger.Error("Send failed", zap.Error(err))
				return
			}
			// Wait for the reply so piped transcripts stay in order.
			select {
			case <-ready:
			case <-done:
				return
			case <-time.After(10 * time.Second):
				logger.Warn("No reply within 10s")
			}
		}
	}
}

// printMessage renders one server frame. It reports whether the frame was a
// reply to an utterance.
func printMessage(data []byte, logger *zap.Logger) bool {
	var msg serverMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		logger.Warn("Bad frame", zap.Error(err))
		return false
	}
	switch msg.Type {
	case messages.TypeResponse:
		var p messages.ResponsePayload
		_ = sonic.Unmarshal(msg.Payload, &p)
		fmt.Printf("agent [%s, %s]: %s\n", p.Owner, p.Lane, p.Text)
		return true
	case messages.TypeStatus:
		var p messages.StatusPayload
		_ = sonic.Unmarshal(msg.Payload, &p)
		if p.Status == "started" {
			fmt.Printf("agent: %s\n", p.Message)
			return false
		}
		logger.Info("📊 status", zap.String("status", p.Status), zap.String("call", logging.ShortID(msg.CallID)))
	case messages.TypeError:
		var p messages.ErrorPayload
		_ = sonic.Unmarshal(msg.Payload, &p)
		logger.Error("❌ server error", zap.String("code", p.Code), zap.String("message", p.Message))
		return true
	}
	return false
}

func waitClosed(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}
