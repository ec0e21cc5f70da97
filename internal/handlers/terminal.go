package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/joshcassell4/docorcpty/internal/config"
	"github.com/joshcassell4/docorcpty/internal/metrics"
	"github.com/joshcassell4/docorcpty/internal/terminal"
	"golang.org/x/time/rate"
)

// WebSocket close codes in the application range.
const (
	closeSessionNotFound = 4004
	closeSessionClosed   = 4010
	closeSessionBusy     = 4409
)

const closeReasonWait = time.Second

// termMsg is a JSON control message on a text frame. Binary frames carry
// raw terminal bytes.
type termMsg struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

type sessionInfoMsg struct {
	Type        string        `json:"type"`
	SessionID   string        `json:"session_id"`
	ContainerID string        `json:"container_id"`
	Mode        terminal.Mode `json:"mode"`
	Rows        uint16        `json:"rows"`
	Cols        uint16        `json:"cols"`
	Observer    bool          `json:"observer"`
}

type closedMsg struct {
	Type        string               `json:"type"`
	SessionID   string               `json:"session_id"`
	Reason      string               `json:"reason"`
	CloseReason terminal.CloseReason `json:"close_reason,omitempty"`
}

// originPatterns converts configured origins to the host patterns the
// websocket package checks the Origin header against.
func originPatterns() []string {
	var out []string
	for _, o := range config.Cfg.AllowedOrigins {
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// TerminalWS bridges a WebSocket to a session's terminal.
// GET /api/v1/sessions/{sessionId}/terminal
//
// The first message is a session_info text frame followed by the
// scrollback as a binary frame. Interactive clients hold the session's
// consumer claim for the life of the connection; a second interactive
// client is rejected with close code 4409. With ?observe=true, and always
// for automation sessions, the client only receives output. When the
// session ends a "closed" text frame with the reason is sent before the
// connection is closed with code 4010.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(),
	})
	if err != nil {
		log.Printf("[terminal-ws] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	if SessionMgr == nil {
		conn.Close(websocket.StatusInternalError, "Session manager not initialized")
		return
	}
	s, err := SessionMgr.GetSession(chi.URLParam(r, "sessionId"))
	if err != nil {
		conn.Close(closeSessionNotFound, "Session not found")
		return
	}

	observer := r.URL.Query().Get("observe") == "true" || s.Mode == terminal.ModeAutomation
	if !observer {
		release, err := s.Claim("websocket")
		if err != nil {
			if errors.Is(err, terminal.ErrSessionBusy) {
				conn.Close(closeSessionBusy, "Session already attached")
			} else {
				conn.Close(closeSessionClosed, terminal.ReasonCode(err))
			}
			return
		}
		defer release()
	}

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	log.Printf("[terminal-ws] attached to session %s (observer=%v)", s.ID, observer)
	defer log.Printf("[terminal-ws] detached from session %s", s.ID)

	conn.SetReadLimit(terminal.MaxInputMessageSize + 1024)
	ctx := r.Context()

	rows, cols := s.Geometry()
	if err := writeTermJSON(ctx, conn, sessionInfoMsg{
		Type:        "session_info",
		SessionID:   s.ID,
		ContainerID: s.ContainerRef,
		Mode:        s.Mode,
		Rows:        rows,
		Cols:        cols,
		Observer:    observer,
	}); err != nil {
		return
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	if observer {
		history, sub, cancel := s.Observe()
		defer cancel()
		if !sendHistory(relayCtx, conn, history) {
			return
		}
		go func() {
			defer wg.Done()
			observeOutput(relayCtx, conn, s, sub)
		}()
	} else {
		if !sendHistory(relayCtx, conn, s.Replay()) {
			return
		}
		go func() {
			defer wg.Done()
			relayOutput(relayCtx, conn, s)
		}()
	}

	readInput(relayCtx, conn, s, observer)
	relayCancel()
	wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "")
}

func writeTermJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func sendHistory(ctx context.Context, conn *websocket.Conn, history []byte) bool {
	if len(history) == 0 {
		return true
	}
	if err := conn.Write(ctx, websocket.MessageBinary, history); err != nil {
		return false
	}
	metrics.TerminalBytesTotal.WithLabelValues("out").Add(float64(len(history)))
	return true
}

// relayOutput consumes the session's output for an interactive client.
func relayOutput(ctx context.Context, conn *websocket.Conn, s *terminal.Session) {
	for {
		data, err := s.Read(ctx, 32*1024, time.Time{})
		if err != nil {
			if errors.Is(err, terminal.ErrChannelClosed) {
				sessionLost(ctx, conn, s)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
			return
		}
		metrics.TerminalBytesTotal.WithLabelValues("out").Add(float64(len(data)))
	}
}

// observeOutput forwards output copies to an observing client.
func observeOutput(ctx context.Context, conn *websocket.Conn, s *terminal.Session, sub <-chan []byte) {
	for {
		select {
		case data, ok := <-sub:
			if !ok {
				if ctx.Err() == nil {
					sessionLost(ctx, conn, s)
				}
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
				return
			}
			metrics.TerminalBytesTotal.WithLabelValues("out").Add(float64(len(data)))
		case <-ctx.Done():
			return
		}
	}
}

// sessionLost tells the client why its terminal went away and closes the
// connection, which also ends the input loop.
func sessionLost(ctx context.Context, conn *websocket.Conn, s *terminal.Session) {
	// the terminal may end slightly before the manager records why
	select {
	case <-s.Closed():
	case <-time.After(closeReasonWait):
	case <-ctx.Done():
	}
	reason := s.CloseReason()
	writeTermJSON(ctx, conn, closedMsg{
		Type:        "closed",
		SessionID:   s.ID,
		Reason:      terminal.ReasonCode(terminal.ErrChannelClosed),
		CloseReason: reason,
	})
	text := "Session closed"
	if reason != "" {
		text = "Session closed: " + string(reason)
	}
	conn.Close(closeSessionClosed, text)
}

func readInput(ctx context.Context, conn *websocket.Conn, s *terminal.Session, observer bool) {
	limiter := inputLimiter()
	dropped := 0
	defer func() {
		if dropped > 0 {
			log.Printf("[terminal-ws] dropped %d rate-limited input message(s) for session %s", dropped, s.ID)
		}
	}()
	// allow reports whether an input message fits the rate limit. Control
	// messages are never limited.
	allow := func() bool {
		if limiter.Allow() {
			return true
		}
		dropped++
		metrics.WebSocketInputDroppedTotal.Inc()
		return false
	}

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if msgType == websocket.MessageBinary {
			if observer || !allow() {
				continue
			}
			writeInput(s, data)
			continue
		}

		var msg termMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			if observer || !allow() {
				continue
			}
			writeInput(s, []byte(msg.Data))
		case "resize":
			if observer {
				continue
			}
			if err := s.Resize(msg.Rows, msg.Cols); err != nil && !errors.Is(err, terminal.ErrChannelClosed) {
				log.Printf("[terminal-ws] resize session %s: %v", s.ID, err)
			}
		case "ping":
			if err := writeTermJSON(ctx, conn, termMsg{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

// writeInput forwards client input. A failed write closes the channel,
// which the output side reports to the client.
func writeInput(s *terminal.Session, data []byte) {
	if len(data) > terminal.MaxInputMessageSize {
		log.Printf("[terminal-ws] input message too large: session=%s size=%d limit=%d", s.ID, len(data), terminal.MaxInputMessageSize)
		return
	}
	if _, err := s.Write(data); err != nil {
		return
	}
	metrics.TerminalBytesTotal.WithLabelValues("in").Add(float64(len(data)))
}

func inputLimiter() *rate.Limiter {
	if config.Cfg.WSRateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := config.Cfg.WSRateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(config.Cfg.WSRateLimit), burst)
}
