package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/avatarlive/internal/journal"
	"github.com/antoniostano/avatarlive/internal/liveavatar"
	"github.com/antoniostano/avatarlive/internal/policy"
	"github.com/antoniostano/avatarlive/internal/protocol"
	"github.com/antoniostano/avatarlive/internal/session"
)

const (
	relayQueueSize    = 64
	relayReadTimeout  = 120 * time.Second
	relayWriteTimeout = 10 * time.Second
)

// relayQueue is the outbound side of one relay connection. Sends never
// block; a full or closed queue drops the message.
type relayQueue struct {
	mu     sync.Mutex
	closed bool
	ch     chan any
}

func newRelayQueue() *relayQueue {
	return &relayQueue{ch: make(chan any, relayQueueSize)}
}

func (q *relayQueue) send(msg any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

func (q *relayQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if !sess.Status.Live() {
		respondError(w, http.StatusGone, "session_ended", "session is "+string(sess.Status))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	out := newRelayQueue()
	release, ok := s.hub.Register(sessionID, relayHandle{
		Notify: func(ev protocol.SystemEvent) bool { return out.send(ev) },
		Close:  out.close,
	})
	if !ok {
		_ = conn.WriteJSON(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sessionID,
			Code:      protocol.CodeServerShutdown,
			Detail:    "server is shutting down",
		})
		return
	}
	defer release()

	writerDone := make(chan struct{})
	go s.relayWriter(conn, out, writerDone)

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			out.send(relayError(sessionID, "invalid_client_message", "gateway", false, err.Error()))
			continue
		}
		switch m := parsed.(type) {
		case protocol.ClientText:
			s.metrics.WSMessage("inbound", string(m.Type))
			if m.SessionID != sessionID {
				out.send(relayError(sessionID, "session_mismatch", "gateway", false, "message is for another session"))
				continue
			}
			s.relayText(ctx, sessionID, m, out)
		case protocol.ClientControl:
			s.metrics.WSMessage("inbound", string(m.Type))
			s.relayControl(ctx, sessionID, m, out)
		}
	}

	out.close()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// relayWriter owns every data write on conn. It drains the queue until it is
// closed, then closes the connection, which also ends the read loop.
func (s *Server) relayWriter(conn *websocket.Conn, out *relayQueue, done chan<- struct{}) {
	defer close(done)
	broken := false
	for msg := range out.ch {
		if broken {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			broken = true
			_ = conn.Close()
			continue
		}
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.WSMessage("outbound", string(t))
		}
	}
	if !broken {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	_ = conn.Close()
}

func (s *Server) relayText(ctx context.Context, sessionID string, m protocol.ClientText, out *relayQueue) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil || !sess.Status.Live() {
		out.send(relayError(sessionID, "session_ended", "gateway", false, "session is no longer live"))
		return
	}
	if d := policy.ScreenText(m.Text); d.Blocked {
		out.send(relayError(sessionID, "message_blocked", "policy", false, d.Reason))
		return
	}
	eventType := strings.TrimSpace(m.EventType)
	if eventType == "" {
		eventType = liveavatar.DefaultTextEventType
	}

	if err := s.provider.SendEvent(ctx, sess.Token, eventType, map[string]string{"text": m.Text}); err != nil {
		_, body := errorStatus(err)
		retryable := body.Retryable != nil && *body.Retryable
		s.logger.Warn("relay text failed", "session_id", sessionID, "error", err)
		s.record(ctx, sessionID, journal.KindFailure, "relay text: "+err.Error())
		out.send(relayError(sessionID, body.Code, "provider", retryable, body.Error))
		return
	}
	s.record(ctx, sessionID, journal.KindText, m.Text)
	out.send(protocol.RelayAck{Type: protocol.TypeRelayAck, SessionID: sessionID, Seq: m.Seq})
}

func (s *Server) relayControl(ctx context.Context, sessionID string, m protocol.ClientControl, out *relayQueue) {
	switch strings.ToLower(strings.TrimSpace(m.Action)) {
	case "ping":
		out.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: protocol.CodePong})
	case "stop":
		sess, err := s.sessions.Get(sessionID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				s.hub.End(sessionID, protocol.CodeSessionEnded, "session is gone")
			}
			return
		}
		if !sess.Status.Live() {
			s.hub.End(sessionID, protocol.CodeSessionEnded, "session already "+string(sess.Status))
			return
		}
		if err := s.stopSession(ctx, sessionID, sess.Token, "stopped by relay client"); err != nil {
			_, body := errorStatus(err)
			retryable := body.Retryable != nil && *body.Retryable
			out.send(relayError(sessionID, body.Code, "provider", retryable, body.Error))
		}
	default:
		out.send(relayError(sessionID, "unsupported_action", "gateway", false, "unsupported action "+m.Action))
	}
}

func relayError(sessionID, code, source string, retryable bool, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.RelayAck:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
