package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/avatarlive/internal/config"
	"github.com/antoniostano/avatarlive/internal/liveavatar"
	"github.com/antoniostano/avatarlive/internal/protocol"
	"github.com/antoniostano/avatarlive/internal/proxyclient"
)

const relayAckTimeout = 10 * time.Second

// relayEnvelope covers every server message the relay can push.
type relayEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Seq       int    `json:"seq,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// runRelay drives a session over the proxy websocket without joining the
// media room: text goes out as client_text and the proxy acknowledges it.
func runRelay(ctx context.Context, cfg config.ClientConfig, in io.Reader, out io.Writer) error {
	proxy := proxyclient.New(cfg.ProxyURL, nil)
	creds, err := proxy.IssueToken(ctx, liveavatar.StartRequest{Language: cfg.Language, Direction: cfg.Direction, Sandbox: cfg.Sandbox})
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
		defer cancel()
		_ = proxy.StopSession(stopCtx, creds.SessionID, creds.SessionToken)
	}()

	wsURL, err := wsURLForSession(cfg.ProxyURL, creds.SessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	fmt.Fprintf(out, "relay session=%s\n", creds.SessionID)

	acks := newAckTracker()
	endedCh := make(chan string, 1)
	readErrCh := make(chan error, 1)
	go readLoop(conn, out, acks, endedCh, readErrCh)

	lines := readLines(ctx, in)
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case code := <-endedCh:
			fmt.Fprintf(out, "session closed by proxy: %s\n", code)
			return nil
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd := parseCommand(line)
			switch cmd.name {
			case "":
			case cmdQuit:
				return nil
			case cmdStop:
				if err := sendControl(conn, creds.SessionID, "stop"); err != nil {
					return fmt.Errorf("send stop: %w", err)
				}
			case cmdStatus:
				if err := sendControl(conn, creds.SessionID, "ping"); err != nil {
					return fmt.Errorf("send ping: %w", err)
				}
			case cmdHelp:
				fmt.Fprint(out, helpText)
			case cmdSay:
				seq++
				acks.expect(seq)
				msg := protocol.ClientText{
					Type:      protocol.TypeClientText,
					SessionID: creds.SessionID,
					Text:      cmd.arg,
					Seq:       seq,
				}
				if err := conn.WriteJSON(msg); err != nil {
					return fmt.Errorf("send text: %w", err)
				}
				go awaitAck(acks, seq, relayAckTimeout, out)
			default:
				fmt.Fprintf(out, "%q is not available in relay mode\n", cmd.name)
			}
		}
	}
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported proxy-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("proxy-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, out io.Writer, acks *ackTracker, endedCh chan<- string, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env relayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeRelayAck:
			acks.done(env.Seq)
		case protocol.TypeSystemEvent:
			if env.Code == protocol.CodePong {
				fmt.Fprintln(out, "relay alive")
				continue
			}
			select {
			case endedCh <- env.Code:
			default:
			}
		case protocol.TypeErrorEvent:
			fmt.Fprintf(out, "error code=%s retryable=%t detail=%s\n", env.Code, env.Retryable, env.Detail)
		}
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
	})
}

// ackTracker pairs relay_ack messages with the sends that produced them.
type ackTracker struct {
	mu      sync.Mutex
	pending map[int]chan struct{}
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[int]chan struct{})}
}

func (a *ackTracker) expect(seq int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[seq] = make(chan struct{})
}

func (a *ackTracker) done(seq int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.pending[seq]; ok {
		close(ch)
		delete(a.pending, seq)
	}
}

func (a *ackTracker) wait(seq int) <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.pending[seq]; ok {
		return ch
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func awaitAck(acks *ackTracker, seq int, timeout time.Duration, out io.Writer) {
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-acks.wait(seq):
		fmt.Fprintf(out, "sent #%d (%dms)\n", seq, time.Since(start).Milliseconds())
	case <-timer.C:
		fmt.Fprintf(out, "no ack for #%d after %s\n", seq, timeout)
	}
}
