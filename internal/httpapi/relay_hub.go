package httpapi

import (
	"context"
	"sync"

	"github.com/antoniostano/avatarlive/internal/protocol"
)

// relayHandle is what the hub can do to one connected relay client.
type relayHandle struct {
	// Notify queues ev for the client and reports whether it was queued.
	Notify func(ev protocol.SystemEvent) bool
	// Close flushes queued messages and closes the connection.
	Close func()
}

// relayHub tracks at most one relay connection per provider session. Its
// wait group counts handler lifetimes, so Wait returns only after every
// handler, replaced ones included, has called its release func.
type relayHub struct {
	mu      sync.Mutex
	conns   map[string]*relayEntry
	closing bool
	wg      sync.WaitGroup
}

type relayEntry struct {
	handle relayHandle
	once   sync.Once
}

func newRelayHub() *relayHub {
	return &relayHub{conns: make(map[string]*relayEntry)}
}

// Register attaches handle to sessionID and closes a previous connection for
// the same session. The caller must call release when its handler returns.
// Once CloseAll has run, Register refuses new connections and reports false.
func (h *relayHub) Register(sessionID string, handle relayHandle) (release func(), ok bool) {
	entry := &relayEntry{handle: handle}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return func() {}, false
	}
	old := h.conns[sessionID]
	h.conns[sessionID] = entry
	h.wg.Add(1)
	h.mu.Unlock()

	if old != nil && old.handle.Close != nil {
		old.handle.Close()
	}
	return func() { h.release(sessionID, entry) }, true
}

func (h *relayHub) release(sessionID string, entry *relayEntry) {
	entry.once.Do(func() {
		h.mu.Lock()
		if h.conns[sessionID] == entry {
			delete(h.conns, sessionID)
		}
		h.mu.Unlock()
		h.wg.Done()
	})
}

func (h *relayHub) lookup(sessionID string) *relayEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[sessionID]
}

// End tells the session's client why it is over and closes the connection.
// It reports whether a client was connected.
func (h *relayHub) End(sessionID, code, detail string) bool {
	entry := h.lookup(sessionID)
	if entry == nil {
		return false
	}
	if entry.handle.Notify != nil {
		entry.handle.Notify(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sessionID,
			Code:      code,
			Detail:    detail,
		})
	}
	if entry.handle.Close != nil {
		entry.handle.Close()
	}
	return true
}

// CloseAll ends every connection with the same code and refuses new ones.
func (h *relayHub) CloseAll(code, detail string) int {
	h.mu.Lock()
	h.closing = true
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	n := 0
	for _, id := range ids {
		if h.End(id, code, detail) {
			n++
		}
	}
	return n
}

func (h *relayHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Wait blocks until every registered handler has released or ctx is done.
func (h *relayHub) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
