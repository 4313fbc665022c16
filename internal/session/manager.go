package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session already ended")
)

// Manager tracks sessions issued through the proxy so that the janitor can
// stop the ones a client abandoned.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byToken     map[string]string
	maxDuration time.Duration
	issueTTL    time.Duration
	now         func() time.Time
	onExpire    func(*Session)
}

// NewManager returns a registry that expires started sessions after
// maxDuration and issued-but-never-started ones after issueTTL.
func NewManager(maxDuration, issueTTL time.Duration) *Manager {
	if maxDuration <= 0 {
		maxDuration = 90 * time.Second
	}
	if issueTTL <= 0 {
		issueTTL = 2 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		byToken:     make(map[string]string),
		maxDuration: maxDuration,
		issueTTL:    issueTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetExpireHook installs the callback run, outside the lock, for each
// session the janitor expires.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register records a freshly issued session.
func (m *Manager) Register(id, token, direction, language string, sandbox bool) *Session {
	s := &Session{
		ID:        id,
		Token:     token,
		Direction: direction,
		Language:  language,
		Sandbox:   sandbox,
		Status:    StatusIssued,
		IssuedAt:  m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[id]; ok {
		delete(m.byToken, old.Token)
	}
	m.sessions[id] = s
	if token != "" {
		m.byToken[token] = id
	}
	return clone(s)
}

// MarkStarted moves the session owning token to started. Unknown tokens
// return ErrNotFound; the proxy still forwards them upstream.
func (m *Manager) MarkStarted(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.byTokenLocked(token)
	if err != nil {
		return nil, err
	}
	if !s.Status.Live() {
		return nil, ErrEnded
	}
	if s.Status == StatusIssued {
		s.Status = StatusStarted
		s.StartedAt = m.now()
	}
	return clone(s), nil
}

// LookupToken returns the session owning token.
func (m *Manager) LookupToken(token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.byTokenLocked(token)
	if err != nil {
		return nil, err
	}
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// End marks the session ended. Ending twice is not an error.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status.Live() {
		s.Status = StatusEnded
		s.EndedAt = m.now()
	}
	delete(m.byToken, s.Token)
	return clone(s), nil
}

// List returns summaries of live sessions.
func (m *Manager) List() []Summary {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.Status.Live() {
			continue
		}
		sum := Summary{
			SessionID: s.ID,
			Direction: s.Direction,
			Language:  s.Language,
			Status:    s.Status,
			IssuedAt:  s.IssuedAt,
			StartedAt: s.StartedAt,
		}
		if s.Status == StatusStarted {
			left := m.maxDuration - now.Sub(s.StartedAt)
			if left > 0 {
				sum.RemainingSeconds = int(left / time.Second)
			}
		}
		out = append(out, sum)
	}
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireOverdue()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusStarted {
			count++
		}
	}
	return count
}

// expireOverdue expires live sessions past their deadline and forgets ended
// ones that have been kept for a full issue TTL.
func (m *Manager) expireOverdue() []*Session {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch s.Status {
		case StatusIssued:
			if now.Sub(s.IssuedAt) < m.issueTTL {
				continue
			}
		case StatusStarted:
			if now.Sub(s.StartedAt) < m.maxDuration {
				continue
			}
		default:
			if now.Sub(s.EndedAt) >= m.issueTTL {
				delete(m.sessions, id)
			}
			continue
		}
		s.Status = StatusExpired
		s.EndedAt = now
		expired = append(expired, clone(s))
		delete(m.byToken, s.Token)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	return expired
}

func (m *Manager) byTokenLocked(token string) (*Session, error) {
	id, ok := m.byToken[token]
	if !ok || token == "" {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
