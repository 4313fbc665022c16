package liveavatar

import (
	"context"
	"sync"
	"time"
)

type fakeTrack struct {
	id   string
	kind TrackKind
}

func (t fakeTrack) ID() string      { return t.id }
func (t fakeTrack) Kind() TrackKind { return t.kind }

func audioTrack(id string) fakeTrack { return fakeTrack{id: id, kind: TrackKindAudio} }
func videoTrack(id string) fakeTrack { return fakeTrack{id: id, kind: TrackKindVideo} }

type sentEvent struct {
	token     string
	eventType string
	data      any
}

type fakeProxy struct {
	mu sync.Mutex

	creds    Credentials
	info     ConnectionInfo
	issueErr error
	startErr error
	stopErr  error
	sendErr  error

	// issueGate, when set, blocks IssueToken until closed. issueCalled is
	// closed when IssueToken is entered.
	issueGate   chan struct{}
	issueCalled chan struct{}
	// startGate and startCalled do the same for StartSession.
	startGate   chan struct{}
	startCalled chan struct{}

	issued  int
	started []string
	stops   []Credentials
	events  []sentEvent
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{
		creds: Credentials{SessionID: "sess-1", SessionToken: "tok-1"},
		info:  ConnectionInfo{URL: "wss://rtc.example.test", Token: "lk-token"},
	}
}

func (p *fakeProxy) IssueToken(ctx context.Context, _ StartRequest) (Credentials, error) {
	p.mu.Lock()
	p.issued++
	gate, called := p.issueGate, p.issueCalled
	p.mu.Unlock()

	if called != nil {
		close(called)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.issueErr != nil {
		return Credentials{}, p.issueErr
	}
	return p.creds, nil
}

func (p *fakeProxy) StartSession(ctx context.Context, token string) (ConnectionInfo, error) {
	p.mu.Lock()
	p.started = append(p.started, token)
	gate, called := p.startGate, p.startCalled
	p.mu.Unlock()

	if called != nil {
		close(called)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ConnectionInfo{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return ConnectionInfo{}, p.startErr
	}
	return p.info, nil
}

func (p *fakeProxy) StopSession(_ context.Context, sessionID, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, Credentials{SessionID: sessionID, SessionToken: token})
	return p.stopErr
}

func (p *fakeProxy) SendEvent(_ context.Context, token, eventType string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, sentEvent{token: token, eventType: eventType, data: data})
	return p.sendErr
}

func (p *fakeProxy) startedTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...)
}

func (p *fakeProxy) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stops)
}

type fakeTransport struct {
	mu sync.Mutex

	identity   string
	remote     []RemoteParticipant
	connectErr error
	onConnect  func(sink EventSink)

	sink        EventSink
	connects    int
	disconnects int
	mic         []bool

	// micGate, when set, holds SetMicrophoneEnabled(true) until closed;
	// micEntered is closed when such a call arrives.
	micGate    chan struct{}
	micEntered chan struct{}
}

func (t *fakeTransport) Connect(_ context.Context, _, _ string, sink EventSink) error {
	t.mu.Lock()
	t.connects++
	t.sink = sink
	hook := t.onConnect
	err := t.connectErr
	t.mu.Unlock()

	if hook != nil {
		hook(sink)
	}
	return err
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
}

func (t *fakeTransport) LocalIdentity() string { return t.identity }

func (t *fakeTransport) RemoteParticipants() []RemoteParticipant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RemoteParticipant(nil), t.remote...)
}

func (t *fakeTransport) SetMicrophoneEnabled(enabled bool) error {
	t.mu.Lock()
	gate, entered := t.micGate, t.micEntered
	if enabled && gate != nil {
		t.micGate, t.micEntered = nil, nil
	}
	t.mu.Unlock()

	if enabled && gate != nil {
		close(entered)
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mic = append(t.mic, enabled)
	return nil
}

func (t *fakeTransport) micCalls() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.mic...)
}

func (t *fakeTransport) emit(ev Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	sink(ev)
}

type fakeAudioSink struct {
	key      TrackKey
	playErrs []error
	plays    int
	released int
	attached Track
}

func (s *fakeAudioSink) Attach(track Track) error {
	s.attached = track
	return nil
}

func (s *fakeAudioSink) Play() error {
	s.plays++
	if len(s.playErrs) == 0 {
		return nil
	}
	err := s.playErrs[0]
	s.playErrs = s.playErrs[1:]
	return err
}

func (s *fakeAudioSink) Release() error {
	s.released++
	return nil
}

type fakeSinkFactory struct {
	playErrs []error
	created  []*fakeAudioSink
}

func (f *fakeSinkFactory) NewAudioSink(key TrackKey) (AudioSink, error) {
	s := &fakeAudioSink{key: key, playErrs: append([]error(nil), f.playErrs...)}
	f.created = append(f.created, s)
	return s, nil
}

type fakeVideoSink struct {
	attached  []string
	detaches  int
	attachErr error
}

func (v *fakeVideoSink) Attach(track Track) error {
	if v.attachErr != nil {
		return v.attachErr
	}
	v.attached = append(v.attached, track.ID())
	return nil
}

func (v *fakeVideoSink) Detach() error {
	v.detaches++
	return nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		timers: make(map[int]func()),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Every(_ time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.timers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.timers, id)
	}
}

// Tick advances one second and runs every live timer synchronously.
func (c *fakeClock) Tick() {
	c.mu.Lock()
	c.now = c.now.Add(time.Second)
	fns := make([]func(), 0, len(c.timers))
	for _, fn := range c.timers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type harness struct {
	ctrl    *Controller
	proxy   *fakeProxy
	clock   *fakeClock
	sinks   *fakeSinkFactory
	video   *fakeVideoSink
	newFake func() *fakeTransport

	mu          sync.Mutex
	transports  []*fakeTransport
	transitions []Transition
}

func newHarness() *harness {
	h := &harness{
		proxy: newFakeProxy(),
		clock: newFakeClock(),
		sinks: &fakeSinkFactory{},
		video: &fakeVideoSink{},
		newFake: func() *fakeTransport {
			return &fakeTransport{identity: "visitor"}
		},
	}
	h.ctrl = NewController(Options{
		Proxy: h.proxy,
		NewTransport: func() Transport {
			tr := h.newFake()
			h.mu.Lock()
			h.transports = append(h.transports, tr)
			h.mu.Unlock()
			return tr
		},
		Sinks: h.sinks,
		Video: h.video,
		Clock: h.clock,
		OnTransition: func(t Transition) {
			h.mu.Lock()
			h.transitions = append(h.transitions, t)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) transport() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.transports) == 0 {
		return nil
	}
	return h.transports[len(h.transports)-1]
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *harness) seen() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Transition(nil), h.transitions...)
}
