package liveavatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/avatarlive/internal/protocol"
)

const (
	DefaultBudget        = 60 * time.Second
	DefaultStopTimeout   = 5 * time.Second
	DefaultTextEventType = "avatar.speak_response"
	DefaultOfflineReply  = "Thanks for your message! Start a live session and the avatar will answer you in person."

	tickInterval = time.Second
)

// Options configures a Controller.
type Options struct {
	Proxy        Proxy
	NewTransport func() Transport
	Sinks        SinkFactory
	Video        VideoSink
	Clock        Clock
	Logger       *slog.Logger

	// Budget is the countdown started when the avatar connects.
	Budget        time.Duration
	StopTimeout   time.Duration
	TextEventType string
	OfflineReply  string

	// Hooks run outside the controller lock, after the change is applied.
	OnTransition func(Transition)
	OnUpdate     func(State)
}

// State is a point-in-time view of the controller.
type State struct {
	Phase          Phase     `json:"phase"`
	Error          string    `json:"error,omitempty"`
	EndReason      EndReason `json:"end_reason,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	Remaining      int       `json:"remaining_seconds"`
	Muted          bool      `json:"muted"`
	AvatarSpeaking bool      `json:"avatar_speaking"`
	UnlockNeeded   bool      `json:"unlock_needed"`
	AudioSinks     int       `json:"audio_sinks"`
	Messages       []Message `json:"messages"`
}

// Controller is the live-avatar session state machine. All state is guarded
// by mu; transport callbacks, ticks and API calls are serialized through it.
type Controller struct {
	opts   Options
	logger *slog.Logger
	clock  Clock
	budget int

	mu        sync.Mutex
	phase     Phase
	errMsg    string
	endReason EndReason
	gen       uint64
	creds     Credentials
	transport Transport
	startedAt time.Time
	remaining int
	timerGen  uint64
	stopTimer func()
	media     *MediaManager
	turns     TurnTaking
	messages  []Message
	pending   []Transition
	// remoteTrack is set once any remote track is subscribed in this
	// attempt, whether or not a sink could bind it.
	remoteTrack bool
	micChange   *bool
	micSeq      uint64
	micPending  uint64

	// micMu orders SetMicrophoneEnabled calls; micApplied is the sequence
	// of the last change handed to the transport.
	micMu      sync.Mutex
	micApplied uint64
}

// teardown holds resources detached from the controller under lock and
// released after it.
type teardown struct {
	transport Transport
	creds     Credentials
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if strings.TrimSpace(opts.TextEventType) == "" {
		opts.TextEventType = DefaultTextEventType
	}
	if strings.TrimSpace(opts.OfflineReply) == "" {
		opts.OfflineReply = DefaultOfflineReply
	}

	budget := int(opts.Budget / tickInterval)
	if budget < 1 {
		budget = 1
	}
	return &Controller{
		opts:      opts,
		logger:    opts.Logger,
		clock:     opts.Clock,
		budget:    budget,
		phase:     PhaseIdle,
		remaining: budget,
		media:     NewMediaManager(opts.Sinks, opts.Video, opts.Logger),
	}
}

// Start runs one session attempt: token, provider start, transport connect.
// It returns once the transport is connected or the attempt failed. A Start
// while a session is already active is a no-op.
func (c *Controller) Start(ctx context.Context, req StartRequest) error {
	if c.opts.Proxy == nil || c.opts.NewTransport == nil {
		return errors.New("liveavatar: controller has no proxy or transport")
	}

	c.mu.Lock()
	if c.phase.Active() {
		c.mu.Unlock()
		return nil
	}
	if c.phase != PhaseIdle {
		c.setPhaseLocked(PhaseIdle)
	}
	c.gen++
	gen := c.gen
	c.errMsg = ""
	c.endReason = EndReasonNone
	c.setPhaseLocked(PhaseConnecting)
	c.unlockAndNotify()

	c.logger.Info("live session starting", "direction", req.Direction, "language", req.Language, "sandbox", req.Sandbox)

	creds, err := c.opts.Proxy.IssueToken(ctx, req)
	if err != nil {
		return c.fail(gen, "issue token", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		// Nobody else knows about this provider session yet.
		c.stopRemote(ctx, creds)
		return ErrSessionAborted
	}
	c.creds = creds
	c.mu.Unlock()

	info, err := c.opts.Proxy.StartSession(ctx, creds.SessionToken)
	if err != nil {
		return c.fail(gen, "start session", err)
	}
	if !c.current(gen) {
		return ErrSessionAborted
	}

	tr := c.opts.NewTransport()
	if err := tr.Connect(ctx, info.URL, info.Token, c.sinkFor(gen)); err != nil {
		tr.Disconnect()
		return c.fail(gen, "connect", &TransportError{Op: "connect", Err: err})
	}

	localIdentity := tr.LocalIdentity()
	avatarPresent := hasRemoteTrack(tr.RemoteParticipants())

	c.mu.Lock()
	if c.gen != gen || c.phase != PhaseConnecting {
		c.mu.Unlock()
		tr.Disconnect()
		return ErrSessionAborted
	}
	c.transport = tr
	c.turns.SetLocalIdentity(localIdentity)
	if c.turns.Muted() {
		c.applyMicLocked(MicDisable)
	}
	if avatarPresent || c.remoteTrack {
		c.enterConnectedLocked()
	} else {
		c.setPhaseLocked(PhaseWaitingAvatar)
	}
	sessionID := c.creds.SessionID
	phase := c.phase
	c.unlockAndNotify()

	c.logger.Info("live session connected", "session_id", sessionID, "phase", phase)
	return nil
}

// Stop ends the current session. A connected session passes through ended
// before settling in idle. Calling Stop with nothing to stop is a no-op.
func (c *Controller) Stop(ctx context.Context) {
	c.shutdown(ctx, EndReasonUserStop, false)
}

// Close is the unmount path: it releases everything and resets the
// controller, transcript included. Safe to call any number of times.
func (c *Controller) Close(ctx context.Context) {
	c.shutdown(ctx, EndReasonClosed, true)
}

// HandleEvent applies a transport event to the current session.
func (c *Controller) HandleEvent(ev Event) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.dispatch(gen, ev)
}

// ToggleMute flips the local microphone. It reports false when refused,
// which happens while the avatar is speaking or without a live transport.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	if c.transport == nil {
		c.mu.Unlock()
		return false
	}
	action, ok := c.turns.ToggleMute()
	c.applyMicLocked(action)
	c.unlockAndNotify()
	return ok
}

// Unlock retries audio playback after a user gesture and reports whether
// every sink is now playing.
func (c *Controller) Unlock() bool {
	c.mu.Lock()
	stillBlocked := c.media.Unlock()
	c.unlockAndNotify()
	return !stillBlocked
}

// SendText relays a user message. Without a live session the message is
// answered locally with a canned acknowledgement.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	c.appendMessageLocked(RoleUser, text)
	token := c.creds.SessionToken
	if c.transport == nil || token == "" {
		c.appendMessageLocked(RoleAssistant, c.opts.OfflineReply)
		c.unlockAndNotify()
		return nil
	}
	c.unlockAndNotify()

	if err := c.opts.Proxy.SendEvent(ctx, token, c.opts.TextEventType, map[string]string{"text": text}); err != nil {
		c.logger.Warn("text relay failed", "error", err)
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) shutdown(ctx context.Context, reason EndReason, reset bool) {
	c.mu.Lock()
	if c.phase == PhaseConnected {
		c.endReason = reason
		c.setPhaseLocked(PhaseEnded)
	} else if c.phase.Active() {
		c.endReason = reason
	}
	td := c.detachLocked()
	if c.phase != PhaseIdle {
		c.setPhaseLocked(PhaseIdle)
	}
	if reset {
		c.errMsg = ""
		c.messages = nil
	}
	c.unlockAndNotify()

	c.release(ctx, td)
}

func (c *Controller) sinkFor(gen uint64) EventSink {
	return func(ev Event) { c.dispatch(gen, ev) }
}

func (c *Controller) dispatch(gen uint64, ev Event) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	var td teardown
	switch e := ev.(type) {
	case TrackSubscribed:
		if !c.phase.Active() {
			break
		}
		c.remoteTrack = true
		c.media.OnTrackSubscribed(e.Track, e.Participant)
		if c.phase == PhaseWaitingAvatar {
			c.enterConnectedLocked()
		}
	case TrackUnsubscribed:
		c.media.OnTrackUnsubscribed(e.Track, e.Participant)
	case ParticipantConnected:
		if c.phase == PhaseWaitingAvatar && e.Identity != c.turns.localIdentity {
			c.enterConnectedLocked()
		}
	case Disconnected:
		td = c.onDisconnectedLocked(e.Err)
	case DataReceived:
		c.onDataLocked(e.Payload)
	case ActiveSpeakersChanged:
		if c.phase.Active() {
			c.applyMicLocked(c.turns.ActiveSpeakers(e.Identities))
		}
	}
	c.unlockAndNotify()

	c.release(context.Background(), td)
}

func (c *Controller) onDisconnectedLocked(cause error) teardown {
	switch c.phase {
	case PhaseConnected:
		c.logger.Info("transport disconnected", "session_id", c.creds.SessionID, "error", cause)
		c.endReason = EndReasonDisconnect
		td := c.detachLocked()
		c.setPhaseLocked(PhaseIdle)
		return td
	case PhaseConnecting, PhaseWaitingAvatar:
		err := &TransportError{Op: "connection", Err: cause}
		if cause == nil {
			err.Err = errors.New("room closed before the avatar joined")
		}
		c.logger.Warn("transport dropped before avatar joined", "session_id", c.creds.SessionID, "error", err)
		c.errMsg = err.Error()
		c.endReason = EndReasonFailed
		td := c.detachLocked()
		c.setPhaseLocked(PhaseError)
		return td
	default:
		return teardown{}
	}
}

func (c *Controller) onDataLocked(payload []byte) {
	if !c.phase.Active() {
		return
	}
	msg, err := protocol.ParseDataMessage(payload)
	if err != nil {
		c.logger.Debug("ignoring data message", "error", err)
		return
	}
	switch msg.Kind {
	case protocol.DataKindSpeakingStart:
		c.applyMicLocked(c.turns.Signal(SourceDataChannel, true))
	case protocol.DataKindSpeakingStop:
		c.applyMicLocked(c.turns.Signal(SourceDataChannel, false))
	case protocol.DataKindText:
		c.appendMessageLocked(RoleAssistant, msg.Text)
	}
}

// fail moves an in-flight attempt to error and releases what it acquired.
func (c *Controller) fail(gen uint64, op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)

	c.mu.Lock()
	if c.gen != gen || !c.phase.Active() || c.phase == PhaseConnected {
		c.mu.Unlock()
		c.logger.Info("discarding failure of superseded attempt", "op", op, "error", err)
		return wrapped
	}
	c.logger.Warn("live session failed", "op", op, "error", err)
	c.errMsg = wrapped.Error()
	c.endReason = EndReasonFailed
	td := c.detachLocked()
	c.setPhaseLocked(PhaseError)
	c.unlockAndNotify()

	c.release(context.Background(), td)
	return wrapped
}

// detachLocked takes ownership of every session resource away from the
// controller and invalidates in-flight attempts and late events.
func (c *Controller) detachLocked() teardown {
	td := teardown{transport: c.transport, creds: c.creds}
	c.transport = nil
	c.creds = Credentials{}
	c.stopTimerLocked()
	c.media.Teardown()
	c.turns.Reset()
	c.remoteTrack = false
	c.startedAt = time.Time{}
	c.gen++
	return td
}

func (c *Controller) release(ctx context.Context, td teardown) {
	if td.transport != nil {
		td.transport.Disconnect()
	}
	if td.creds.SessionID != "" {
		c.stopRemote(ctx, td.creds)
	}
}

// stopRemote is best-effort: errors are logged and never returned.
func (c *Controller) stopRemote(ctx context.Context, creds Credentials) {
	if ctx == nil {
		ctx = context.Background()
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StopTimeout)
	defer cancel()
	if err := c.opts.Proxy.StopSession(stopCtx, creds.SessionID, creds.SessionToken); err != nil {
		c.logger.Warn("best-effort session stop failed", "session_id", creds.SessionID, "error", err)
		return
	}
	c.logger.Info("live session stopped", "session_id", creds.SessionID)
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Controller) setPhaseLocked(to Phase) bool {
	from := c.phase
	if from == to {
		return false
	}
	if !Allowed(from, to) {
		c.logger.Warn("refusing phase transition", "from", from, "to", to)
		return false
	}
	if from == PhaseConnected {
		c.stopTimerLocked()
	}
	c.phase = to
	c.pending = append(c.pending, Transition{From: from, To: to})
	return true
}

func (c *Controller) enterConnectedLocked() {
	if !c.setPhaseLocked(PhaseConnected) {
		return
	}
	c.startedAt = c.clock.Now()
	c.stopTimerLocked()
	c.remaining = c.budget
	c.timerGen++
	tg := c.timerGen
	c.stopTimer = c.clock.Every(tickInterval, func() { c.tick(tg) })
}

func (c *Controller) stopTimerLocked() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.timerGen++
	c.remaining = c.budget
}

func (c *Controller) tick(tg uint64) {
	c.mu.Lock()
	if tg != c.timerGen || c.phase != PhaseConnected {
		c.mu.Unlock()
		return
	}
	c.remaining--
	if c.remaining > 0 {
		c.unlockAndNotify()
		return
	}

	c.logger.Info("session budget exhausted", "session_id", c.creds.SessionID)
	c.endReason = EndReasonTimer
	c.setPhaseLocked(PhaseEnded)
	td := c.detachLocked()
	c.setPhaseLocked(PhaseIdle)
	c.unlockAndNotify()

	c.release(context.Background(), td)
}

// applyMicLocked records a microphone change; unlockAndNotify pushes it to
// the transport once mu is released.
func (c *Controller) applyMicLocked(action MicAction) {
	if action == MicUnchanged || c.transport == nil {
		return
	}
	enabled := action == MicEnable
	c.micSeq++
	c.micChange = &enabled
	c.micPending = c.micSeq
}

// applyMic hands a microphone change to the transport unless a later
// decision already got there first.
func (c *Controller) applyMic(tr Transport, enabled bool, seq uint64) {
	c.micMu.Lock()
	defer c.micMu.Unlock()
	if seq <= c.micApplied {
		return
	}
	c.micApplied = seq
	if err := tr.SetMicrophoneEnabled(enabled); err != nil {
		c.logger.Warn("microphone toggle failed", "enabled", enabled, "error", err)
	}
}

func (c *Controller) appendMessageLocked(role Role, text string) {
	c.messages = append(c.messages, Message{ID: uuid.NewString(), Role: role, Text: text})
}

func (c *Controller) snapshotLocked() State {
	st := State{
		Phase:          c.phase,
		Error:          c.errMsg,
		EndReason:      c.endReason,
		SessionID:      c.creds.SessionID,
		StartedAt:      c.startedAt,
		Remaining:      c.remaining,
		Muted:          c.turns.Muted(),
		AvatarSpeaking: c.turns.Speaking(),
		UnlockNeeded:   c.media.UnlockNeeded(),
		AudioSinks:     c.media.AudioSinkCount(),
	}
	if len(c.messages) > 0 {
		st.Messages = append([]Message(nil), c.messages...)
	}
	return st
}

// unlockAndNotify releases mu, then applies the pending microphone change
// and runs hooks for what changed.
func (c *Controller) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	mic, micSeq := c.micChange, c.micPending
	c.micChange = nil
	tr := c.transport
	var st State
	if c.opts.OnUpdate != nil {
		st = c.snapshotLocked()
	}
	c.mu.Unlock()

	if mic != nil && tr != nil {
		c.applyMic(tr, *mic, micSeq)
	}

	if c.opts.OnTransition != nil {
		for _, t := range pending {
			c.opts.OnTransition(t)
		}
	}
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(st)
	}
}

func hasRemoteTrack(participants []RemoteParticipant) bool {
	for _, p := range participants {
		if len(p.TrackIDs) > 0 {
			return true
		}
	}
	return false
}
