package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/avatarlive/internal/chat"
	"github.com/antoniostano/avatarlive/internal/config"
	"github.com/antoniostano/avatarlive/internal/journal"
	"github.com/antoniostano/avatarlive/internal/observability"
	"github.com/antoniostano/avatarlive/internal/policy"
	"github.com/antoniostano/avatarlive/internal/protocol"
	"github.com/antoniostano/avatarlive/internal/provider"
	"github.com/antoniostano/avatarlive/internal/session"
)

// Provider is the upstream avatar API as the proxy uses it.
type Provider interface {
	Configured() bool
	IssueToken(ctx context.Context, req provider.TokenRequest) (provider.Credentials, error)
	StartSession(ctx context.Context, sessionToken string) (provider.ConnectionInfo, error)
	StopSession(ctx context.Context, sessionID, sessionToken string) error
	SendEvent(ctx context.Context, sessionToken, eventType string, data any) error
	Transcript(ctx context.Context, sessionID string) ([]provider.TranscriptMessage, error)
}

// Dependencies wires a Server. Journal, Chat, Metrics, Gatherer and Logger
// may be nil.
type Dependencies struct {
	Config   config.Config
	Provider Provider
	Sessions *session.Manager
	Journal  journal.Store
	Chat     *chat.Service
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	cfg       config.Config
	provider  Provider
	sessions  *session.Manager
	journal   journal.Store
	chat      *chat.Service
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	hub       *relayHub
	tokenRate *ipLimiter
}

func New(deps Dependencies) *Server {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Journal
	if store == nil {
		store = journal.NewInMemoryStore()
	}
	svc := deps.Chat
	if svc == nil {
		svc = chat.NewService(chat.CannedBackend{}, "", logger, nil)
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return &Server{
		cfg:       cfg,
		provider:  deps.Provider,
		sessions:  deps.Sessions,
		journal:   store,
		chat:      svc,
		metrics:   deps.Metrics,
		gatherer:  gatherer,
		logger:    logger,
		hub:       newRelayHub(),
		tokenRate: newIPLimiter(cfg.TokenRateLimit, cfg.TokenRateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				if _, ok := allowed[strings.ToLower(origin)]; ok {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, recoverer(s.logger), accessLog(s.logger), cors(s.cfg.AllowAnyOrigin, s.cfg.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler(s.gatherer))
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/session/token", s.limited("session_token", s.tokenRate, s.handleIssueToken))
	r.Post("/session/start", s.handleStartSession)
	r.Post("/session/stop", s.handleStopSession)
	r.Post("/session/event", s.handleSendEvent)
	r.Get("/session/ws", s.handleRelayWS)
	r.Get("/session/{id}/transcript", s.handleTranscript)
	r.Get("/session/{id}/events", s.handleSessionEvents)
	r.Get("/sessions", s.handleListSessions)

	r.Post("/v1/chat", s.handleChat)

	return r
}

// ExpireSession stops a session the janitor found over budget and tells its
// relay client. It is meant to be the session manager's expire hook.
func (s *Server) ExpireSession(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.providerTimeout())
	defer cancel()

	detail := "session exceeded its time budget"
	if sess.StartedAt.IsZero() {
		detail = "session was issued but never started"
	}
	if err := s.provider.StopSession(ctx, sess.ID, sess.Token); err != nil && !provider.IsNotFound(err) {
		s.logger.Warn("stop expired session failed", "session_id", sess.ID, "error", err)
		s.record(ctx, sess.ID, journal.KindFailure, "stop on expiry: "+err.Error())
	}
	s.record(ctx, sess.ID, journal.KindExpired, detail)
	s.metrics.SessionEvent("expired")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.hub.End(sess.ID, protocol.CodeSessionExpired, detail)
	s.logger.Info("session expired", "session_id", sess.ID, "detail", detail)
}

// Shutdown closes relay connections and waits for their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.hub.CloseAll(protocol.CodeServerShutdown, "server is shutting down")
	if n > 0 {
		s.logger.Info("closing relay connections", "count", n)
	}
	if !s.hub.Wait(ctx) {
		return fmt.Errorf("relay connections still open: %w", ctx.Err())
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"relay_clients":   s.hub.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.provider == nil || !s.provider.Configured() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "LIVEAVATAR_API_KEY is not set",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req provider.TokenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Language = strings.TrimSpace(req.Language)
	if req.Language == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	creds, err := s.provider.IssueToken(r.Context(), req)
	if err != nil {
		s.fail(w, r, "", "issue token", err)
		return
	}
	s.sessions.Register(creds.SessionID, creds.SessionToken, req.Direction, req.Language, req.Sandbox)
	s.record(r.Context(), creds.SessionID, journal.KindIssued,
		fmt.Sprintf("direction=%s language=%s sandbox=%t", req.Direction, req.Language, req.Sandbox))
	s.metrics.SessionEvent("issued")
	respondJSON(w, http.StatusOK, creds)
}

type startRequest struct {
	SessionToken string `json:"session_token"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionToken) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_token", "session_token is required")
		return
	}

	sessionID := ""
	if sess, err := s.sessions.LookupToken(req.SessionToken); err == nil {
		sessionID = sess.ID
	}
	info, err := s.provider.StartSession(r.Context(), req.SessionToken)
	if err != nil {
		s.fail(w, r, sessionID, "start session", err)
		return
	}
	if sess, err := s.sessions.MarkStarted(req.SessionToken); err == nil {
		s.record(r.Context(), sess.ID, journal.KindStarted, "")
	} else {
		s.logger.Debug("started session is not registered", "error", err)
	}
	s.metrics.SessionEvent("started")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	respondJSON(w, http.StatusOK, info)
}

type stopRequest struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" || strings.TrimSpace(req.SessionToken) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id and session_token are required")
		return
	}
	if sess, err := s.sessions.Get(req.SessionID); err == nil && sess.Status.Live() && sess.Token != req.SessionToken {
		respondError(w, http.StatusForbidden, "session_token_mismatch", "session_token does not belong to session_id")
		return
	}

	if err := s.stopSession(r.Context(), req.SessionID, req.SessionToken, "stopped by client"); err != nil {
		s.fail(w, r, req.SessionID, "stop session", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// stopSession stops the provider session and ends it locally. A session the
// provider no longer knows counts as stopped.
func (s *Server) stopSession(ctx context.Context, sessionID, sessionToken, detail string) error {
	err := s.provider.StopSession(ctx, sessionID, sessionToken)
	if err != nil && !provider.IsNotFound(err) {
		return err
	}
	if _, err := s.sessions.End(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("end session failed", "session_id", sessionID, "error", err)
	}
	s.record(ctx, sessionID, journal.KindStopped, detail)
	s.metrics.SessionEvent("stopped")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.hub.End(sessionID, protocol.CodeSessionEnded, detail)
	return nil
}

type eventRequest struct {
	SessionToken string          `json:"session_token"`
	EventType    string          `json:"event_type"`
	Data         json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionToken) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_token", "session_token is required")
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "missing_event_type", "event_type is required")
		return
	}

	text := textOf(req.Data)
	if text != "" {
		if d := policy.ScreenText(text); d.Blocked {
			respondError(w, http.StatusUnprocessableEntity, "message_blocked", d.Reason)
			return
		}
	}
	sessionID := ""
	if sess, err := s.sessions.LookupToken(req.SessionToken); err == nil {
		sessionID = sess.ID
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	if err := s.provider.SendEvent(r.Context(), req.SessionToken, req.EventType, data); err != nil {
		s.fail(w, r, sessionID, "send event", err)
		return
	}
	if text != "" {
		s.record(r.Context(), sessionID, journal.KindText, text)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// textOf extracts data.text when data is an object carrying one.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Text)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	msgs, err := s.provider.Transcript(r.Context(), id)
	if err != nil {
		s.fail(w, r, id, "transcript", err)
		return
	}
	if msgs == nil {
		msgs = []provider.TranscriptMessage{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": msgs})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.journal.List(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, "", "list journal", err)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": records})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	if list == nil {
		list = []session.Summary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"active":   s.sessions.ActiveCount(),
	})
}

type chatRequest struct {
	Language string       `json:"language"`
	Messages chat.History `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	msg, err := s.chat.Reply(r.Context(), lang, req.Messages)
	if err != nil {
		s.fail(w, r, "", "chat reply", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}

// fail logs err, journals it against sessionID when known and writes the
// mapped error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, sessionID, op string, err error) {
	status, body := errorStatus(err)
	reqID, _ := RequestIDFrom(r.Context())
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, op+" failed",
		"request_id", reqID,
		"session_id", sessionID,
		"status", status,
		"code", body.Code,
		"error", err,
	)
	if sessionID != "" {
		s.record(r.Context(), sessionID, journal.KindFailure, op+": "+err.Error())
	}
	respondJSON(w, status, body)
}

// record appends to the journal. Failures are logged, never surfaced.
func (s *Server) record(ctx context.Context, sessionID string, kind journal.Kind, detail string) {
	if sessionID == "" {
		return
	}
	if err := s.journal.Append(context.WithoutCancel(ctx), journal.NewRecord(sessionID, kind, detail)); err != nil {
		s.logger.Warn("journal append failed", "session_id", sessionID, "kind", kind, "error", err)
	}
}

func (s *Server) providerTimeout() time.Duration {
	if s.cfg.ProviderTimeout > 0 {
		return s.cfg.ProviderTimeout
	}
	return 10 * time.Second
}

type errorResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	Retryable      *bool  `json:"retryable,omitempty"`
}

// errorStatus maps a domain error to an HTTP status and response body.
func errorStatus(err error) (int, errorResponse) {
	var (
		cfgErr  *provider.ConfigurationError
		upErr   *provider.UpstreamError
		chatErr *chat.StatusError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "configuration_error"}
	case errors.As(err, &upErr):
		status := upErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		retryable := upErr.Retryable()
		return status, errorResponse{
			Error:          err.Error(),
			Code:           "upstream_error",
			UpstreamStatus: upErr.Status,
			Retryable:      &retryable,
		}
	case errors.Is(err, provider.ErrInvalidRequest), errors.Is(err, chat.ErrNoUserMessage):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"}
	case errors.Is(err, provider.ErrMalformedResponse):
		return http.StatusBadGateway, errorResponse{Error: err.Error(), Code: "upstream_malformed"}
	case errors.Is(err, chat.ErrBlocked):
		return http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "message_blocked"}
	case errors.As(err, &chatErr):
		retryable := chatErr.Status == 0 || chatErr.Status == http.StatusTooManyRequests || chatErr.Status >= 500
		return http.StatusBadGateway, errorResponse{
			Error:          err.Error(),
			Code:           "chat_upstream_error",
			UpstreamStatus: chatErr.Status,
			Retryable:      &retryable,
		}
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error(), Code: "session_not_found"}
	case errors.Is(err, context.DeadlineExceeded):
		retryable := true
		return http.StatusGatewayTimeout, errorResponse{Error: err.Error(), Code: "upstream_timeout", Retryable: &retryable}
	default:
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "internal_error"}
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
