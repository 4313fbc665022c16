package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/avatarlive/internal/policy"
)

var (
	ErrNoUserMessage = errors.New("history has no user message")
	// ErrBlocked is returned when the last user message fails screening.
	ErrBlocked = errors.New("message blocked by policy")
)

// Observer is told how each reply went: "ok", "blocked" or "error".
type Observer func(outcome string, elapsed time.Duration)

// Service answers the demo chat.
type Service struct {
	backend      Backend
	systemPrompt string
	logger       *slog.Logger
	observe      Observer
}

func NewService(backend Backend, systemPrompt string, logger *slog.Logger, observe Observer) *Service {
	if backend == nil {
		backend = CannedBackend{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, systemPrompt: systemPrompt, logger: logger, observe: observe}
}

// Reply returns the assistant's next message for history.
func (s *Service) Reply(ctx context.Context, language string, history History) (Message, error) {
	start := time.Now()
	last := history.LastUserText()
	if last == "" {
		return Message{}, ErrNoUserMessage
	}
	if d := policy.ScreenText(last); d.Blocked {
		s.record("blocked", start)
		return Message{}, errors.Join(ErrBlocked, errors.New(d.Reason))
	}

	text, err := s.backend.Complete(ctx, Request{
		Language:     language,
		SystemPrompt: s.systemPrompt,
		Messages:     history.ForBackend(),
	})
	if err != nil {
		s.record("error", start)
		s.logger.Warn("chat reply failed", "language", language, "error", err)
		return Message{}, err
	}
	s.record("ok", start)
	return Message{ID: uuid.NewString(), Role: RoleAssistant, Text: text}, nil
}

func (s *Service) record(outcome string, start time.Time) {
	if s.observe != nil {
		s.observe(outcome, time.Since(start))
	}
}
