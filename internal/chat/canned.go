package chat

import (
	"context"
	"strings"
)

// CannedBackend answers without any network call. It keeps the demo chat
// usable when no chat endpoint is configured.
type CannedBackend struct{}

var cannedReplies = map[string]string{
	"en": "Thanks for reaching out! Start a live session and the avatar will answer you in person.",
	"it": "Grazie per averci scritto! Avvia una sessione live e l'avatar ti risponderà di persona.",
	"es": "¡Gracias por escribirnos! Inicia una sesión en vivo y el avatar te responderá en persona.",
}

func (CannedBackend) Complete(_ context.Context, req Request) (string, error) {
	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if reply, ok := cannedReplies[lang]; ok {
		return reply, nil
	}
	return cannedReplies["en"], nil
}
