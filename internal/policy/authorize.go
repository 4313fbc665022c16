package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxRelayTextRunes caps a single text event relayed to the avatar.
const MaxRelayTextRunes = 2000

// TextDecision is the outcome of screening user text before it is relayed
// to the avatar provider or the chat backend.
type TextDecision struct {
	Blocked bool
	Reason  string
}

var blockedTextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,40}\b(previous|prior|above|system)\b.{0,20}\b(instructions?|prompts?|rules?)\b`),
	regexp.MustCompile(`(?i)\b(print|show|reveal|repeat)\b.*\b(system prompt|api[_ -]?key|session[_ -]?token|password|secret)\b`),
	regexp.MustCompile(`(?i)\b(exfiltrate|dump credentials|leak secrets?)\b`),
}

// ScreenText decides whether text may be relayed.
func ScreenText(text string) TextDecision {
	in := strings.TrimSpace(text)
	if in == "" {
		return TextDecision{Blocked: true, Reason: "Message is empty."}
	}
	if utf8.RuneCountInString(in) > MaxRelayTextRunes {
		return TextDecision{Blocked: true, Reason: "Message is too long."}
	}
	for _, re := range blockedTextPatterns {
		if re.MatchString(in) {
			return TextDecision{
				Blocked: true,
				Reason:  "Message appears to target the assistant's instructions or secrets.",
			}
		}
	}
	return TextDecision{}
}
