// Package directions maps a direction key (sales, projects, team, ...) to the
// provider avatar configuration used when a session token is issued.
package directions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Known direction keys.
const (
	Sales    = "sales"
	Projects = "projects"
	Team     = "team"
	Expert   = "expert"
	WowLive  = "wow-live"
)

// Profile is the avatar/voice/context triple sent to the provider.
type Profile struct {
	AvatarID  string `json:"avatar_id"`
	VoiceID   string `json:"voice_id,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

func (p Profile) empty() bool {
	return p.AvatarID == "" && p.VoiceID == "" && p.ContextID == ""
}

// Table resolves direction keys with a default fallback.
type Table struct {
	fallback Profile
	profiles map[string]Profile
}

// NewTable returns a table whose unknown keys resolve to fallback.
func NewTable(fallback Profile, overrides map[string]Profile) *Table {
	t := &Table{fallback: fallback, profiles: make(map[string]Profile, len(overrides))}
	for key, p := range overrides {
		key = Normalize(key)
		if key == "" || p.empty() {
			continue
		}
		// Missing fields inherit from the default profile.
		if p.AvatarID == "" {
			p.AvatarID = fallback.AvatarID
		}
		if p.VoiceID == "" {
			p.VoiceID = fallback.VoiceID
		}
		if p.ContextID == "" {
			p.ContextID = fallback.ContextID
		}
		t.profiles[key] = p
	}
	return t
}

// ParseJSON builds a table from a JSON object of key -> Profile. An empty
// document yields a table with only the fallback.
func ParseJSON(raw string, fallback Profile) (*Table, error) {
	overrides := map[string]Profile{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			return nil, fmt.Errorf("parse directions: %w", err)
		}
	}
	return NewTable(fallback, overrides), nil
}

// Lookup returns the profile for key and the key it resolved to. Unknown or
// empty keys resolve to the default profile with an empty key.
func (t *Table) Lookup(key string) (Profile, string) {
	key = Normalize(key)
	if p, ok := t.profiles[key]; ok {
		return p, key
	}
	return t.fallback, ""
}

// Keys lists configured direction keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.profiles))
	for k := range t.profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize lowercases key and folds separators so "Wow Live" and
// "wow_live" both match "wow-live".
func Normalize(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.NewReplacer("_", "-", " ", "-").Replace(key)
	return strings.Trim(key, "-")
}
