package lkroom

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken   = errors.New("lkroom: empty room token")
	ErrTokenExpired = errors.New("lkroom: room token expired")
)

// TokenClaims is what a room access token says about the joining
// participant. The signature is not checked; the media server does that.
type TokenClaims struct {
	Identity  string
	Name      string
	Room      string
	ExpiresAt time.Time
}

type videoGrant struct {
	Room     string `json:"room"`
	RoomJoin bool   `json:"roomJoin"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *videoGrant `json:"video,omitempty"`
}

// InspectToken decodes a room access token and rejects one that is
// malformed or already expired at now.
func InspectToken(token string, now time.Time) (TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenClaims{}, ErrEmptyToken
	}
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("lkroom: parse room token: %w", err)
	}
	out := TokenClaims{Identity: claims.Subject, Name: claims.Name}
	if claims.Video != nil {
		out.Room = claims.Video.Room
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(out.ExpiresAt) {
			return out, ErrTokenExpired
		}
	}
	return out, nil
}
