package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DataType identifies payloads the avatar publishes on the room data channel.
type DataType string

const (
	DataAvatarStartTalking DataType = "avatar_start_talking"
	DataAvatarStopTalking  DataType = "avatar_stop_talking"
	DataAvatarText         DataType = "avatar_text"
)

// DataKind is the normalized meaning of a data-channel payload.
type DataKind int

const (
	DataKindUnknown DataKind = iota
	DataKindSpeakingStart
	DataKindSpeakingStop
	DataKindText
)

func (k DataKind) String() string {
	switch k {
	case DataKindSpeakingStart:
		return "speaking_start"
	case DataKindSpeakingStop:
		return "speaking_stop"
	case DataKindText:
		return "text"
	default:
		return "unknown"
	}
}

// DataMessage is a decoded data-channel payload.
type DataMessage struct {
	Type DataType `json:"type"`
	Text string   `json:"text,omitempty"`
	Kind DataKind `json:"-"`
}

var ErrUnsupportedData = errors.New("unsupported data message")

// ParseDataMessage decodes a data-channel payload. The agent_* variants are
// synonyms of the avatar_* ones and normalize to the same Type.
func ParseDataMessage(raw []byte) (DataMessage, error) {
	var msg DataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return DataMessage{}, fmt.Errorf("invalid data message: %w", err)
	}

	t := strings.ToLower(strings.TrimSpace(string(msg.Type)))
	if rest, ok := strings.CutPrefix(t, "agent_"); ok {
		t = "avatar_" + rest
	}
	msg.Type = DataType(t)

	switch msg.Type {
	case DataAvatarStartTalking:
		msg.Kind = DataKindSpeakingStart
	case DataAvatarStopTalking:
		msg.Kind = DataKindSpeakingStop
	case DataAvatarText:
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return DataMessage{}, errors.New("invalid avatar_text: empty text")
		}
		msg.Kind = DataKindText
	default:
		return DataMessage{}, ErrUnsupportedData
	}
	return msg, nil
}
