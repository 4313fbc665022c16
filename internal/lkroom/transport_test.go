package lkroom

import (
	"context"
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/avatarlive/internal/liveavatar"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func roomToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "visitor-42",
		"name":  "Visitor",
		"exp":   exp.Unix(),
		"video": map[string]any{"room": "room-7", "roomJoin": true},
	})
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

func TestInspectToken(t *testing.T) {
	claims, err := InspectToken(roomToken(t, testNow.Add(time.Hour)), testNow)
	require.NoError(t, err)
	assert.Equal(t, "visitor-42", claims.Identity)
	assert.Equal(t, "Visitor", claims.Name)
	assert.Equal(t, "room-7", claims.Room)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestInspectTokenRejects(t *testing.T) {
	_, err := InspectToken("  ", testNow)
	assert.ErrorIs(t, err, ErrEmptyToken)

	_, err = InspectToken("not-a-jwt", testNow)
	assert.Error(t, err)

	_, err = InspectToken(roomToken(t, testNow.Add(-time.Minute)), testNow)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func newTestTransport(connect connectFunc) *Transport {
	tr := New(nil)
	tr.now = func() time.Time { return testNow }
	tr.connect = connect
	return tr
}

func TestConnectDeliversJoinEventsInOrder(t *testing.T) {
	joinErr := errors.New("signal refused")
	tr := newTestTransport(func(url, token string, cb *lksdk.RoomCallback) (*lksdk.Room, error) {
		cb.OnDataPacket(&lksdk.UserDataPacket{Payload: []byte(`{"type":"avatar_start_talking"}`)}, lksdk.DataReceiveParams{SenderIdentity: "avatar"})
		cb.OnDataPacket(&lksdk.UserDataPacket{}, lksdk.DataReceiveParams{SenderIdentity: "avatar"})
		cb.OnDisconnected()
		return nil, joinErr
	})

	got := make(chan liveavatar.Event, 4)
	err := tr.Connect(context.Background(), "wss://lk.example", roomToken(t, testNow.Add(time.Hour)), func(ev liveavatar.Event) {
		got <- ev
	})
	require.ErrorIs(t, err, joinErr)
	assert.Contains(t, err.Error(), "room-7")

	first := <-got
	data, ok := first.(liveavatar.DataReceived)
	require.True(t, ok, "first event = %T", first)
	assert.Equal(t, "avatar", data.Participant)
	assert.JSONEq(t, `{"type":"avatar_start_talking"}`, string(data.Payload))

	second := <-got
	dis, ok := second.(liveavatar.Disconnected)
	require.True(t, ok, "second event = %T", second)
	assert.ErrorIs(t, dis.Err, errRoomClosed)

	tr.Disconnect()
	tr.Disconnect()
	tr.emit(liveavatar.ParticipantConnected{Identity: "late"})
	select {
	case ev := <-got:
		t.Fatalf("event after disconnect: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectRejectsExpiredToken(t *testing.T) {
	called := false
	tr := newTestTransport(func(string, string, *lksdk.RoomCallback) (*lksdk.Room, error) {
		called = true
		return nil, errors.New("unreachable")
	})
	err := tr.Connect(context.Background(), "wss://lk.example", roomToken(t, testNow.Add(-time.Second)), func(liveavatar.Event) {})
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.False(t, called)

	err = tr.Connect(context.Background(), "", roomToken(t, testNow.Add(time.Hour)), func(liveavatar.Event) {})
	require.Error(t, err)
}

func TestConnectHonorsContext(t *testing.T) {
	release := make(chan struct{})
	tr := newTestTransport(func(string, string, *lksdk.RoomCallback) (*lksdk.Room, error) {
		<-release
		return nil, errors.New("too late")
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Connect(ctx, "wss://lk.example", roomToken(t, testNow.Add(time.Hour)), func(liveavatar.Event) {})
	require.ErrorIs(t, err, context.Canceled)
	tr.Disconnect()
}

func TestDisconnectedTransportRefusesConnect(t *testing.T) {
	tr := newTestTransport(nil)
	tr.Disconnect()
	err := tr.Connect(context.Background(), "wss://lk.example", roomToken(t, testNow.Add(time.Hour)), func(liveavatar.Event) {})
	require.Error(t, err)

	assert.Nil(t, tr.RemoteParticipants())
	assert.Empty(t, tr.LocalIdentity())
	assert.NoError(t, tr.SetMicrophoneEnabled(false))
}

func TestDataEventFallsBackToSender(t *testing.T) {
	_, ok := dataEvent(&lksdk.UserDataPacket{}, lksdk.DataReceiveParams{})
	assert.False(t, ok)

	ev, ok := dataEvent(&lksdk.UserDataPacket{Payload: []byte("x")}, lksdk.DataReceiveParams{SenderIdentity: "a"})
	require.True(t, ok)
	assert.Equal(t, "a", ev.Participant)
}
