package voice

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialBridge(t *testing.T, b *Bridge, token string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(message{Type: "hello", Token: token, Client: "test"}))
	var welcome message
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, "welcome", welcome.Type)
	require.Eventually(t, b.Available, time.Second, 10*time.Millisecond)
	return conn
}

func TestBridgeUnavailableWithoutClient(t *testing.T) {
	b := NewBridge(BridgeConfig{})
	assert.False(t, b.Available())
	assert.ErrorIs(t, b.Speak(context.Background(), "hello"), ErrUnavailable)
	_, err := b.Listen(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	b.Stop()
}

func TestBridgeSpeakWaitsForAck(t *testing.T) {
	b := NewBridge(BridgeConfig{SpeakTimeout: 2 * time.Second})
	conn := dialBridge(t, b, "")

	done := make(chan error, 1)
	go func() { done <- b.Speak(context.Background(), "Time to take Metformin") }()

	var msg message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "speak", msg.Type)
	assert.Equal(t, "Time to take Metformin", msg.Text)

	select {
	case err := <-done:
		t.Fatalf("speak returned before ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, conn.WriteJSON(message{Type: "spoken", ID: msg.ID}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("speak never returned")
	}
}

func TestBridgeListenRelaysTranscripts(t *testing.T) {
	b := NewBridge(BridgeConfig{})
	conn := dialBridge(t, b, "")

	events, err := b.Listen(context.Background())
	require.NoError(t, err)

	var msg message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "listen", msg.Type)

	require.NoError(t, conn.WriteJSON(message{Type: "transcript", Text: "i to"}))
	require.NoError(t, conn.WriteJSON(message{Type: "error", Error: "no-speech"}))
	require.NoError(t, conn.WriteJSON(message{Type: "transcript", Text: "I took it", Final: true}))

	ev := <-events
	assert.Equal(t, EventInterim, ev.Kind)
	ev = <-events
	assert.Equal(t, EventError, ev.Kind)
	assert.False(t, IsFatal(ev.Err))
	ev = <-events
	assert.Equal(t, EventFinal, ev.Kind)
	assert.Equal(t, "I took it", ev.Text)
	assert.True(t, b.Available())

	b.Stop()
	_, open := <-events
	assert.False(t, open, "stop closes the stream")
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "stop", msg.Type)
}

func TestBridgeNewListenAbortsPrevious(t *testing.T) {
	b := NewBridge(BridgeConfig{})
	dialBridge(t, b, "")

	first, err := b.Listen(context.Background())
	require.NoError(t, err)
	_, err = b.Listen(context.Background())
	require.NoError(t, err)

	_, open := <-first
	assert.False(t, open)
}

func TestBridgePermissionDeniedIsFatal(t *testing.T) {
	b := NewBridge(BridgeConfig{})
	conn := dialBridge(t, b, "")

	events, err := b.Listen(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(message{Type: "error", Error: "not-allowed"}))

	ev := <-events
	assert.ErrorIs(t, ev.Err, ErrPermissionDenied)
	assert.Eventually(t, func() bool { return !b.Available() }, time.Second, 10*time.Millisecond)

	_, err = b.Listen(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestBridgeDisconnectEndsStream(t *testing.T) {
	b := NewBridge(BridgeConfig{})
	conn := dialBridge(t, b, "")

	events, err := b.Listen(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	var sawUnavailable bool
	for ev := range events {
		if ev.Kind == EventError && ev.Err == ErrUnavailable {
			sawUnavailable = true
		}
	}
	assert.True(t, sawUnavailable)
	assert.False(t, b.Available())
}

func TestBridgeRejectsBadToken(t *testing.T) {
	b := NewBridge(BridgeConfig{Token: "secret"})
	srv := httptest.NewServer(b)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(message{Type: "hello", Token: "wrong"}))
	var welcome message
	assert.Error(t, conn.ReadJSON(&welcome))
	assert.False(t, b.Available())
}
