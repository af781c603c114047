package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const protocolVersion = 1

type BridgeConfig struct {
	// Token, when set, must be presented in the client's hello.
	Token string
	// SpeakTimeout bounds how long Speak waits for the client's "spoken" ack.
	SpeakTimeout time.Duration
}

// Bridge is a Channel backed by a browser speech client connected over a
// WebSocket. The client does synthesis and recognition; the bridge relays
// commands and transcripts. A new connection replaces the previous one.
type Bridge struct {
	cfg      BridgeConfig
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	fatal  error
	listen chan Event

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan error
	nextID    atomic.Uint64
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.SpeakTimeout <= 0 {
		cfg.SpeakTimeout = 30 * time.Second
	}
	return &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending: make(map[uint64]chan error),
	}
}

type message struct {
	Type    string `json:"type"`
	ID      uint64 `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Error   string `json:"error,omitempty"`
	Token   string `json:"token,omitempty"`
	Client  string `json:"client,omitempty"`
	Version int    `json:"version,omitempty"`
}

func (b *Bridge) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.fatal == nil
}

func (b *Bridge) Speak(ctx context.Context, text string) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrUnavailable
	}

	id := b.nextID.Add(1)
	ch := make(chan error, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	if err := b.writeJSON(conn, message{Type: "speak", ID: id, Text: text}); err != nil {
		return fmt.Errorf("failed to send speak: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.SpeakTimeout)
	defer cancel()
	select {
	case <-waitCtx.Done():
		return waitCtx.Err()
	case err := <-ch:
		return err
	}
}

func (b *Bridge) Listen(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, ErrUnavailable
	}
	if b.fatal != nil {
		err := b.fatal
		b.mu.Unlock()
		return nil, err
	}
	b.closeListenLocked()
	ch := make(chan Event, 32)
	b.listen = ch
	b.mu.Unlock()

	if err := b.writeJSON(conn, message{Type: "listen"}); err != nil {
		b.stopStream(ch)
		return nil, fmt.Errorf("failed to start listening: %w", err)
	}

	go func() {
		<-ctx.Done()
		b.stopStream(ch)
	}()
	return ch, nil
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	conn := b.conn
	hadListen := b.listen != nil
	b.closeListenLocked()
	b.mu.Unlock()

	if conn != nil && hadListen {
		_ = b.writeJSON(conn, message{Type: "stop"})
	}
}

// stopStream ends ch if it is still the active listen stream.
func (b *Bridge) stopStream(ch chan Event) {
	b.mu.Lock()
	conn := b.conn
	active := b.listen == ch
	if active {
		b.closeListenLocked()
	}
	b.mu.Unlock()

	if active && conn != nil {
		_ = b.writeJSON(conn, message{Type: "stop"})
	}
}

func (b *Bridge) closeListenLocked() {
	if b.listen != nil {
		close(b.listen)
		b.listen = nil
	}
}

func (b *Bridge) deliverLocked(ev Event) {
	if b.listen == nil {
		return
	}
	select {
	case b.listen <- ev:
	default:
		slog.Warn("Voice event dropped, listener is behind", "kind", ev.Kind)
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := b.accept(conn); err != nil {
		slog.Warn("Voice client rejected", "error", err)
		_ = conn.Close()
		return
	}
	b.readLoop(conn)
}

func (b *Bridge) accept(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello message
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if strings.ToLower(strings.TrimSpace(hello.Type)) != "hello" {
		return fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if b.cfg.Token != "" && hello.Token != b.cfg.Token {
		return errors.New("unauthorized")
	}
	_ = conn.SetReadDeadline(time.Time{})
	if err := b.writeJSON(conn, message{Type: "welcome", Version: protocolVersion}); err != nil {
		return err
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.deliverLocked(Event{Kind: EventError, Err: ErrUnavailable})
		b.closeListenLocked()
	}
	b.conn = conn
	b.fatal = nil
	b.mu.Unlock()
	b.failPending(ErrUnavailable)

	slog.Info("Voice client connected", "client", hello.Client)
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		b.handleMessage(msg)
	}

	b.mu.Lock()
	current := b.conn == conn
	if current {
		b.conn = nil
		b.deliverLocked(Event{Kind: EventError, Err: ErrUnavailable})
		b.closeListenLocked()
	}
	b.mu.Unlock()
	if current {
		b.failPending(ErrUnavailable)
		slog.Info("Voice client disconnected")
	}
	_ = conn.Close()
}

func (b *Bridge) handleMessage(msg message) {
	switch msg.Type {
	case "spoken":
		b.pendingMu.Lock()
		ch := b.pending[msg.ID]
		delete(b.pending, msg.ID)
		b.pendingMu.Unlock()
		if ch != nil {
			ch <- nil
		}
	case "transcript":
		kind := EventInterim
		if msg.Final {
			kind = EventFinal
		}
		b.mu.Lock()
		b.deliverLocked(Event{Kind: kind, Text: msg.Text})
		b.mu.Unlock()
	case "error":
		err := recognitionError(msg.Error)
		b.mu.Lock()
		if IsFatal(err) {
			b.fatal = err
		}
		b.deliverLocked(Event{Kind: EventError, Err: err})
		b.mu.Unlock()
	}
}

// recognitionError maps Web Speech API error codes.
func recognitionError(code string) error {
	switch code {
	case "not-allowed", "service-not-allowed":
		return ErrPermissionDenied
	case "unsupported":
		return ErrUnsupported
	}
	return fmt.Errorf("recognition error: %s", code)
}

func (b *Bridge) failPending(err error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		delete(b.pending, id)
		ch <- err
	}
}

func (b *Bridge) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close drops the current client.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.closeListenLocked()
	b.mu.Unlock()
	b.failPending(ErrUnavailable)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
