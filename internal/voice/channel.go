// Package voice defines the speech channel the reminder engine talks
// through and classifies what the patient says.
package voice

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means no speech client is attached.
	ErrUnavailable = errors.New("voice channel unavailable")
	// ErrPermissionDenied means the client refused microphone access.
	ErrPermissionDenied = errors.New("speech recognition permission denied")
	// ErrUnsupported means the client has no speech recognition.
	ErrUnsupported = errors.New("speech recognition unsupported")
)

// IsFatal reports whether err ends the voice loop. Everything else (no
// speech, network hiccups, aborts) is ignored and listening continues.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrUnsupported)
}

type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventError
)

type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Channel is the speech I/O capability.
type Channel interface {
	// Available reports whether a client is attached and usable.
	Available() bool
	// Speak returns once the text has been spoken, or ctx ends.
	Speak(ctx context.Context, text string) error
	// Listen starts continuous recognition, aborting any previous listen.
	// The returned stream closes when listening stops or ctx ends.
	Listen(ctx context.Context) (<-chan Event, error)
	// Stop aborts the current listen, if any. It never fails.
	Stop()
}

// Disabled is a Channel with no speech client; the engine falls back to the
// background missed-dose pass and manual actions.
type Disabled struct{}

func (Disabled) Available() bool { return false }

func (Disabled) Speak(context.Context, string) error { return ErrUnavailable }

func (Disabled) Listen(context.Context) (<-chan Event, error) { return nil, ErrUnavailable }

func (Disabled) Stop() {}
