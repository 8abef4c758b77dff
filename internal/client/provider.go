// Package client is the Go client for the termhub terminal subsystem: a
// transport-agnostic Provider abstraction, a terminal Emulator that drives a
// screen from either transport, and a session Orchestrator that owns the one
// global session.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Mode discriminates the two transport contracts. In pty mode raw keystrokes
// are streamed and the remote shell owns echo, prompt, and history. In repl
// mode the provider accepts whole command lines and the client must emulate
// all line editing locally.
type Mode string

const (
	ModePTY  Mode = "pty"
	ModeREPL Mode = "repl"
)

// ErrProviderUnavailable is returned when no provider is registered for the
// requested mode.
var ErrProviderUnavailable = errors.New("no provider registered for this mode")

// StreamError marks a transient transport failure. The emulator reacts with
// a status change and automatic reconnection, never a dialog.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return fmt.Sprintf("stream error: %v", e.Err) }
func (e *StreamError) Unwrap() error { return e.Err }

// EventType enumerates stream notifications.
type EventType int

const (
	EventConnected EventType = iota
	EventOutput
	EventExit
	EventComplete
	EventHeartbeat
	EventError
)

// StreamEvent is one notification from the transport's push side.
type StreamEvent struct {
	Type      EventType
	SessionID string // Connected: the authoritative session id to adopt
	Data      string // Output: raw terminal text
	ExitCode  int
	Signal    int
	Err       error  // Error: the underlying failure
	Timestamp int64
}

// Stream is the transport handle the emulator attaches to directly. Handing
// the channel out (rather than a third event-forwarding layer) is an
// intentional minor leak of transport detail.
type Stream interface {
	// Events delivers notifications until the stream detaches or fails.
	// The channel closes when no more events will arrive.
	Events() <-chan StreamEvent
	// Close detaches the emulator from the stream. For the bidirectional
	// transport this does NOT close the underlying socket (sessions survive
	// UI visibility toggles); the REPL transport actually releases the HTTP
	// stream.
	Close() error
}

// SessionInfo describes a created or adopted session.
type SessionInfo struct {
	ID         string
	Shell      string
	WorkingDir string
}

// CreateOptions are passed through to the server.
type CreateOptions struct {
	Cols int
	Rows int
	Dir  string
}

// Provider hides which transport is in play. All methods report failures as
// ordinary errors carrying human-readable messages; callers surface them,
// never swallow them.
type Provider interface {
	Mode() Mode
	CreateSession(ctx context.Context, opts CreateOptions) (SessionInfo, error)
	DestroySession(ctx context.Context, id string) error
	SendInput(ctx context.Context, id, data string) error
	Resize(ctx context.Context, id string, cols, rows int) error
	ConnectStream(ctx context.Context, id string) (Stream, error)
	// Health probes the transport's health surface. Used by the
	// orchestrator's periodic probe, not by the emulator.
	Health(ctx context.Context, id string) error
}

// Providers is a small mode-keyed registry. Dispatch happens once at
// session-bind time; nothing re-checks the mode per call.
type Providers struct {
	mu sync.RWMutex
	m  map[Mode]Provider
}

func NewProviders() *Providers {
	return &Providers{m: make(map[Mode]Provider)}
}

func (p *Providers) Register(provider Provider) {
	p.mu.Lock()
	p.m[provider.Mode()] = provider
	p.mu.Unlock()
}

func (p *Providers) Lookup(mode Mode) (Provider, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	provider, ok := p.m[mode]
	if !ok {
		return nil, ErrProviderUnavailable
	}
	return provider, nil
}
