package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Connection states as surfaced to the UI.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

const (
	// reconnectDelay is fixed; there is no backoff and no retry cap. The
	// server is local, so a dead server just means a quietly retrying
	// status indicator.
	reconnectDelay = 2 * time.Second

	// resizeDebounce coalesces the burst of geometry changes a drag
	// produces into one remote call.
	resizeDebounce = 100 * time.Millisecond
)

// KeyType classifies a keystroke for the emulator.
type KeyType int

const (
	KeyRune KeyType = iota
	KeyEnter
	KeyBackspace
	KeyUp
	KeyDown
	KeyCtrlC
	KeyCtrlD
)

// Key is one keystroke. Rune is set only for KeyRune.
type Key struct {
	Type KeyType
	Rune rune
}

// Emulator drives a screen from a provider stream and feeds keystrokes back.
// In pty mode it is a dumb pipe: raw bytes out, raw bytes in. In repl mode
// it owns line editing through a LineBuffer and reconciles remote echo.
//
// Transport failures surface as state changes plus the OnError callback;
// the emulator reconnects on its own and never tears the session down.
type Emulator struct {
	provider Provider
	screen   io.Writer
	log      zerolog.Logger

	// OnState and OnError fire outside the emulator lock.
	OnState func(ConnState)
	OnError func(error)

	mu          sync.Mutex
	sessionID   string
	state       ConnState
	stream      Stream
	lb          *LineBuffer
	reconnectT  *time.Timer
	resizeT     *time.Timer
	cols, rows  int
	closed      bool
	screenMu    sync.Mutex
}

func NewEmulator(provider Provider, screen io.Writer, log zerolog.Logger) *Emulator {
	return &Emulator{
		provider: provider,
		screen:   screen,
		log:      log.With().Str("component", "emulator").Logger(),
		state:    StateIdle,
		lb:       NewLineBuffer(),
	}
}

// State returns the current connection state.
func (e *Emulator) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the bound session id, which may change if a reconnect
// with a stale id yielded a fresh session.
func (e *Emulator) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Bind attaches the emulator to a session and connects its stream. Any
// previous stream is detached first.
func (e *Emulator) Bind(id string) {
	e.mu.Lock()
	if e.stream != nil {
		_ = e.stream.Close()
		e.stream = nil
	}
	if e.reconnectT != nil {
		e.reconnectT.Stop()
		e.reconnectT = nil
	}
	e.sessionID = id
	e.lb = NewLineBuffer()
	e.mu.Unlock()

	e.connect()
}

// Detach releases the stream without destroying the session. Used when the
// UI hides the terminal; Bind reattaches later.
func (e *Emulator) Detach() {
	e.mu.Lock()
	if e.stream != nil {
		_ = e.stream.Close()
		e.stream = nil
	}
	if e.reconnectT != nil {
		e.reconnectT.Stop()
		e.reconnectT = nil
	}
	e.mu.Unlock()
	e.setState(StateIdle)
}

// Close shuts the emulator down for good.
func (e *Emulator) Close() {
	e.mu.Lock()
	e.closed = true
	if e.stream != nil {
		_ = e.stream.Close()
		e.stream = nil
	}
	if e.reconnectT != nil {
		e.reconnectT.Stop()
		e.reconnectT = nil
	}
	if e.resizeT != nil {
		e.resizeT.Stop()
		e.resizeT = nil
	}
	e.mu.Unlock()
	e.setState(StateIdle)
}

func (e *Emulator) setState(s ConnState) {
	e.mu.Lock()
	if e.state == s || e.closed && s != StateIdle {
		e.mu.Unlock()
		return
	}
	e.state = s
	cb := e.OnState
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// MarkError flips the state indicator without touching the stream. The
// orchestrator's health probe uses it; recovery stays with the reconnect
// loop.
func (e *Emulator) MarkError(err error) {
	e.reportError(err)
	e.setState(StateError)
}

func (e *Emulator) reportError(err error) {
	e.mu.Lock()
	cb := e.OnError
	e.mu.Unlock()
	e.log.Debug().Err(err).Msg("transport error")
	if cb != nil {
		cb(err)
	}
}

func (e *Emulator) connect() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	id := e.sessionID
	e.mu.Unlock()

	e.setState(StateConnecting)

	stream, err := e.provider.ConnectStream(context.Background(), id)
	if err != nil {
		e.reportError(err)
		e.setState(StateError)
		e.scheduleReconnect()
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = stream.Close()
		return
	}
	e.stream = stream
	e.mu.Unlock()

	go e.readLoop(stream)
}

// scheduleReconnect arms the single reconnect timer. A second failure while
// a reconnect is already pending must not stack another timer.
func (e *Emulator) scheduleReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.reconnectT != nil {
		return
	}
	e.reconnectT = time.AfterFunc(reconnectDelay, func() {
		e.mu.Lock()
		e.reconnectT = nil
		closed := e.closed
		e.mu.Unlock()
		if !closed {
			e.connect()
		}
	})
}

func (e *Emulator) readLoop(stream Stream) {
	for ev := range stream.Events() {
		switch ev.Type {
		case EventConnected:
			if ev.SessionID != "" {
				e.mu.Lock()
				e.sessionID = ev.SessionID
				e.mu.Unlock()
			}
			e.setState(StateConnected)
		case EventOutput:
			e.paint(ev.Data)
		case EventExit:
			e.paint(fmt.Sprintf("\r\n[process exited with code %d]\r\n", ev.ExitCode))
			e.setState(StateDisconnected)
		case EventComplete:
			// command finished; the prompt is local, nothing to paint
		case EventHeartbeat:
			// liveness only
		case EventError:
			e.reportError(ev.Err)
			e.setState(StateError)
		}
	}

	// Stream ended. If we still own it, this was a transport drop, not a
	// deliberate detach: reconnect.
	e.mu.Lock()
	mine := e.stream == stream
	if mine {
		e.stream = nil
	}
	closed := e.closed
	e.mu.Unlock()
	if mine && !closed {
		e.setState(StateDisconnected)
		e.scheduleReconnect()
	}
}

// paint writes to the screen, reconciling against local echo in repl mode.
func (e *Emulator) paint(data string) {
	if e.provider.Mode() == ModeREPL {
		e.mu.Lock()
		data = e.lb.Reconcile(data)
		e.mu.Unlock()
	}
	if data == "" {
		return
	}
	e.screenMu.Lock()
	_, _ = e.screen.Write([]byte(data))
	e.screenMu.Unlock()
}

// echo paints local feedback immediately, before any remote round trip.
func (e *Emulator) echo(s string) {
	if s == "" {
		return
	}
	e.screenMu.Lock()
	_, _ = e.screen.Write([]byte(s))
	e.screenMu.Unlock()
}

// HandleKey processes one keystroke. Remote send failures are reported, not
// returned; typing must never block on an error dialog.
func (e *Emulator) HandleKey(k Key) {
	if e.provider.Mode() == ModePTY {
		e.send(ptyBytes(k))
		return
	}
	e.handleReplKey(k)
}

// ptyBytes maps a keystroke onto the raw byte sequence a terminal would
// produce. The remote shell interprets everything, including arrows.
func ptyBytes(k Key) string {
	switch k.Type {
	case KeyEnter:
		return "\r"
	case KeyBackspace:
		return "\x7f"
	case KeyUp:
		return "\x1b[A"
	case KeyDown:
		return "\x1b[B"
	case KeyCtrlC:
		return "\x03"
	case KeyCtrlD:
		return "\x04"
	default:
		return string(k.Rune)
	}
}

func (e *Emulator) handleReplKey(k Key) {
	e.mu.Lock()
	lb := e.lb
	e.mu.Unlock()

	switch k.Type {
	case KeyRune:
		e.echo(lb.Insert(k.Rune))
		e.send(string(k.Rune))
	case KeyBackspace:
		e.echo(lb.Backspace())
		e.send("\x7f")
	case KeyEnter:
		line, echo := lb.Submit()
		e.echo(echo)
		e.send(line + "\r")
	case KeyUp:
		if echo, ok := lb.HistoryUp(); ok {
			e.echo(echo)
		}
	case KeyDown:
		if echo, ok := lb.HistoryDown(); ok {
			e.echo(echo)
		}
	case KeyCtrlC:
		e.echo(lb.Interrupt())
		e.send("\x03")
	case KeyCtrlD:
		e.send("\x04")
	}
}

func (e *Emulator) send(data string) {
	e.mu.Lock()
	id := e.sessionID
	e.mu.Unlock()
	if id == "" {
		return
	}
	if err := e.provider.SendInput(context.Background(), id, data); err != nil {
		e.reportError(err)
	}
}

// NotifyResize records new geometry and arms the debounce timer. Only the
// last size in a burst reaches the provider.
func (e *Emulator) NotifyResize(cols, rows int) {
	e.mu.Lock()
	e.cols, e.rows = cols, rows
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.resizeT != nil {
		e.resizeT.Stop()
	}
	e.resizeT = time.AfterFunc(resizeDebounce, e.flushResize)
	e.mu.Unlock()
}

func (e *Emulator) flushResize() {
	e.mu.Lock()
	id := e.sessionID
	cols, rows := e.cols, e.rows
	closed := e.closed
	e.mu.Unlock()
	if closed || id == "" || cols == 0 || rows == 0 {
		return
	}
	if err := e.provider.Resize(context.Background(), id, cols, rows); err != nil {
		e.reportError(err)
	}
}
