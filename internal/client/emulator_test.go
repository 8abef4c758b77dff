package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream lets tests push events at the emulator.
type fakeStream struct {
	ch        chan StreamEvent
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan StreamEvent, 16)}
}

func (s *fakeStream) Events() <-chan StreamEvent { return s.ch }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

// fakeProvider records every call and serves canned streams.
type fakeProvider struct {
	mode Mode

	mu         sync.Mutex
	inputs     []string
	resizes    [][2]int
	streams    []*fakeStream
	connectErr error
	connects   int
}

func (f *fakeProvider) Mode() Mode { return f.mode }

func (f *fakeProvider) CreateSession(ctx context.Context, opts CreateOptions) (SessionInfo, error) {
	return SessionInfo{ID: "fake-session", Shell: "/bin/sh"}, nil
}

func (f *fakeProvider) DestroySession(ctx context.Context, id string) error { return nil }

func (f *fakeProvider) SendInput(ctx context.Context, id, data string) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Resize(ctx context.Context, id string, cols, rows int) error {
	f.mu.Lock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) ConnectStream(ctx context.Context, id string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	s := newFakeStream()
	s.ch <- StreamEvent{Type: EventConnected, SessionID: id}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeProvider) Health(ctx context.Context, id string) error { return nil }

func (f *fakeProvider) sentInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func (f *fakeProvider) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeProvider) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// safeBuffer is a bytes.Buffer that tolerates the emulator's paint goroutine.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestEmulator(t *testing.T, mode Mode) (*Emulator, *fakeProvider, *safeBuffer) {
	t.Helper()
	provider := &fakeProvider{mode: mode}
	screen := &safeBuffer{}
	e := NewEmulator(provider, screen, zerolog.Nop())
	t.Cleanup(e.Close)
	return e, provider, screen
}

func waitForState(t *testing.T, e *Emulator, want ConnState) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want },
		2*time.Second, 10*time.Millisecond)
}

func TestEmulatorBindConnects(t *testing.T) {
	e, provider, _ := newTestEmulator(t, ModePTY)

	e.Bind("sess-1")
	waitForState(t, e, StateConnected)
	assert.Equal(t, 1, provider.connectCount())
	assert.Equal(t, "sess-1", e.SessionID())
}

func TestEmulatorAdoptsFreshSessionID(t *testing.T) {
	e, provider, _ := newTestEmulator(t, ModePTY)

	e.Bind("stale-id")
	waitForState(t, e, StateConnected)

	provider.lastStream().ch <- StreamEvent{Type: EventConnected, SessionID: "fresh-id"}
	require.Eventually(t, func() bool { return e.SessionID() == "fresh-id" },
		2*time.Second, 10*time.Millisecond)
}

func TestEmulatorPaintsOutput(t *testing.T) {
	e, provider, screen := newTestEmulator(t, ModePTY)

	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	provider.lastStream().ch <- StreamEvent{Type: EventOutput, Data: "hello from remote"}
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(screen.String()), []byte("hello from remote"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmulatorPTYKeysAreRawBytes(t *testing.T) {
	e, provider, _ := newTestEmulator(t, ModePTY)
	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	e.HandleKey(Key{Type: KeyRune, Rune: 'x'})
	e.HandleKey(Key{Type: KeyUp})
	e.HandleKey(Key{Type: KeyEnter})
	e.HandleKey(Key{Type: KeyBackspace})
	e.HandleKey(Key{Type: KeyCtrlC})

	assert.Equal(t, []string{"x", "\x1b[A", "\r", "\x7f", "\x03"}, provider.sentInputs())
}

func TestEmulatorReplKeysEditLocally(t *testing.T) {
	e, provider, screen := newTestEmulator(t, ModeREPL)
	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	e.HandleKey(Key{Type: KeyRune, Rune: 'a'})
	e.HandleKey(Key{Type: KeyRune, Rune: 'b'})
	e.HandleKey(Key{Type: KeyRune, Rune: 'c'})
	e.HandleKey(Key{Type: KeyBackspace})
	e.HandleKey(Key{Type: KeyBackspace})
	e.HandleKey(Key{Type: KeyEnter})

	// Local echo: the typed runes, exactly two destructive backspaces, then
	// the newline for Enter.
	assert.Equal(t, "abc\b \b\b \b\r\n", screen.String())

	// Everything is forwarded remotely too; Enter carries the surviving line
	// plus its terminator.
	assert.Equal(t, []string{"a", "b", "c", "\x7f", "\x7f", "a\r"}, provider.sentInputs())
}

func TestEmulatorReplHistoryIsLocalOnly(t *testing.T) {
	e, provider, screen := newTestEmulator(t, ModeREPL)
	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	e.HandleKey(Key{Type: KeyRune, Rune: 'l'})
	e.HandleKey(Key{Type: KeyRune, Rune: 's'})
	e.HandleKey(Key{Type: KeyEnter})
	sent := len(provider.sentInputs())

	e.HandleKey(Key{Type: KeyUp})
	assert.Contains(t, screen.String(), "\x1b[K"+"ls")
	assert.Len(t, provider.sentInputs(), sent, "history browsing sends nothing remotely")
}

func TestEmulatorReplReconcilesRemoteEcho(t *testing.T) {
	e, provider, screen := newTestEmulator(t, ModeREPL)
	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	e.HandleKey(Key{Type: KeyRune, Rune: 'l'})
	e.HandleKey(Key{Type: KeyRune, Rune: 's'})

	provider.lastStream().ch <- StreamEvent{Type: EventOutput, Data: "ls"}
	provider.lastStream().ch <- StreamEvent{Type: EventOutput, Data: "result\n"}

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(screen.String()), []byte("result"))
	}, 2*time.Second, 10*time.Millisecond)

	// The echoed "ls" was painted once, by the local echo.
	assert.Equal(t, "lsresult\n", screen.String())
}

// A failure while a reconnect is already pending must not stack a second
// timer; retries happen one at a time on a fixed delay.
func TestEmulatorSingleReconnectTimer(t *testing.T) {
	e, provider, _ := newTestEmulator(t, ModePTY)
	provider.connectErr = errors.New("server down")

	var errCount int
	var mu sync.Mutex
	e.OnError = func(error) {
		mu.Lock()
		errCount++
		mu.Unlock()
	}

	e.Bind("sess-1")
	waitForState(t, e, StateError)
	assert.Equal(t, 1, provider.connectCount())

	// One fixed delay later there is exactly one retry, not a burst.
	time.Sleep(reconnectDelay + 500*time.Millisecond)
	assert.Equal(t, 2, provider.connectCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, errCount)
}

func TestEmulatorReconnectsAfterStreamDrop(t *testing.T) {
	e, provider, _ := newTestEmulator(t, ModePTY)
	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	// Transport drop: the stream channel closes.
	provider.lastStream().Close()
	waitForState(t, e, StateDisconnected)

	require.Eventually(t, func() bool { return provider.connectCount() == 2 },
		reconnectDelay+2*time.Second, 20*time.Millisecond)
	waitForState(t, e, StateConnected)
}

func TestEmulatorErrorEventDoesNotTearDownStream(t *testing.T) {
	e, provider, screen := newTestEmulator(t, ModePTY)

	var reported error
	var mu sync.Mutex
	e.OnError = func(err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	}

	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	// An in-band error frame (a rejected resize, say) surfaces via the
	// callback; the stream keeps delivering output.
	provider.lastStream().ch <- StreamEvent{Type: EventError, Err: errors.New("resize rejected")}
	provider.lastStream().ch <- StreamEvent{Type: EventOutput, Data: "still alive"}

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(screen.String()), []byte("still alive"))
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "resize rejected")
	assert.Equal(t, 1, provider.connectCount(), "in-band errors never trigger a redial")
}

func TestEmulatorResizeDebounce(t *testing.T) {
	e, provider, _ := newTestEmulator(t, ModePTY)
	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	// A drag produces a burst; only the final geometry reaches the provider.
	e.NotifyResize(81, 24)
	e.NotifyResize(95, 30)
	e.NotifyResize(120, 60)

	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return len(provider.resizes) > 0
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(2 * resizeDebounce)
	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, [][2]int{{120, 60}}, provider.resizes)
}

func TestEmulatorDetachKeepsSession(t *testing.T) {
	e, provider, _ := newTestEmulator(t, ModePTY)
	e.Bind("sess-1")
	waitForState(t, e, StateConnected)

	e.Detach()
	assert.Equal(t, StateIdle, e.State())

	// No reconnect fires after a deliberate detach.
	time.Sleep(reconnectDelay + 200*time.Millisecond)
	assert.Equal(t, 1, provider.connectCount())
	assert.Equal(t, "sess-1", e.SessionID(), "the session binding survives detach")
}
