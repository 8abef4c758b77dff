package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplProviderSubmitsWholeLines(t *testing.T) {
	var mu sync.Mutex
	var commands []string
	var interrupts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/repl/sessions/s1/exec":
			var body struct {
				Command string `json:"command"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			mu.Lock()
			commands = append(commands, body.Command)
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		case "/api/repl/sessions/s1/interrupt":
			mu.Lock()
			interrupts++
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	p := NewReplProvider(ts.URL, "", zerolog.Nop())
	ctx := context.Background()

	// Keystrokes accumulate without hitting the wire.
	require.NoError(t, p.SendInput(ctx, "s1", "e"))
	require.NoError(t, p.SendInput(ctx, "s1", "c"))
	mu.Lock()
	assert.Empty(t, commands)
	mu.Unlock()

	// Backspace was already applied locally by the emulator.
	require.NoError(t, p.SendInput(ctx, "s1", "\x7f"))

	// Enter delivers the authoritative full line plus terminator; it
	// replaces whatever was buffered.
	require.NoError(t, p.SendInput(ctx, "s1", "echo hi\r"))
	mu.Lock()
	assert.Equal(t, []string{"echo hi"}, commands)
	mu.Unlock()

	// The buffer was reset for the next command.
	require.NoError(t, p.SendInput(ctx, "s1", "pwd\r"))
	mu.Lock()
	assert.Equal(t, []string{"echo hi", "pwd"}, commands)
	mu.Unlock()

	// Ctrl-C maps to an interrupt request and discards buffered input.
	require.NoError(t, p.SendInput(ctx, "s1", "par"))
	require.NoError(t, p.SendInput(ctx, "s1", "\x03"))
	require.NoError(t, p.SendInput(ctx, "s1", "ls\r"))
	mu.Lock()
	assert.Equal(t, 1, interrupts)
	assert.Equal(t, []string{"echo hi", "pwd", "ls"}, commands)
	mu.Unlock()

	// A bare terminator submits the keystroke-accumulated buffer; with an
	// empty buffer it submits nothing.
	require.NoError(t, p.SendInput(ctx, "s1", "w"))
	require.NoError(t, p.SendInput(ctx, "s1", "\r"))
	require.NoError(t, p.SendInput(ctx, "s1", "\r"))
	mu.Lock()
	assert.Equal(t, []string{"echo hi", "pwd", "ls", "w"}, commands)
	mu.Unlock()
}

func TestReplProviderCreateDestroy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/repl/sessions":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"sandboxId":"abc","shell":"/bin/sh"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/api/repl/sessions/abc":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	p := NewReplProvider(ts.URL, "tok", zerolog.Nop())
	info, err := p.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc", info.ID)
	assert.Equal(t, "/bin/sh", info.Shell)

	require.NoError(t, p.DestroySession(context.Background(), "abc"))
}

func TestReplProviderSurfacesServerMessages(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message":"maximum number of terminal sessions reached"}`)
	}))
	defer ts.Close()

	p := NewReplProvider(ts.URL, "", zerolog.Nop())
	_, err := p.CreateSession(context.Background(), CreateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum number of terminal sessions reached")
}

func TestReplProviderStreamParsesSSE(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/repl/sessions/s1/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range []struct{ event, data string }{
			{"connected", `{"sandboxId":"s1"}`},
			{"output", `{"stdout":"hello\n"}`},
			{"output", `{"stderr":"warn\n"}`},
			{"heartbeat", `{"timestamp":1700000000000}`},
			{"complete", `{"exitCode":2}`},
		} {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.event, ev.data)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer ts.Close()

	p := NewReplProvider(ts.URL, "", zerolog.Nop())
	stream, err := p.ConnectStream(context.Background(), "s1")
	require.NoError(t, err)
	defer stream.Close()

	collect := func() StreamEvent {
		select {
		case ev := <-stream.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream event")
			return StreamEvent{}
		}
	}

	ev := collect()
	assert.Equal(t, EventConnected, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)

	ev = collect()
	assert.Equal(t, EventOutput, ev.Type)
	assert.Equal(t, "hello\n", ev.Data)

	ev = collect()
	assert.Equal(t, EventOutput, ev.Type)
	assert.Equal(t, "warn\n", ev.Data)

	ev = collect()
	assert.Equal(t, EventHeartbeat, ev.Type)
	assert.Equal(t, int64(1700000000000), ev.Timestamp)

	ev = collect()
	assert.Equal(t, EventComplete, ev.Type)
	assert.Equal(t, 2, ev.ExitCode)
}

// Closing the stream releases the HTTP request; the events channel closes.
func TestReplProviderStreamClose(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	p := NewReplProvider(ts.URL, "", zerolog.Nop())
	stream, err := p.ConnectStream(context.Background(), "s1")
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	select {
	case _, open := <-stream.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}
}
