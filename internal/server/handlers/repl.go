package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/inknote/termhub/internal/terminal"
)

// heartbeatInterval keeps intermediaries from timing out an otherwise quiet
// SSE stream.
const heartbeatInterval = 15 * time.Second

// Repl serves the split push/pull transport: a push-only SSE stream per
// session plus discrete REST writes for each submitted command line.
type Repl struct {
	Runner *terminal.ReplRunner
	Log    zerolog.Logger
}

// Create handles POST /repl/sessions.
func (h *Repl) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cols float64 `json:"cols"`
		Rows float64 `json:"rows"`
		Cwd  string  `json:"cwd"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // empty body means defaults
	}

	sess, err := h.Runner.Create(terminal.CreateOptions{Cols: body.Cols, Rows: body.Rows, Dir: body.Cwd})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sandboxId": sess.ID,
		"shell":     sess.Shell,
	})
}

// Destroy handles DELETE /repl/sessions/{sessionId}. Idempotent.
func (h *Repl) Destroy(w http.ResponseWriter, r *http.Request) {
	h.Runner.Destroy(chi.URLParam(r, "sessionId"))
	w.WriteHeader(http.StatusNoContent)
}

// Exec handles POST /repl/sessions/{sessionId}/exec: one whole command line
// per request. Output arrives on the stream, not in this response.
func (h *Repl) Exec(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("command required"))
		return
	}

	id := chi.URLParam(r, "sessionId")
	if err := h.Runner.Exec(id, body.Command); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusConflict // command already running
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "submitted"})
}

// Interrupt handles POST /repl/sessions/{sessionId}/interrupt: the repl
// analogue of Ctrl-C, cancelling whatever command is running.
func (h *Repl) Interrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.Runner.Interrupt(chi.URLParam(r, "sessionId")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Resize handles POST /repl/sessions/{sessionId}/resize. Best-effort by
// contract: the remote side is line-oriented.
func (h *Repl) Resize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cols float64 `json:"cols"`
		Rows float64 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("cols and rows required"))
		return
	}
	size, err := terminal.ValidateSize(body.Cols, body.Rows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := h.Runner.Get(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	sess.Resize(size)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Health handles GET /repl/sessions/{sessionId}/health.
func (h *Repl) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Runner.Get(chi.URLParam(r, "sessionId")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Stream handles GET /repl/sessions/{sessionId}/stream: the SSE push side.
// Events: connected, output, complete, heartbeat, error.
func (h *Repl) Stream(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Runner.Get(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscriber callbacks and the heartbeat ticker both write to w.
	var mu sync.Mutex
	push := func(event string, payload map[string]any) {
		b, _ := json.Marshal(payload)
		mu.Lock()
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
		mu.Unlock()
	}

	push("connected", map[string]any{"sandboxId": sess.ID})

	sess.Subscribe(func(ev terminal.ReplEvent) {
		sess.Touch()
		switch ev.Type {
		case "output":
			payload := map[string]any{}
			if ev.Stdout != "" {
				payload["stdout"] = ev.Stdout
			}
			if ev.Stderr != "" {
				payload["stderr"] = ev.Stderr
			}
			push("output", payload)
		case "complete":
			push("complete", map[string]any{"exitCode": ev.ExitCode})
		case "error":
			push("error", map[string]any{"error": ev.Err})
		}
	})
	defer sess.Unsubscribe()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			push("heartbeat", map[string]any{"timestamp": time.Now().UnixMilli()})
		}
	}
}

// statusFor maps registry errors to HTTP statuses.
func statusFor(err error) int {
	var dims *terminal.DimensionError
	var spawn *terminal.SpawnError
	switch {
	case errors.Is(err, terminal.ErrFeatureDisabled):
		return http.StatusForbidden
	case errors.Is(err, terminal.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, terminal.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &dims):
		return http.StatusBadRequest
	case errors.As(err, &spawn):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"message": err.Error()})
}
