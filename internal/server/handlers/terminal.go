package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/inknote/termhub/internal/audit"
	"github.com/inknote/termhub/internal/protocol"
	"github.com/inknote/termhub/internal/terminal"
)

var wsUpgrader = websocket.Upgrader{
	// Authentication is enforced by the RequireAccess middleware before the
	// upgrade, so a permissive origin policy is acceptable for the
	// single-server deployment this ships in.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Terminal serves the bidirectional PTY transport.
type Terminal struct {
	Registry *terminal.Registry
	Log      zerolog.Logger
}

// wsWriter serializes frame writes; the session pump goroutine and the read
// loop's pong replies would otherwise interleave on the socket.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(frame protocol.ServerFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(frame)
}

// ServeWS upgrades the connection and bridges it to a session. With no path
// id a new session is created; with an id the existing session is reattached,
// or, if it is gone, a fresh one is silently created. The client adopts
// whatever id comes back in the connected frame.
func (h *Terminal) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}
	defer conn.Close()
	out := &wsWriter{conn: conn}

	sess, err := h.attachTarget(r, sessionID)
	if err != nil {
		_ = out.send(protocol.ServerFrame{Type: protocol.TypeError, Data: err.Error()})
		audit.Write(h.Log, audit.Entry{
			Action: "terminal.connect",
			Status: audit.StatusFailed,
			IP:     r.RemoteAddr,
			Detail: map[string]any{"error": err.Error()},
		})
		return
	}

	if err := out.send(protocol.ServerFrame{
		Type:       protocol.TypeConnected,
		SessionID:  sess.ID,
		Shell:      sess.Shell,
		WorkingDir: sess.WorkingDir,
	}); err != nil {
		return
	}

	var bytesIn, bytesOut atomic.Int64
	startedAt := time.Now().UTC()
	audit.Write(h.Log, audit.Entry{
		Action:    "terminal.connect",
		SessionID: sess.ID,
		Status:    audit.StatusSuccess,
		IP:        r.RemoteAddr,
	})
	defer func() {
		sess.Detach()
		audit.Write(h.Log, audit.Entry{
			Action:    "terminal.disconnect",
			SessionID: sess.ID,
			Status:    audit.StatusSuccess,
			IP:        r.RemoteAddr,
			BytesIn:   bytesIn.Load(),
			BytesOut:  bytesOut.Load(),
			Detail:    map[string]any{"started_at": startedAt.Format(time.RFC3339)},
		})
	}()

	// The socket stays open after the process exits; the client reads the
	// exit frame and decides when to close.
	sess.Attach(terminal.Attachment{
		Output: func(data []byte) {
			bytesOut.Add(int64(len(data)))
			_ = out.send(protocol.ServerFrame{Type: protocol.TypeOutput, Data: string(data)})
		},
		Exit: func(code, signal int) {
			frame := protocol.ServerFrame{Type: protocol.TypeExit, ExitCode: &code}
			if signal != 0 {
				frame.Signal = &signal
			}
			_ = out.send(frame)
		},
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()

		var frame protocol.ClientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case protocol.TypeInput:
			bytesIn.Add(int64(len(frame.Data)))
			if err := sess.Write([]byte(frame.Data)); err != nil {
				_ = out.send(protocol.ServerFrame{Type: protocol.TypeError, Data: err.Error()})
			}
		case protocol.TypeResize:
			if err := h.Registry.Resize(sess.ID, frame.Cols, frame.Rows); err != nil {
				_ = out.send(protocol.ServerFrame{Type: protocol.TypeError, Data: err.Error()})
			}
		case protocol.TypePing:
			_ = out.send(protocol.ServerFrame{Type: protocol.TypePong, TS: frame.TS})
		}
	}
}

// attachTarget resolves which session this socket should drive.
func (h *Terminal) attachTarget(r *http.Request, sessionID string) (*terminal.Session, error) {
	q := r.URL.Query()
	opts := terminal.CreateOptions{Dir: q.Get("cwd")}
	if cols, err := strconv.ParseFloat(q.Get("cols"), 64); err == nil {
		opts.Cols = cols
	}
	if rows, err := strconv.ParseFloat(q.Get("rows"), 64); err == nil {
		opts.Rows = rows
	}

	if sessionID != "" {
		sess, err := h.Registry.Get(sessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, terminal.ErrSessionNotFound) {
			return nil, err
		}
		// Stale id from a previous run; fall through and create.
	}
	return h.Registry.Create(opts)
}
