package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ReplProvider speaks the split transport: a push-only SSE stream plus a
// discrete REST request per submitted command line. The remote side is
// line-oriented, so the provider buffers keystrokes and submits only when it
// sees a line terminator; unterminated input is held, not sent.
type ReplProvider struct {
	baseURL string
	token   string
	log     zerolog.Logger
	http    *http.Client

	mu      sync.Mutex
	pending map[string]*strings.Builder // per-session unterminated input
}

func NewReplProvider(baseURL, token string, log zerolog.Logger) *ReplProvider {
	return &ReplProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		log:     log.With().Str("provider", "repl").Logger(),
		http:    &http.Client{},
		pending: make(map[string]*strings.Builder),
	}
}

func (p *ReplProvider) Mode() Mode { return ModeREPL }

func (p *ReplProvider) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return p.http.Do(req)
}

// decodeError extracts the server's message field from an error response.
func decodeError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Message != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body.Message)
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (p *ReplProvider) CreateSession(ctx context.Context, opts CreateOptions) (SessionInfo, error) {
	payload := map[string]any{}
	if opts.Cols > 0 && opts.Rows > 0 {
		payload["cols"] = opts.Cols
		payload["rows"] = opts.Rows
	}
	if opts.Dir != "" {
		payload["cwd"] = opts.Dir
	}
	resp, err := p.request(ctx, http.MethodPost, "/api/repl/sessions", payload)
	if err != nil {
		return SessionInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return SessionInfo{}, decodeError(resp)
	}

	var body struct {
		SandboxID string `json:"sandboxId"`
		Shell     string `json:"shell"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return SessionInfo{}, fmt.Errorf("decoding create response: %w", err)
	}
	p.log.Debug().Str("session_id", body.SandboxID).Msg("session created")
	return SessionInfo{ID: body.SandboxID, Shell: body.Shell}, nil
}

func (p *ReplProvider) DestroySession(ctx context.Context, id string) error {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()

	resp, err := p.request(ctx, http.MethodDelete, "/api/repl/sessions/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// SendInput accumulates keystrokes until a line terminator arrives, then
// submits everything buffered before it as one command. The emulator sends
// the authoritative full line together with the terminator on Enter, so a
// chunk containing a terminator replaces the buffer rather than appending
// to it. Ctrl-C becomes an interrupt request for the running command; other
// control bytes (backspace in particular) are dropped, since the emulator
// already applied them to its local line.
func (p *ReplProvider) SendInput(ctx context.Context, id, data string) error {
	if strings.Contains(data, "\x03") {
		p.mu.Lock()
		if buf := p.pending[id]; buf != nil {
			buf.Reset()
		}
		p.mu.Unlock()
		return p.interrupt(ctx, id)
	}

	var submit string
	var ok bool

	p.mu.Lock()
	buf := p.pending[id]
	if buf == nil {
		buf = &strings.Builder{}
		p.pending[id] = buf
	}
	if i := strings.IndexAny(data, "\r\n"); i >= 0 {
		submit = data[:i]
		if submit == "" {
			// a bare terminator submits whatever was typed keystroke-wise
			submit = buf.String()
		}
		ok = submit != ""
		buf.Reset()
	} else if isLineContent(data) {
		buf.WriteString(data)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return p.exec(ctx, id, submit)
}

func (p *ReplProvider) interrupt(ctx context.Context, id string) error {
	resp, err := p.request(ctx, http.MethodPost, "/api/repl/sessions/"+id+"/interrupt", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// isLineContent filters out control bytes from the keystroke stream.
func isLineContent(data string) bool {
	for _, r := range data {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return len(data) > 0
}

func (p *ReplProvider) exec(ctx context.Context, id, command string) error {
	resp, err := p.request(ctx, http.MethodPost, "/api/repl/sessions/"+id+"/exec",
		map[string]string{"command": command})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return decodeError(resp)
	}
	return nil
}

func (p *ReplProvider) Resize(ctx context.Context, id string, cols, rows int) error {
	resp, err := p.request(ctx, http.MethodPost, "/api/repl/sessions/"+id+"/resize",
		map[string]int{"cols": cols, "rows": rows})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func (p *ReplProvider) Health(ctx context.Context, id string) error {
	resp, err := p.request(ctx, http.MethodGet, "/api/repl/sessions/"+id+"/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// ConnectStream opens the SSE stream. Closing the returned stream cancels
// the request and releases the HTTP connection; unlike the socket transport
// there is nothing to keep alive underneath.
func (p *ReplProvider) ConnectStream(ctx context.Context, id string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/api/repl/sessions/"+id+"/stream", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		cancel()
		return nil, &StreamError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		err := decodeError(resp)
		resp.Body.Close()
		cancel()
		return nil, &StreamError{Err: err}
	}

	s := &sseStream{
		cancel: cancel,
		body:   resp.Body,
		events: make(chan StreamEvent, 64),
	}
	go s.readLoop()
	return s, nil
}

type sseStream struct {
	cancel context.CancelFunc
	body   io.ReadCloser
	events chan StreamEvent

	closeOnce sync.Once
}

func (s *sseStream) Events() <-chan StreamEvent { return s.events }

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.body.Close()
	})
	return nil
}

// readLoop parses "event:"/"data:" line pairs. A blank line terminates each
// event per the SSE framing rules.
func (s *sseStream) readLoop() {
	defer close(s.events)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" {
				s.dispatch(event, data)
			}
			event, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil && !isClosed(err) {
		s.events <- StreamEvent{Type: EventError, Err: &StreamError{Err: err}}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "closed")
}

func (s *sseStream) dispatch(event, data string) {
	switch event {
	case "connected":
		var payload struct {
			SandboxID string `json:"sandboxId"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		s.events <- StreamEvent{Type: EventConnected, SessionID: payload.SandboxID}
	case "output":
		var payload struct {
			Stdout string `json:"stdout"`
			Stderr string `json:"stderr"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		s.events <- StreamEvent{Type: EventOutput, Data: payload.Stdout + payload.Stderr}
	case "complete":
		var payload struct {
			ExitCode int `json:"exitCode"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		s.events <- StreamEvent{Type: EventComplete, ExitCode: payload.ExitCode}
	case "heartbeat":
		var payload struct {
			Timestamp int64 `json:"timestamp"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		s.events <- StreamEvent{Type: EventHeartbeat, Timestamp: payload.Timestamp}
	case "error":
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		s.events <- StreamEvent{Type: EventError, Err: &StreamError{Err: fmt.Errorf("%s", payload.Error)}}
	}
}
