package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/inknote/termhub/internal/protocol"
)

// PTYProvider speaks the bidirectional WebSocket transport. One socket per
// session, shared between the stream side and the write side; detaching the
// stream keeps the socket (and the remote shell) alive.
type PTYProvider struct {
	baseURL string // http(s)://host:port
	token   string
	log     zerolog.Logger

	mu    sync.Mutex
	conns map[string]*ptyConn
}

func NewPTYProvider(baseURL, token string, log zerolog.Logger) *PTYProvider {
	return &PTYProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		log:     log.With().Str("provider", "pty").Logger(),
		conns:   make(map[string]*ptyConn),
	}
}

func (p *PTYProvider) Mode() Mode { return ModePTY }

// ptyConn owns one WebSocket and its reader goroutine. Events are forwarded
// to the currently attached sink; with no sink attached, or with the sink's
// buffer full, output is dropped on the floor (the server replays a tail on
// the next fresh dial, and a detached UI has no screen to paint anyway).
type ptyConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex // serializes WriteJSON

	mu     sync.Mutex
	sink   chan StreamEvent
	closed bool
}

// deliver hands an event to the attached sink without ever blocking. The
// send happens under mu, the same lock attach/detach/shutdown close the
// channel under, so a send on a closed channel cannot happen.
func (c *ptyConn) deliver(ev StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return
	}
	select {
	case c.sink <- ev:
	default:
		// consumer is not keeping up; drop rather than park the reader
	}
}

func (c *ptyConn) attach() chan StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != nil {
		close(c.sink)
	}
	c.sink = make(chan StreamEvent, 64)
	return c.sink
}

func (c *ptyConn) detach(sink chan StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == sink {
		c.sink = nil
		close(sink)
	}
}

func (c *ptyConn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.sink != nil {
		close(c.sink)
		c.sink = nil
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

// dial opens the WebSocket and waits for the connected frame. An empty id
// asks the server to create a fresh session.
func (p *PTYProvider) dial(ctx context.Context, id string, opts CreateOptions) (*ptyConn, SessionInfo, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, SessionInfo{}, fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/terminal/ws"
	if id != "" {
		u.Path += "/" + id
	}
	q := u.Query()
	if opts.Cols > 0 && opts.Rows > 0 {
		q.Set("cols", fmt.Sprint(opts.Cols))
		q.Set("rows", fmt.Sprint(opts.Rows))
	}
	if opts.Dir != "" {
		q.Set("cwd", opts.Dir)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, SessionInfo{}, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, SessionInfo{}, fmt.Errorf("websocket dial failed: %w", err)
	}

	var frame protocol.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		_ = conn.Close()
		return nil, SessionInfo{}, fmt.Errorf("reading handshake frame: %w", err)
	}
	if frame.Type != protocol.TypeConnected {
		_ = conn.Close()
		return nil, SessionInfo{}, fmt.Errorf("unexpected handshake frame %q", frame.Type)
	}

	info := SessionInfo{ID: frame.SessionID, Shell: frame.Shell, WorkingDir: frame.WorkingDir}
	c := &ptyConn{conn: conn}
	go p.readLoop(c, info.ID)
	return c, info, nil
}

func (p *PTYProvider) readLoop(c *ptyConn, id string) {
	for {
		var frame protocol.ServerFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.deliver(StreamEvent{Type: EventError, Err: &StreamError{Err: err}})
				c.shutdown()
				p.forget(id, c)
			}
			return
		}

		switch frame.Type {
		case protocol.TypeOutput:
			c.deliver(StreamEvent{Type: EventOutput, Data: frame.Data, Timestamp: frame.TS})
		case protocol.TypeExit:
			ev := StreamEvent{Type: EventExit, Timestamp: frame.TS}
			if frame.ExitCode != nil {
				ev.ExitCode = *frame.ExitCode
			}
			if frame.Signal != nil {
				ev.Signal = *frame.Signal
			}
			c.deliver(ev)
		case protocol.TypePong:
			c.deliver(StreamEvent{Type: EventHeartbeat, Timestamp: frame.TS})
		case protocol.TypeError:
			c.deliver(StreamEvent{Type: EventError, Err: &StreamError{Err: fmt.Errorf("%s", frame.Data)}})
		}
	}
}

func (p *PTYProvider) forget(id string, c *ptyConn) {
	p.mu.Lock()
	if p.conns[id] == c {
		delete(p.conns, id)
	}
	p.mu.Unlock()
}

func (p *PTYProvider) get(id string) (*ptyConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return c, ok
}

// CreateSession dials with no session id; the server creates the shell as a
// side effect of the handshake and the connected frame carries the id.
func (p *PTYProvider) CreateSession(ctx context.Context, opts CreateOptions) (SessionInfo, error) {
	c, info, err := p.dial(ctx, "", opts)
	if err != nil {
		return SessionInfo{}, err
	}
	p.mu.Lock()
	p.conns[info.ID] = c
	p.mu.Unlock()
	p.log.Debug().Str("session_id", info.ID).Str("shell", info.Shell).Msg("session created")
	return info, nil
}

// DestroySession closes the socket. The server keeps the shell alive for its
// reattach grace window and the idle reaper collects it; there is no
// client-initiated kill on this transport.
func (p *PTYProvider) DestroySession(ctx context.Context, id string) error {
	c, ok := p.get(id)
	if !ok {
		return nil
	}
	c.shutdown()
	p.forget(id, c)
	return nil
}

func (p *PTYProvider) SendInput(ctx context.Context, id, data string) error {
	c, ok := p.get(id)
	if !ok {
		return fmt.Errorf("no open connection for session %s", id)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(protocol.ClientFrame{Type: protocol.TypeInput, Data: data}); err != nil {
		return &StreamError{Err: err}
	}
	return nil
}

func (p *PTYProvider) Resize(ctx context.Context, id string, cols, rows int) error {
	c, ok := p.get(id)
	if !ok {
		return fmt.Errorf("no open connection for session %s", id)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(protocol.ClientFrame{
		Type: protocol.TypeResize,
		Cols: float64(cols),
		Rows: float64(rows),
	}); err != nil {
		return &StreamError{Err: err}
	}
	return nil
}

// ConnectStream attaches to the session's socket, redialing if the socket
// was lost. A redial with a stale id yields a fresh session; the Connected
// event carries the id the emulator must adopt.
func (p *PTYProvider) ConnectStream(ctx context.Context, id string) (Stream, error) {
	c, ok := p.get(id)
	if !ok {
		var info SessionInfo
		var err error
		c, info, err = p.dial(ctx, id, CreateOptions{})
		if err != nil {
			return nil, &StreamError{Err: err}
		}
		p.mu.Lock()
		p.conns[info.ID] = c
		p.mu.Unlock()
		id = info.ID

		sink := c.attach()
		c.deliver(StreamEvent{Type: EventConnected, SessionID: id})
		return &ptyStream{conn: c, sink: sink}, nil
	}

	sink := c.attach()
	c.deliver(StreamEvent{Type: EventConnected, SessionID: id})
	return &ptyStream{conn: c, sink: sink}, nil
}

// Health probes the server's liveness endpoint. Per-session health has no
// dedicated surface on this transport; a live server plus an open socket is
// the health signal.
func (p *PTYProvider) Health(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned HTTP %d", resp.StatusCode)
	}
	if _, ok := p.get(id); !ok {
		return fmt.Errorf("no open connection for session %s", id)
	}
	return nil
}

// ptyStream detaches on Close but leaves the socket open. Only
// DestroySession (or a transport failure) actually closes it.
type ptyStream struct {
	conn *ptyConn
	sink chan StreamEvent
}

func (s *ptyStream) Events() <-chan StreamEvent { return s.sink }

func (s *ptyStream) Close() error {
	s.conn.detach(s.sink)
	return nil
}
