package terminal

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ReplEvent is one push notification on a REPL session's stream.
type ReplEvent struct {
	Type     string // "output", "complete", "error"
	Stdout   string
	Stderr   string
	ExitCode int
	Err      string
}

// ReplSession executes whole command lines, one at a time, in a stable
// working directory with the sanitized environment. It is the server side of
// the line-oriented transport: clients submit full lines out-of-band and
// consume results from the push stream.
type ReplSession struct {
	ID        string
	Shell     string
	CreatedAt time.Time

	dir string
	env []string

	mu         sync.Mutex
	subscriber func(ReplEvent)
	backlog    []ReplEvent
	running    bool
	cancel     context.CancelFunc
	lastActive time.Time
	cols       uint16
	rows       uint16

	// deliverMu is held while the subscriber callback runs. Unsubscribe
	// takes it too, so once Unsubscribe returns no delivery to the old
	// subscriber is still in flight. It is always acquired before mu and
	// never held while mu is held by the same path's callers.
	deliverMu sync.Mutex
}

// Subscribe redirects events to fn, replaying anything that arrived while no
// stream was attached.
func (s *ReplSession) Subscribe(fn func(ReplEvent)) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.subscriber = fn
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	for _, ev := range backlog {
		fn(ev)
	}
}

// Unsubscribe detaches the stream; later events accumulate for the next
// subscriber. It blocks until any in-flight delivery has finished, so the
// caller may release the resources its callback wrote to as soon as
// Unsubscribe returns.
func (s *ReplSession) Unsubscribe() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.subscriber = nil
	s.mu.Unlock()
}

// Resize records dimensions. Command output is line-oriented here, so this is
// deliberately best-effort bookkeeping only.
func (s *ReplSession) Resize(size Winsize) {
	s.mu.Lock()
	s.cols = size.Cols
	s.rows = size.Rows
	s.mu.Unlock()
}

// Touch refreshes the activity timestamp.
func (s *ReplSession) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the last command/stream activity timestamp.
func (s *ReplSession) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *ReplSession) emit(ev ReplEvent) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	fn := s.subscriber
	if fn == nil {
		s.backlog = append(s.backlog, ev)
	}
	s.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

// run executes one command line, streaming stdout and stderr as they arrive
// and finishing with a complete event carrying the exit code.
func (s *ReplSession) run(ctx context.Context, line string) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	cmd := exec.CommandContext(ctx, s.Shell, "-c", line)
	cmd.Dir = s.dir
	cmd.Env = s.env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.emit(ReplEvent{Type: "error", Err: err.Error()})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.emit(ReplEvent{Type: "error", Err: err.Error()})
		return
	}
	if err := cmd.Start(); err != nil {
		s.emit(ReplEvent{Type: "error", Err: err.Error()})
		return
	}

	var wg sync.WaitGroup
	stream := func(r *bufio.Scanner, stderrStream bool) {
		defer wg.Done()
		for r.Scan() {
			s.Touch()
			ev := ReplEvent{Type: "output"}
			if stderrStream {
				ev.Stderr = r.Text() + "\n"
			} else {
				ev.Stdout = r.Text() + "\n"
			}
			s.emit(ev)
		}
	}
	wg.Add(2)
	go stream(bufio.NewScanner(stdout), false)
	go stream(bufio.NewScanner(stderr), true)
	wg.Wait()

	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.emit(ReplEvent{Type: "complete", ExitCode: code})
}

// ReplRunner tracks REPL sessions. Feature flag and capacity policy mirror
// the PTY registry: both pools answer to the same environment settings.
type ReplRunner struct {
	log    zerolog.Logger
	policy PolicySource

	mu       sync.Mutex
	sessions map[string]*ReplSession

	cron *cron.Cron
}

// NewReplRunner creates a runner. Start runs the idle reaper.
func NewReplRunner(log zerolog.Logger, policy PolicySource) *ReplRunner {
	return &ReplRunner{
		log:      log.With().Str("component", "repl").Logger(),
		policy:   policy,
		sessions: make(map[string]*ReplSession),
	}
}

// Start launches the background idle reaper.
func (r *ReplRunner) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(reapSchedule, r.reap); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Create registers a new REPL session under the same policy gates as PTY
// sessions.
func (r *ReplRunner) Create(opts CreateOptions) (*ReplSession, error) {
	policy, err := r.policy()
	if err != nil {
		return nil, err
	}
	if !policy.Enabled {
		return nil, ErrFeatureDisabled
	}

	if opts.Cols == 0 && opts.Rows == 0 {
		opts.Cols, opts.Rows = 80, 24
	}
	size, err := ValidateSize(opts.Cols, opts.Rows)
	if err != nil {
		return nil, err
	}

	shell, _ := resolveShell(policy)
	sess := &ReplSession{
		ID:        uuid.NewString(),
		Shell:     shell,
		CreatedAt: time.Now(),
		dir:       resolveWorkingDir(opts.Dir),
		env:       buildEnv(policy),
		cols:      size.Cols,
		rows:      size.Rows,
	}
	sess.lastActive = sess.CreatedAt

	r.mu.Lock()
	if len(r.sessions) >= policy.MaxSessions {
		r.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.log.Info().Str("session_id", sess.ID).Str("shell", shell).Msg("repl session created")
	return sess, nil
}

// Get returns the session for id, or ErrSessionNotFound.
func (r *ReplRunner) Get(id string) (*ReplSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Exec submits one command line. Only one command runs at a time per session;
// a second submission while one is running is rejected.
func (r *ReplRunner) Exec(id, line string) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.running {
		sess.mu.Unlock()
		return errors.New("a command is already running in this session")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess.running = true
	sess.cancel = cancel
	sess.lastActive = time.Now()
	sess.mu.Unlock()

	go sess.run(ctx, line)
	return nil
}

// Interrupt cancels the in-flight command, if any. The stream reports the
// cancelled command's completion with its kill exit code.
func (r *ReplRunner) Interrupt(id string) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	cancel := sess.cancel
	sess.lastActive = time.Now()
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Destroy removes the session and cancels any in-flight command. Idempotent.
func (r *ReplRunner) Destroy(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.log.Info().Str("session_id", id).Msg("repl session destroyed")
}

// Shutdown stops the reaper and destroys every session.
func (r *ReplRunner) Shutdown() {
	if r.cron != nil {
		r.cron.Stop()
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Destroy(id)
	}
}

func (r *ReplRunner) reap() {
	r.mu.Lock()
	stale := make([]string, 0)
	for id, sess := range r.sessions {
		if time.Since(sess.LastActive()) >= idleTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.log.Info().Str("session_id", id).Msg("destroying idle repl session")
		r.Destroy(id)
	}
}
