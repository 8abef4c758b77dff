// Package terminal owns pseudo-terminal sessions: it spawns shells with a
// sanitized environment, tracks them in a registry, and enforces the feature
// flag, capacity, and idle-timeout policy.
//
// Transports (WebSocket, SSE) sit on top and only ever talk to the Registry.
package terminal

import (
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/inknote/termhub/internal/config"
)

const (
	// exitGrace keeps a session queryable for a short window after its
	// process exits so a client that was mid-reconnect can still read the
	// final output and exit status.
	exitGrace = 3 * time.Second

	// killTimeout is how long destroy waits between SIGTERM and SIGKILL.
	killTimeout = 2 * time.Second

	// idleTimeout is the inactivity threshold after which the reaper
	// destroys a session.
	idleTimeout = 30 * time.Minute

	// reapSchedule is the reaper's cron spec.
	reapSchedule = "@every 2m"
)

// PolicySource returns the current session policy. The production source is
// config.LoadPolicy, which re-reads the environment on every call; tests
// inject fixed policies.
type PolicySource func() (*config.Policy, error)

// CreateOptions are the caller-supplied parts of a new session. Zero Cols and
// Rows select the 80x24 default; any other values are validated strictly.
type CreateOptions struct {
	Cols float64
	Rows float64
	Dir  string
}

// Registry tracks live sessions. The map is the only shared mutable state on
// the server side; every insert and delete happens under mu so a destroy in
// flight cannot race a create or a late reattach into reviving a dead entry.
type Registry struct {
	log    zerolog.Logger
	policy PolicySource

	mu       sync.Mutex
	sessions map[string]*Session

	cron *cron.Cron
}

// NewRegistry creates a registry. Start must be called to run the idle
// reaper.
func NewRegistry(log zerolog.Logger, policy PolicySource) *Registry {
	return &Registry{
		log:      log.With().Str("component", "terminal").Logger(),
		policy:   policy,
		sessions: make(map[string]*Session),
	}
}

// Start launches the background idle reaper.
func (r *Registry) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(reapSchedule, r.reap); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Create validates policy and dimensions, spawns the shell, and registers the
// session. On any failure nothing is registered and no process is left
// behind.
func (r *Registry) Create(opts CreateOptions) (*Session, error) {
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

	shell, args := resolveShell(policy)
	sess := &Session{
		ID:         uuid.NewString(),
		Shell:      shell,
		WorkingDir: resolveWorkingDir(opts.Dir),
		CreatedAt:  time.Now(),
		cols:       size.Cols,
		rows:       size.Rows,
		dead:       make(chan struct{}),
	}
	sess.lastActive = sess.CreatedAt

	// Reserve the slot under the lock so two concurrent creates cannot both
	// squeeze past the capacity check.
	r.mu.Lock()
	if r.liveCountLocked() >= policy.MaxSessions {
		r.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	cmd := newShellCommand(shell, args, sess.WorkingDir, buildEnv(policy))
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, sess.ID)
		r.mu.Unlock()
		return nil, &SpawnError{Shell: shell, Err: err}
	}

	sess.mu.Lock()
	sess.cmd = cmd
	sess.ptmx = ptmx
	sess.mu.Unlock()

	// Shutdown or a destroy may have swept the reservation while we were
	// spawning. The pumping flag flips under the registry lock, so whoever
	// removed the entry sees it unset and terminate reaps the process
	// directly instead of waiting on a pump that will never run.
	r.mu.Lock()
	_, ok := r.sessions[sess.ID]
	if ok {
		sess.mu.Lock()
		sess.pumping = true
		sess.mu.Unlock()
	}
	r.mu.Unlock()
	if !ok {
		sess.terminate(killTimeout)
		return nil, ErrSessionNotFound
	}

	go sess.pump(func() { r.scheduleGracePurge(sess.ID) })

	r.log.Info().
		Str("session_id", sess.ID).
		Str("shell", shell).
		Str("working_dir", sess.WorkingDir).
		Uint16("cols", size.Cols).
		Uint16("rows", size.Rows).
		Msg("session created")
	return sess, nil
}

// Get returns the session for id, or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Write forwards input bytes to the session's stdin.
func (r *Registry) Write(id string, data []byte) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	return sess.Write(data)
}

// Resize validates and applies new dimensions.
func (r *Registry) Resize(id string, cols, rows float64) error {
	size, err := ValidateSize(cols, rows)
	if err != nil {
		return err
	}
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	return sess.Resize(size)
}

// Destroy removes the session and terminates its process. Idempotent:
// destroying an unknown id, or the same id twice, is a no-op. Once the entry
// is deleted from the map no new operation can target it.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.terminate(killTimeout)
	r.log.Info().Str("session_id", id).Msg("session destroyed")
}

// Count returns the number of live (not yet exited) sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveCountLocked()
}

// Shutdown stops the reaper and destroys every session.
func (r *Registry) Shutdown() {
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

func (r *Registry) liveCountLocked() int {
	n := 0
	for _, sess := range r.sessions {
		if !sess.Exited() {
			n++
		}
	}
	return n
}

// scheduleGracePurge removes an exited session after the grace window. A
// Destroy racing in first makes the purge a no-op.
func (r *Registry) scheduleGracePurge(id string) {
	time.AfterFunc(exitGrace, func() {
		r.mu.Lock()
		_, ok := r.sessions[id]
		if ok {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		if ok {
			r.log.Debug().Str("session_id", id).Msg("exited session purged after grace window")
		}
	})
}

// reap destroys sessions idle past the threshold. It may race an explicit
// Destroy on the same id; Destroy is idempotent so that is safe.
func (r *Registry) reap() {
	r.mu.Lock()
	stale := make([]string, 0)
	for id, sess := range r.sessions {
		if time.Since(sess.LastActive()) >= idleTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.log.Info().Str("session_id", id).Msg("destroying idle session")
		r.Destroy(id)
	}
}
