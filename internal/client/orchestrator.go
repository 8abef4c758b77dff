package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// healthProbeInterval paces the background liveness check. A failed probe
// flips the state indicator; the emulator's own reconnect loop handles
// recovery, the probe never reconnects.
const healthProbeInterval = 30 * time.Second

// Orchestrator owns the application's one terminal session: lazy creation on
// first show, survival across visibility toggles, and teardown only at
// shutdown. There is no session list and no second session.
type Orchestrator struct {
	providers *Providers
	mode      Mode
	screen    *Emulator
	log       zerolog.Logger

	mu        sync.Mutex
	provider  Provider
	sessionID string
	visible   bool
	started   bool

	stopProbe chan struct{}
	probeWG   sync.WaitGroup
}

func NewOrchestrator(providers *Providers, mode Mode, emulator *Emulator, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		providers: providers,
		mode:      mode,
		screen:    emulator,
		log:       log.With().Str("component", "orchestrator").Logger(),
		stopProbe: make(chan struct{}),
	}
}

// Show makes the terminal visible, creating the session on first use and
// reattaching the emulator on every later toggle.
func (o *Orchestrator) Show(ctx context.Context) error {
	o.mu.Lock()
	if o.visible {
		o.mu.Unlock()
		return nil
	}

	if o.provider == nil {
		p, err := o.providers.Lookup(o.mode)
		if err != nil {
			o.mu.Unlock()
			return err
		}
		o.provider = p
	}

	if o.sessionID == "" {
		info, err := o.provider.CreateSession(ctx, CreateOptions{})
		if err != nil {
			o.mu.Unlock()
			return err
		}
		o.sessionID = info.ID
		o.log.Info().Str("session_id", info.ID).Str("shell", info.Shell).Msg("session created")
	}

	o.visible = true
	id := o.sessionID
	if !o.started {
		o.started = true
		o.probeWG.Add(1)
		go o.healthLoop()
	}
	o.mu.Unlock()

	o.screen.Bind(id)
	return nil
}

// Hide detaches the screen but keeps the session and its process alive. The
// next Show reattaches to the same session.
func (o *Orchestrator) Hide() {
	o.mu.Lock()
	if !o.visible {
		o.mu.Unlock()
		return
	}
	o.visible = false
	o.mu.Unlock()

	o.screen.Detach()
}

// Visible reports whether the terminal is currently shown.
func (o *Orchestrator) Visible() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visible
}

// SessionID returns the current session id, empty before first Show. The
// emulator is the source of truth once bound, since a reconnect may have
// adopted a fresh id.
func (o *Orchestrator) SessionID() string {
	if id := o.screen.SessionID(); id != "" {
		o.mu.Lock()
		o.sessionID = id
		o.mu.Unlock()
		return id
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// HandleKey forwards a keystroke when the terminal is visible.
func (o *Orchestrator) HandleKey(k Key) {
	if !o.Visible() {
		return
	}
	o.screen.HandleKey(k)
}

// NotifyResize forwards a geometry change; the emulator debounces it.
func (o *Orchestrator) NotifyResize(cols, rows int) {
	o.screen.NotifyResize(cols, rows)
}

func (o *Orchestrator) healthLoop() {
	defer o.probeWG.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopProbe:
			return
		case <-ticker.C:
			id := o.SessionID()
			if id == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := func() error {
				o.mu.Lock()
				p := o.provider
				o.mu.Unlock()
				if p == nil {
					return nil
				}
				return p.Health(ctx, id)
			}()
			cancel()
			if err != nil {
				o.log.Warn().Err(err).Str("session_id", id).Msg("health probe failed")
				o.screen.MarkError(err)
			}
		}
	}
}

// Shutdown destroys the session and stops the emulator. Called once when
// the application exits.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	p := o.provider
	id := o.sessionID
	o.sessionID = ""
	started := o.started
	o.started = false
	o.mu.Unlock()

	if started {
		close(o.stopProbe)
		o.probeWG.Wait()
	}

	o.screen.Close()

	if p != nil && id != "" {
		if err := p.DestroySession(ctx, id); err != nil {
			o.log.Warn().Err(err).Str("session_id", id).Msg("destroy failed")
		}
	}
}
