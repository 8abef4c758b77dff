package terminal

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// replayLimit bounds the per-session output tail kept for reattachment. A
// client that reconnects (including during the post-exit grace window) gets
// this tail replayed so final output is not lost.
const replayLimit = 64 * 1024

// Attachment receives a session's output and exit notifications. Exactly one
// attachment is active at a time; attaching again redirects the stream.
type Attachment struct {
	// Output is called from the session's pump goroutine for every chunk the
	// process writes. The callback must not block.
	Output func(data []byte)
	// Exit is called once when the process exits. signal is 0 unless the
	// process was killed by a signal.
	Exit func(exitCode int, signal int)
}

// Session is one live pseudo-terminal process plus its metadata. All fields
// behind mu are mutated by the pump goroutine, transport handlers, and the
// reaper concurrently.
type Session struct {
	ID         string
	Shell      string
	WorkingDir string
	CreatedAt  time.Time

	mu         sync.Mutex
	cmd        *exec.Cmd
	ptmx       *os.File
	cols       uint16
	rows       uint16
	lastActive time.Time
	attached   Attachment
	replay     []byte
	exited     bool
	exitCode   int
	exitSignal int

	// dead is closed after the process has been reaped with Wait, normally
	// by the pump goroutine. terminate blocks on it instead of calling Wait
	// itself (Wait may only be called once).
	dead chan struct{}

	// pumping is set, under the registry lock, once the pump goroutine is
	// committed to start. While it is false there is nothing to close dead,
	// so terminate must reap the process itself.
	pumping bool
	reaped  bool
}

// Write forwards raw input bytes to the process stdin and refreshes the
// activity timestamp.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.lastActive = time.Now()
	s.mu.Unlock()

	if ptmx == nil {
		return errors.New("session process not running")
	}
	_, err := ptmx.Write(data)
	return err
}

// Resize propagates a validated size to the pseudo-terminal.
func (s *Session) Resize(size Winsize) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return errors.New("session process not running")
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
		return err
	}
	s.mu.Lock()
	s.cols = size.Cols
	s.rows = size.Rows
	s.mu.Unlock()
	return nil
}

// Size returns the current recorded dimensions.
func (s *Session) Size() Winsize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Winsize{Cols: s.cols, Rows: s.rows}
}

// Touch refreshes the activity timestamp. Transports call it on every
// received frame so the idle reaper leaves active sessions alone.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the last input/output timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Exited reports whether the process has exited (the session may still be in
// its grace window).
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Attach redirects output and exit notifications to a new transport. Any
// buffered output tail is replayed first; if the process already exited, the
// exit notification fires immediately after the replay.
func (s *Session) Attach(a Attachment) {
	s.mu.Lock()
	s.attached = a
	tail := make([]byte, len(s.replay))
	copy(tail, s.replay)
	exited := s.exited
	code, sig := s.exitCode, s.exitSignal
	s.mu.Unlock()

	if len(tail) > 0 && a.Output != nil {
		a.Output(tail)
	}
	if exited && a.Exit != nil {
		a.Exit(code, sig)
	}
}

// Detach clears the current attachment. Output keeps accumulating in the
// replay tail for the next attach.
func (s *Session) Detach() {
	s.mu.Lock()
	s.attached = Attachment{}
	s.mu.Unlock()
}

// pump reads process output until EOF, then reaps the process and reports the
// exit. onExit runs exactly once, after exit state is recorded.
func (s *Session) pump(onExit func()) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.lastActive = time.Now()
			s.replay = append(s.replay, buf[:n]...)
			if over := len(s.replay) - replayLimit; over > 0 {
				s.replay = s.replay[over:]
			}
			out := s.attached.Output
			s.mu.Unlock()

			if out != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out(chunk)
			}
		}
		if err != nil {
			break
		}
	}

	// Read errors with EIO once the child exits; reap it.
	code, sig := 0, 0
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sig = int(ws.Signal())
				code = 128 + sig
			}
		} else {
			code = -1
		}
	}
	_ = s.ptmx.Close()

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.exitSignal = sig
	exit := s.attached.Exit
	s.mu.Unlock()

	close(s.dead)
	if exit != nil {
		exit(code, sig)
	}
	onExit()
}

// terminate asks the process to exit, escalating to SIGKILL after
// killTimeout. Errors are swallowed: a zombie session is worse than a failed
// cleanup report.
func (s *Session) terminate(killTimeout time.Duration) {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	pumping := s.pumping
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || exited {
		return
	}

	// A session whose pump never started (spawn swept by shutdown, or a
	// destroy racing the create) has no goroutine to close dead, so the
	// process must be reaped right here.
	if !pumping {
		s.mu.Lock()
		if s.reaped {
			s.mu.Unlock()
			return
		}
		s.reaped = true
		s.mu.Unlock()

		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		s.mu.Lock()
		s.exited = true
		if s.ptmx != nil {
			_ = s.ptmx.Close()
		}
		s.mu.Unlock()
		close(s.dead)
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.dead:
		return
	case <-time.After(killTimeout):
	}

	_ = cmd.Process.Kill()
	<-s.dead
}
