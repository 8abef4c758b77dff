package terminal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inknote/termhub/internal/config"
)

func fixedPolicy(p config.Policy) PolicySource {
	return func() (*config.Policy, error) {
		cp := p
		return &cp, nil
	}
}

func testRegistry(t *testing.T, p config.Policy) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop(), fixedPolicy(p))
	t.Cleanup(r.Shutdown)
	return r
}

var shPolicy = config.Policy{
	Enabled:      true,
	MaxSessions:  10,
	DefaultShell: "/bin/sh",
	EnvAllowlist: []string{"PATH", "HOME", "TERM"},
}

// collector is a threadsafe output sink for Attach callbacks.
type collector struct {
	mu     sync.Mutex
	out    []byte
	exited bool
	code   int
}

func (c *collector) attachment() Attachment {
	return Attachment{
		Output: func(data []byte) {
			c.mu.Lock()
			c.out = append(c.out, data...)
			c.mu.Unlock()
		},
		Exit: func(code, _ int) {
			c.mu.Lock()
			c.exited = true
			c.code = code
			c.mu.Unlock()
		},
	}
}

func (c *collector) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.out)
}

func (c *collector) exit() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited, c.code
}

func TestCreateDisabled(t *testing.T) {
	r := testRegistry(t, config.Policy{Enabled: false})
	_, err := r.Create(CreateOptions{})
	assert.ErrorIs(t, err, ErrFeatureDisabled)
}

func TestCreateInvalidDimensions(t *testing.T) {
	r := testRegistry(t, shPolicy)
	_, err := r.Create(CreateOptions{Cols: 80.5, Rows: 24})
	var dims *DimensionError
	require.ErrorAs(t, err, &dims)
	assert.Equal(t, DimensionNonInteger, dims.Reason)
}

func TestCreateSpawnFailure(t *testing.T) {
	p := shPolicy
	p.DefaultShell = "/nonexistent/shell"
	r := testRegistry(t, p)

	_, err := r.Create(CreateOptions{})
	var spawn *SpawnError
	require.ErrorAs(t, err, &spawn)
	assert.Equal(t, "/nonexistent/shell", spawn.Shell)
	assert.Equal(t, 0, r.Count(), "failed create must not leave a registration")
}

func TestCapacityEnforcedAndFreedByDestroy(t *testing.T) {
	p := shPolicy
	p.MaxSessions = 1
	r := testRegistry(t, p)

	first, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	_, err = r.Create(CreateOptions{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	r.Destroy(first.ID)

	second, err := r.Create(CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDestroyIdempotent(t *testing.T) {
	r := testRegistry(t, shPolicy)
	sess, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	r.Destroy(sess.ID)
	r.Destroy(sess.ID)
	r.Destroy("no-such-session")

	_, err = r.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResizeRecordsDimensions(t *testing.T) {
	r := testRegistry(t, shPolicy)
	sess, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Resize(sess.ID, 120, 60))
	assert.Equal(t, Winsize{Cols: 120, Rows: 60}, sess.Size())

	err = r.Resize(sess.ID, 3000, 24)
	var dims *DimensionError
	require.ErrorAs(t, err, &dims)
	assert.Equal(t, DimensionTooLarge, dims.Reason)
	assert.Equal(t, Winsize{Cols: 120, Rows: 60}, sess.Size(), "rejected resize must not change size")
}

func TestWriteAndOutputRoundTrip(t *testing.T) {
	r := testRegistry(t, shPolicy)
	sess, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	var c collector
	sess.Attach(c.attachment())

	require.NoError(t, sess.Write([]byte("echo termhub-roundtrip\n")))

	require.Eventually(t, func() bool {
		return strings.Contains(c.output(), "termhub-roundtrip")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestExitCodeAndGraceWindow(t *testing.T) {
	r := testRegistry(t, shPolicy)
	sess, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	var c collector
	sess.Attach(c.attachment())

	require.NoError(t, sess.Write([]byte("exit 7\n")))

	require.Eventually(t, func() bool {
		exited, _ := c.exit()
		return exited
	}, 5*time.Second, 50*time.Millisecond)
	_, code := c.exit()
	assert.Equal(t, 7, code)

	// Still resolvable during the grace window so a reconnecting client can
	// read the final state.
	got, err := r.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Exited())

	// A fresh attach during the window replays the tail and reports the exit
	// immediately.
	var late collector
	got.Attach(late.attachment())
	exited, code := late.exit()
	assert.True(t, exited)
	assert.Equal(t, 7, code)
	assert.Contains(t, late.output(), "exit 7")
}

func TestExitedSessionsFreeCapacity(t *testing.T) {
	p := shPolicy
	p.MaxSessions = 1
	r := testRegistry(t, p)

	sess, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, sess.Write([]byte("exit 0\n")))
	require.Eventually(t, sess.Exited, 5*time.Second, 50*time.Millisecond)

	// The exited session may still be in its grace window, but it no longer
	// counts against capacity.
	_, err = r.Create(CreateOptions{})
	require.NoError(t, err)
}
