package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inknote/termhub/internal/config"
)

func TestResolveShellArgs(t *testing.T) {
	tests := []struct {
		shell string
		args  []string
	}{
		{"/bin/bash", []string{"-i", "-l"}},
		{"/usr/bin/zsh", []string{"-i", "-l"}},
		{"/usr/bin/fish", []string{"-i", "-l"}},
		{"/bin/sh", []string{"-l"}},
		{"/bin/dash", []string{"-l"}},
		{"/opt/custom/exotic-shell", nil},
	}
	for _, tt := range tests {
		shell, args := resolveShell(&config.Policy{DefaultShell: tt.shell})
		assert.Equal(t, tt.shell, shell)
		assert.Equal(t, tt.args, args)
	}
}

func TestResolveShellFallsBackToEnv(t *testing.T) {
	t.Setenv("SHELL", "/bin/bash")
	shell, _ := resolveShell(&config.Policy{})
	assert.Equal(t, "/bin/bash", shell)
}

// The host process may hold API tokens; none of them can leak into a shell a
// remote user types into.
func TestBuildEnvAllowlistOnly(t *testing.T) {
	t.Setenv("SUPER_SECRET_API_TOKEN", "hunter2")
	t.Setenv("HOME", "/home/test")
	t.Setenv("LC_ALL", "C.UTF-8")

	policy := &config.Policy{EnvAllowlist: []string{"PATH", "HOME", "LC_*"}}
	env := buildEnv(policy)

	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "SUPER_SECRET_API_TOKEN")
	assert.NotContains(t, joined, "hunter2")
	assert.Contains(t, env, "HOME=/home/test")
	assert.Contains(t, env, "LC_ALL=C.UTF-8")

	// terminal type is pinned regardless of the host value
	assert.Contains(t, env, "TERM=xterm-256color")
	assert.Contains(t, env, "COLORTERM=truecolor")
}

func TestEnvAllowedPrefixGlob(t *testing.T) {
	policy := &config.Policy{EnvAllowlist: []string{"PATH", "LC_*", " TZ "}}
	assert.True(t, policy.EnvAllowed("PATH"))
	assert.True(t, policy.EnvAllowed("LC_MESSAGES"))
	assert.True(t, policy.EnvAllowed("TZ"), "patterns are trimmed")
	assert.False(t, policy.EnvAllowed("PATHEXT"))
	assert.False(t, policy.EnvAllowed("AWS_SECRET_ACCESS_KEY"))
}

func TestResolveWorkingDir(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, resolveWorkingDir(dir))

	fallback := resolveWorkingDir("/definitely/not/a/real/dir")
	require.NotEmpty(t, fallback)
	assert.NotEqual(t, "/definitely/not/a/real/dir", fallback)
}
