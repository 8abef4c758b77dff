package terminal

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/inknote/termhub/internal/config"
)

// resolveShell picks the shell binary and its startup flags. Order: policy
// override, $SHELL, then common fallbacks. Flags follow the shell family so
// the user lands in a login + interactive shell with their usual rc files.
func resolveShell(policy *config.Policy) (string, []string) {
	shell := strings.TrimSpace(policy.DefaultShell)
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		for _, candidate := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
			if _, err := exec.LookPath(candidate); err == nil {
				shell = candidate
				break
			}
		}
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	switch filepath.Base(shell) {
	case "bash", "zsh", "fish":
		return shell, []string{"-i", "-l"}
	case "sh", "dash", "ash", "ksh":
		return shell, []string{"-l"}
	default:
		return shell, nil
	}
}

// buildEnv copies the host environment through the policy allowlist and pins
// the terminal type. The host process may hold API tokens and other secrets;
// those must never be visible to a shell the browser user can type into, so
// forwarding is allowlist-only.
func buildEnv(policy *config.Policy) []string {
	env := make([]string, 0, 16)
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if policy.EnvAllowed(name) {
			env = append(env, kv)
		}
	}
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	return env
}

// newShellCommand builds the exec.Cmd for a session's shell. The environment
// is the sanitized copy from buildEnv, never the raw host environment.
func newShellCommand(shell string, args []string, dir string, env []string) *exec.Cmd {
	cmd := exec.Command(shell, args...)
	cmd.Dir = dir
	cmd.Env = env
	return cmd
}

// resolveWorkingDir falls back to the home directory, then "/", when the
// caller did not supply a cwd or supplied one that does not exist.
func resolveWorkingDir(requested string) string {
	if requested != "" {
		if info, err := os.Stat(requested); err == nil && info.IsDir() {
			return requested
		}
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "/"
}
