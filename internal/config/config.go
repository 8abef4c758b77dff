// Package config loads termhub configuration from the environment.
//
// Configuration is split in two: Server settings are read once at startup,
// while the session Policy (feature flag, capacity, token, shell) is re-read
// from the environment on every session creation so operators can adjust it
// without restarting the server.
package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Server holds settings that are fixed for the lifetime of the process.
type Server struct {
	ListenAddr         string   `envconfig:"LISTEN_ADDR" default:":8090"`
	Env                string   `envconfig:"ENV" default:"development"`
	LogLevel           string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat          string   `envconfig:"LOG_FORMAT" default:"json"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`
}

// Policy holds the session-creation settings. Callers must obtain a fresh
// Policy for each createSession so environment changes take effect immediately.
type Policy struct {
	// Enabled gates the whole terminal feature. Off by default: spawning
	// shells on behalf of browser clients is opt-in.
	Enabled bool `envconfig:"ENABLED" default:"false"`
	// MaxSessions caps concurrently live sessions.
	MaxSessions int `envconfig:"MAX_SESSIONS" default:"10"`
	// AccessToken, when set, must accompany every transport handshake.
	AccessToken string `envconfig:"ACCESS_TOKEN" default:""`
	// DefaultShell overrides platform shell detection.
	DefaultShell string `envconfig:"DEFAULT_SHELL" default:""`
	// EnvAllowlist is the comma-separated list of environment variable name
	// patterns forwarded to spawned shells. A trailing '*' matches a prefix.
	// Anything not matched (API tokens in particular) is never inherited.
	EnvAllowlist []string `envconfig:"ENV_ALLOWLIST" default:"PATH,HOME,USER,LOGNAME,SHELL,TERM,LANG,LANGUAGE,LC_*,TZ,TMPDIR,COLORTERM"`
}

// LoadServer reads the process-lifetime settings. A .env file in the working
// directory is honored if present.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	var cfg Server
	if err := envconfig.Process("TERMHUB", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPolicy reads the current session policy from the environment.
func LoadPolicy() (*Policy, error) {
	var p Policy
	if err := envconfig.Process("TERMHUB", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EnvAllowed reports whether the environment variable name matches any
// allowlist pattern. Patterns are exact names or prefix globs like "LC_*".
func (p *Policy) EnvAllowed(name string) bool {
	for _, pat := range p.EnvAllowlist {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(pat, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == pat {
			return true
		}
	}
	return false
}
