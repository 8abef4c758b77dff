// Package protocol defines the JSON frames exchanged on the bidirectional
// terminal transport. Both the server bridge and the Go client decode these,
// so they live in one place.
package protocol

// Client to server frame types.
const (
	TypeInput  = "input"
	TypeResize = "resize"
	TypePing   = "ping"
)

// Server to client frame types. Error frames carry operation failures
// (resize validation, write to a dead process) in-band so the client can
// render them without dropping the connection.
const (
	TypeConnected = "connected"
	TypeOutput    = "output"
	TypeExit      = "exit"
	TypePong      = "pong"
	TypeError     = "error"
)

// ClientFrame is a message from the browser or client library. Cols and Rows
// are float64 on purpose: JSON has no integer type and the server rejects
// fractional sizes with a specific message rather than silently rounding.
type ClientFrame struct {
	Type string  `json:"type"`
	Data string  `json:"data,omitempty"`
	Cols float64 `json:"cols,omitempty"`
	Rows float64 `json:"rows,omitempty"`
	TS   int64   `json:"ts,omitempty"`
}

// ServerFrame is a message to the client.
type ServerFrame struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	Shell      string `json:"shell,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Data       string `json:"data,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Signal     *int   `json:"signal,omitempty"`
	TS         int64  `json:"ts,omitempty"`
}
