// Package audit provides a unified helper for recording terminal session
// audit events.
//
// Events go to the structured log under a fixed "audit" marker so operators
// can filter them into long-term storage. A failure to record is never
// allowed to break the operation being audited.
package audit

import "github.com/rs/zerolog"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry holds all fields for a single audit record. A named struct avoids the
// swap-bug risk of a long positional parameter list.
type Entry struct {
	// Action is a dot-namespaced verb, e.g. "terminal.connect".
	Action string
	// SessionID is the session the action targeted, when applicable.
	SessionID string
	// Status is StatusSuccess or StatusFailed.
	Status string
	// IP is the client's source address.
	IP string
	// BytesIn / BytesOut are transfer totals for disconnect events.
	BytesIn  int64
	BytesOut int64
	// Detail is optional extra context (error text, shell path).
	Detail map[string]any
}

// Write records one audit event.
func Write(log zerolog.Logger, entry Entry) {
	ev := log.Info().
		Str("audit", entry.Action).
		Str("status", entry.Status)
	if entry.SessionID != "" {
		ev = ev.Str("session_id", entry.SessionID)
	}
	if entry.IP != "" {
		ev = ev.Str("ip", entry.IP)
	}
	if entry.BytesIn > 0 || entry.BytesOut > 0 {
		ev = ev.Int64("bytes_in", entry.BytesIn).Int64("bytes_out", entry.BytesOut)
	}
	if entry.Detail != nil {
		ev = ev.Interface("detail", entry.Detail)
	}
	ev.Msg("audit event")
}
