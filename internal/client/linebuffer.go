package client

import "strings"

// LineBuffer emulates line editing for the line-oriented transport: the
// remote side only understands whole commands, so the current line, history
// recall, and echo all live here. Every method returns the exact byte
// sequence to paint on the screen; the buffer never touches the screen
// itself.
//
// History recall redraws by erasing the typed portion of the line and
// reprinting the recalled entry in full, never by diffing against what is
// on screen.
type LineBuffer struct {
	line    []rune
	history []string

	// historyIndex is -1 when not browsing history. The draft slot holds
	// whatever was typed before the first Up, so walking past the end of
	// history restores it exactly.
	historyIndex int
	draft        []rune

	// pendingEcho holds locally-echoed runes not yet seen back from the
	// remote stream. Reconcile consumes matching prefixes so a remote echo
	// does not double-print what the user already sees.
	pendingEcho []rune
}

func NewLineBuffer() *LineBuffer {
	return &LineBuffer{historyIndex: -1}
}

// Line returns the current in-progress line.
func (b *LineBuffer) Line() string { return string(b.line) }

// History returns the submitted command history, oldest first.
func (b *LineBuffer) History() []string {
	out := make([]string, len(b.history))
	copy(out, b.history)
	return out
}

// Insert appends a printable rune and returns its local echo.
func (b *LineBuffer) Insert(r rune) string {
	b.line = append(b.line, r)
	b.pendingEcho = append(b.pendingEcho, r)
	return string(r)
}

// Backspace removes the last rune. The echo is the destructive backspace
// sequence; on an empty line nothing happens and nothing is painted.
func (b *LineBuffer) Backspace() string {
	if len(b.line) == 0 {
		return ""
	}
	b.line = b.line[:len(b.line)-1]
	if n := len(b.pendingEcho); n > 0 {
		b.pendingEcho = b.pendingEcho[:n-1]
	}
	return "\b \b"
}

// Submit finalizes the current line. Non-blank lines are appended to
// history; the buffer and any history browsing state reset either way. The
// returned line is what the provider should execute.
func (b *LineBuffer) Submit() (line string, echo string) {
	line = string(b.line)
	if strings.TrimSpace(line) != "" {
		b.history = append(b.history, line)
	}
	b.line = nil
	b.draft = nil
	b.historyIndex = -1
	b.pendingEcho = nil
	return line, "\r\n"
}

// HistoryUp recalls the previous history entry. The first Up captures the
// in-progress line into the draft slot. At the oldest entry it stays put.
func (b *LineBuffer) HistoryUp() (echo string, ok bool) {
	if len(b.history) == 0 {
		return "", false
	}
	erase := b.eraseSeq()
	switch {
	case b.historyIndex == -1:
		b.draft = append([]rune(nil), b.line...)
		b.historyIndex = len(b.history) - 1
	case b.historyIndex > 0:
		b.historyIndex--
	default:
		return "", false
	}
	b.line = []rune(b.history[b.historyIndex])
	b.pendingEcho = nil
	return erase + string(b.line), true
}

// HistoryDown walks toward the present. Stepping past the newest entry
// restores the draft captured by the first Up.
func (b *LineBuffer) HistoryDown() (echo string, ok bool) {
	if b.historyIndex == -1 {
		return "", false
	}
	erase := b.eraseSeq()
	b.historyIndex++
	if b.historyIndex >= len(b.history) {
		b.historyIndex = -1
		b.line = b.draft
		b.draft = nil
	} else {
		b.line = []rune(b.history[b.historyIndex])
	}
	b.pendingEcho = nil
	return erase + string(b.line), true
}

// Interrupt clears the line, the draft, and any browsing state. History is
// kept. The echo shows the conventional ^C marker.
func (b *LineBuffer) Interrupt() string {
	b.line = nil
	b.draft = nil
	b.historyIndex = -1
	b.pendingEcho = nil
	return "^C\r\n"
}

// eraseSeq erases exactly the typed portion of the line, leaving the remote
// prompt intact: back the cursor up over what we printed, then clear to end
// of line.
func (b *LineBuffer) eraseSeq() string {
	if len(b.line) == 0 {
		return "\x1b[K"
	}
	return strings.Repeat("\b", len(b.line)) + "\x1b[K"
}

// Reconcile filters remote output against the pending local echo and
// returns what should reach the screen. Three rules:
//
//   - A rune matching the head of pendingEcho is the remote echo of a
//     keystroke already painted locally; it is consumed, not repainted. A
//     mismatch means the remote side echoes differently; the pending buffer
//     is dropped and output passes through from there.
//   - ANSI escape sequences pass through whole. A sequence is never split
//     against pendingEcho or interpreted as editing input.
//   - A line terminator resets pendingEcho (the echo of a submitted line is
//     moot once the remote starts a fresh line). Backspaces pass through and
//     shorten the tracked line; other C0 controls are dropped.
func (b *LineBuffer) Reconcile(remote string) string {
	var out strings.Builder
	runes := []rune(remote)
	for i := 0; i < len(runes); {
		r := runes[i]

		if r == 0x1b {
			j := escapeEnd(runes, i)
			out.WriteString(string(runes[i:j]))
			i = j
			continue
		}

		if len(b.pendingEcho) > 0 {
			if r == b.pendingEcho[0] {
				b.pendingEcho = b.pendingEcho[1:]
				i++
				continue
			}
			b.pendingEcho = nil
		}

		switch {
		case r == '\r' || r == '\n':
			b.pendingEcho = nil
			out.WriteRune(r)
		case r == '\b' || r == 0x7f:
			if len(b.line) > 0 {
				b.line = b.line[:len(b.line)-1]
			}
			out.WriteRune('\b')
		case r < 0x20:
			// other C0 controls are noise on a line-oriented stream
		default:
			out.WriteRune(r)
		}
		i++
	}
	return out.String()
}

// escapeEnd returns the index one past the ANSI escape sequence starting at
// runes[i]. CSI sequences end at a final byte in 0x40..0x7e; OSC sequences
// end at BEL or ST; anything else is a two-rune sequence.
func escapeEnd(runes []rune, i int) int {
	if i+1 >= len(runes) {
		return len(runes)
	}
	switch runes[i+1] {
	case '[':
		for j := i + 2; j < len(runes); j++ {
			if runes[j] >= 0x40 && runes[j] <= 0x7e {
				return j + 1
			}
		}
		return len(runes)
	case ']':
		for j := i + 2; j < len(runes); j++ {
			if runes[j] == 0x07 {
				return j + 1
			}
			if runes[j] == 0x1b && j+1 < len(runes) && runes[j+1] == '\\' {
				return j + 2
			}
		}
		return len(runes)
	default:
		return i + 2
	}
}
