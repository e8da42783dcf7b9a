package tools

import "strings"

// Default tool-call delimiters used when neither the model nor the service
// configures its own.
const (
	DefaultStartToken = "<tool_call>"
	DefaultEndToken   = "</tool_call>"
)

// Scanner splits a streamed response into tool-call payloads. Text is fed one
// event at a time; delimiters may be split across events.
type Scanner struct {
	start, end string

	inside bool
	window string
	cur    strings.Builder
	calls  []string
}

// NewScanner returns a scanner for the given delimiters. Empty delimiters fall
// back to the defaults.
func NewScanner(start, end string) *Scanner {
	if start == "" {
		start = DefaultStartToken
	}
	if end == "" {
		end = DefaultEndToken
	}
	return &Scanner{start: start, end: end}
}

// Inside reports whether the scanner is currently between a start and an end
// delimiter.
func (s *Scanner) Inside() bool { return s.inside }

func (s *Scanner) Feed(text string) {
	s.window += text
	for {
		if !s.inside {
			if i := strings.Index(s.window, s.start); i >= 0 {
				s.inside = true
				s.window = s.window[i+len(s.start):]
				s.cur.Reset()
				continue
			}
			// only a partial start delimiter can matter from here on
			if keep := len(s.start) - 1; len(s.window) > keep {
				s.window = s.window[len(s.window)-keep:]
			}
			return
		}
		if i := strings.Index(s.window, s.end); i >= 0 {
			s.cur.WriteString(s.window[:i])
			s.calls = append(s.calls, s.cur.String())
			s.cur.Reset()
			s.inside = false
			s.window = s.window[i+len(s.end):]
			continue
		}
		if keep := len(s.end) - 1; len(s.window) > keep {
			s.cur.WriteString(s.window[:len(s.window)-keep])
			s.window = s.window[len(s.window)-keep:]
		}
		return
	}
}

// Calls returns every payload seen so far. A call still open at the end of the
// stream is included with whatever text it collected.
func (s *Scanner) Calls() []string {
	out := append([]string(nil), s.calls...)
	if s.inside {
		out = append(out, s.cur.String()+s.window)
	}
	return out
}
