package progress

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Kind is the type of a progress event.
type Kind int

const (
	KindUnknown Kind = iota
	KindTotalPages
	KindPageCompleted
	KindWarning
	KindError
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindTotalPages:
		return "total_pages"
	case KindPageCompleted:
		return "page_completed"
	case KindWarning:
		return "warning"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Terminal reports whether an event of this kind ends stream consumption.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

// Event is one decoded line of sandbox output.
type Event struct {
	Kind Kind
	// Number is the page count for KindTotalPages and the 1-based page index
	// for KindPageCompleted.
	Number int
	// Text is the message of warning and error events.
	Text string
	// Payload carries inline page data, base64 encoded, when the backend has
	// no shared output directory.
	Payload string
}

// Line keywords.
const (
	keywordPages   = "pages"
	keywordPage    = "page"
	keywordWarning = "warning"
	keywordError   = "error"
	keywordDone    = "done"
)

// ParseLine decodes one line of the progress stream. Unrecognized lines
// return ok=false and must be skipped. A recognized line with a malformed
// number decodes to a warning event.
func ParseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	keyword, rest := cutSpace(line)

	switch keyword {
	case keywordPages:
		n, err := parsePositive(rest)
		if err != nil {
			return malformed(line, err), true
		}
		return Event{Kind: KindTotalPages, Number: n}, true

	case keywordPage:
		index, payload := cutSpace(rest)
		n, err := parsePositive(index)
		if err != nil {
			return malformed(line, err), true
		}
		return Event{Kind: KindPageCompleted, Number: n, Payload: payload}, true

	case keywordWarning:
		return Event{Kind: KindWarning, Text: rest}, true

	case keywordError:
		return Event{Kind: KindError, Text: rest}, true

	case keywordDone:
		if rest != "" {
			return Event{}, false
		}
		return Event{Kind: KindDone}, true

	default:
		return Event{}, false
	}
}

// cutSpace splits s at its first run of whitespace.
func cutSpace(s string) (head, tail string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func parsePositive(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("missing number")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("number %d out of range", n)
	}
	return n, nil
}

func malformed(line string, err error) Event {
	const maxEcho = 64
	if len(line) > maxEcho {
		line = line[:maxEcho] + "..."
	}
	return Event{Kind: KindWarning, Text: fmt.Sprintf("malformed progress line %q: %v", line, err)}
}
