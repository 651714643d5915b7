package sandbox

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrorKind classifies a terminal conversion failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAvailability
	KindImageInstallation
	KindImageVerification
	KindPageCountExceeded
	KindConversionProcess
	KindConversionTimeout
	KindAssembly
)

func (k ErrorKind) String() string {
	switch k {
	case KindAvailability:
		return "AvailabilityError"
	case KindImageInstallation:
		return "ImageInstallationError"
	case KindImageVerification:
		return "ImageVerificationError"
	case KindPageCountExceeded:
		return "PageCountExceededError"
	case KindConversionProcess:
		return "ConversionProcessError"
	case KindConversionTimeout:
		return "ConversionTimeoutError"
	case KindAssembly:
		return "AssemblyError"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is matching against a kind.
var (
	ErrAvailability      = errors.New("sandbox backend is not available")
	ErrImageInstallation = errors.New("sandbox image could not be installed")
	ErrImageVerification = errors.New("sandbox image is not present after installation")
	ErrPageCountExceeded = errors.New("document exceeds the conversion limits")
	ErrConversionProcess = errors.New("sandbox process failed")
	ErrConversionTimeout = errors.New("sandbox process timed out")
	ErrAssembly          = errors.New("page artifacts could not be assembled")
)

var sentinels = map[ErrorKind]error{
	KindAvailability:      ErrAvailability,
	KindImageInstallation: ErrImageInstallation,
	KindImageVerification: ErrImageVerification,
	KindPageCountExceeded: ErrPageCountExceeded,
	KindConversionProcess: ErrConversionProcess,
	KindConversionTimeout: ErrConversionTimeout,
	KindAssembly:          ErrAssembly,
}

// MaxDiagnosticLen bounds the diagnostic text carried by an Error.
const MaxDiagnosticLen = 4096

// Error is a typed sandbox failure.
type Error struct {
	Kind ErrorKind
	// Op names the operation that failed, e.g. "install".
	Op string
	// Diagnostic is captured tool output, sanitized and truncated.
	Diagnostic string
	Err        error
}

// NewError builds an Error, sanitizing the diagnostic text.
func NewError(kind ErrorKind, op, diagnostic string, err error) *Error {
	return &Error{
		Kind:       kind,
		Op:         op,
		Diagnostic: sanitizeDiagnostic(diagnostic),
		Err:        err,
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Diagnostic != "" {
		b.WriteString(" (")
		b.WriteString(e.Diagnostic)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var sandboxErr *Error
	if errors.As(err, &sandboxErr) {
		return sandboxErr.Kind
	}
	return KindUnknown
}

// DiagnosticOf returns the diagnostic text of the first *Error in err's chain.
func DiagnosticOf(err error) string {
	var sandboxErr *Error
	if errors.As(err, &sandboxErr) {
		return sandboxErr.Diagnostic
	}
	return ""
}

func sanitizeDiagnostic(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if len(s) > MaxDiagnosticLen {
		cut := MaxDiagnosticLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "...(truncated)"
	}
	return s
}
