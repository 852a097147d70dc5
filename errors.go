// errors.go: script error taxonomy and user-facing error rendering
//
// Two layers of errors exist in the runtime:
//
//  1. In-language errors are *values* (Value with Tag==VTError). They flow
//     through expression evaluation like any other value until an assignment,
//     a `throw`, or an uncaught statement result forces a control-flow unwind
//     towards the nearest `try` frame.
//
//  2. Host-facing errors are *ScriptError, a plain Go error carrying the code,
//     the message and (when known) the source position.
//
// WrapErrorWithSource renders a caret-annotated snippet for terminals and logs:
//
//	SYNTAX ERROR in main at 3:12: missing ')'
//
//	   2 | var x = (1 + 2
//	   3 |              ;
//	     |            ^
//	   4 | log(5, x)
//
// The snippet includes up to one line of context before and after the error,
// numbers the lines, and places a caret under the 1-based column.
package p44script

import (
	"fmt"
	"strings"
)

// ScriptErrorDomain identifies errors produced by the script runtime itself,
// as opposed to errors a host collaborator wraps into error values.
const ScriptErrorDomain = "ScriptError"

// ErrorCode enumerates every error the runtime can produce. Codes below
// ErrSyntax are catchable by an in-language `try`; ErrSyntax and above are
// fatal and always terminate the thread that raised them.
type ErrorCode int

const (
	ErrNone ErrorCode = iota

	// catchable
	ErrUser            // thrown by script code
	ErrDivisionByZero  //
	ErrCyclicReference //
	ErrInvalid         // invalid value or argument
	ErrNotFound        // unknown variable or member
	ErrNotCreated      // member could not be created
	ErrImmutable       // attempt to write a read-only member
	ErrNotCallable     // attempt to call a non-executable value
	ErrNotLvalue       // attempt to assign to a non-lvalue
	ErrNoPrivilege     // operation not allowed for this context
	ErrBusy            // resource (lock, thread slot) not available
	ErrTimeout         // await or lock wait timed out

	// fatal, not catchable
	ErrSyntax          // source does not parse
	ErrAborted         // thread was aborted from outside
	ErrAsyncNotAllowed // async builtin called in a synchronous evaluation
	ErrInternal        // runtime inconsistency
)

var errorCodeNames = map[ErrorCode]string{
	ErrNone:            "OK",
	ErrUser:            "User",
	ErrDivisionByZero:  "DivisionByZero",
	ErrCyclicReference: "CyclicReference",
	ErrInvalid:         "Invalid",
	ErrNotFound:        "NotFound",
	ErrNotCreated:      "NotCreated",
	ErrImmutable:       "Immutable",
	ErrNotCallable:     "NotCallable",
	ErrNotLvalue:       "NotLvalue",
	ErrNoPrivilege:     "NoPrivilege",
	ErrBusy:            "Busy",
	ErrSyntax:          "Syntax",
	ErrAborted:         "Aborted",
	ErrTimeout:         "Timeout",
	ErrAsyncNotAllowed: "AsyncNotAllowed",
	ErrInternal:        "Internal",
}

// Name returns the symbolic name of the code (e.g. "DivisionByZero").
func (c ErrorCode) Name() string {
	if n, ok := errorCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Catchable reports whether an in-language `try` may intercept this error.
func (c ErrorCode) Catchable() bool { return c > ErrNone && c < ErrSyntax }

// SourcePos is a user-facing source location. Line and Col are 1-based;
// a zero SourcePos means "position unknown".
type SourcePos struct {
	Label string // origin label of the source container
	Line  int
	Col   int
}

func (p SourcePos) String() string {
	if p.Line == 0 {
		return p.Label
	}
	if p.Label == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Col)
	}
	return fmt.Sprintf("%s:%d:%d", p.Label, p.Line, p.Col)
}

// ScriptError is the host-facing error type. It also serves as the payload of
// in-language error values (Tag==VTError).
type ScriptError struct {
	Code ErrorCode
	Msg  string
	Pos  SourcePos
}

func (e *ScriptError) Error() string {
	if e.Pos.Line > 0 {
		return fmt.Sprintf("%s (%s) at %s: %s", e.Code.Name(), ScriptErrorDomain, e.Pos, e.Msg)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code.Name(), ScriptErrorDomain, e.Msg)
}

// Domain returns the error domain, always ScriptErrorDomain for runtime errors.
func (e *ScriptError) Domain() string { return ScriptErrorDomain }

func newScriptError(code ErrorCode, format string, args ...any) *ScriptError {
	return &ScriptError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

/* ===========================
   PUBLIC API
   =========================== */

// WrapErrorWithSource returns an error augmented with a caret-annotated
// snippet of the provided source. It recognizes *ScriptError with a known
// position and leaves other errors untouched.
func WrapErrorWithSource(err error, src string) error {
	return WrapErrorWithName(err, "", src)
}

// WrapErrorWithName is WrapErrorWithSource with an explicit source name used
// in the snippet header ("SYNTAX ERROR in <name> at ...").
func WrapErrorWithName(err error, srcName string, src string) error {
	se, ok := err.(*ScriptError)
	if !ok || se.Pos.Line == 0 {
		return err
	}
	header := strings.ToUpper(se.Code.Name()) + " ERROR"
	if se.Code == ErrSyntax {
		header = "SYNTAX ERROR"
	}
	return fmt.Errorf("%s", prettyErrorStringLabeled(src, header, srcName, se.Pos.Line, se.Pos.Col, se.Msg))
}

//// END_OF_PUBLIC

/* ===========================
   PRIVATE: snippet rendering
   =========================== */

// prettyErrorStringLabeled renders a numbered excerpt of src around the
// error line, placing a caret under the 1-based column. Out-of-range
// coordinates are clamped into the source.
func prettyErrorStringLabeled(src, header, name string, line, col int, msg string) string {
	lines := strings.Split(src, "\n")
	if line < 1 {
		line = 1
	} else if line > len(lines) {
		line = len(lines)
	}
	if col < 1 {
		col = 1
	}

	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "%s in %s at %d:%d: %s\n\n", header, name, line, col, msg)
	} else {
		fmt.Fprintf(&b, "%s at %d:%d: %s\n\n", header, line, col, msg)
	}
	first, last := line-1, line+1
	if first < 1 {
		first = 1
	}
	if last > len(lines) {
		last = len(lines)
	}
	for n := first; n <= last; n++ {
		fmt.Fprintf(&b, "%4d | %s\n", n, lines[n-1])
		if n == line {
			fmt.Fprintf(&b, "     | %s^\n", strings.Repeat(" ", col-1))
		}
	}
	return b.String()
}
