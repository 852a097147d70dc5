// source.go: immutable source text and the copyable scanning cursor
//
// A SourceContainer holds one immutable script text. SourceCursor is a cheap
// value type (container pointer + byte offset + line/col) that the source
// processor copies freely to remember positions: loop back-edges, try-clause
// re-scans and compiled artifacts all re-enter code through a saved cursor
// without any re-parsing. A cursor never mutates source text.
//
// All low-level lexical work (whitespace and comment skipping, identifier,
// numeric and string literal scanning) lives on the cursor so that the
// compiler and running threads share the exact same tokenization.
package p44script

import (
	"strconv"
	"strings"
)

// SourceContainer is one immutable piece of script source.
type SourceContainer struct {
	// Label identifies the source origin in error messages ("main", a file
	// name, "repl", ...).
	Label string
	// Source is the script text. Never mutated; edits create a new container.
	Source string

	host *ScriptHost // optional backlink for artifact invalidation
}

// NewSourceContainer wraps source text for scanning and execution.
func NewSourceContainer(label, source string) *SourceContainer {
	return &SourceContainer{Label: label, Source: source}
}

// Host returns the ScriptHost this source belongs to, or nil for ad-hoc text.
func (s *SourceContainer) Host() *ScriptHost { return s.host }

// SourceCursor is a position within a SourceContainer. The zero cursor is
// invalid; obtain cursors via (*SourceContainer).BeginningOfSource or by
// copying an existing one.
type SourceCursor struct {
	container *SourceContainer
	pos       int // byte offset into container.Source
	line      int // 1-based
	col       int // 0-based within line
}

// BeginningOfSource returns a cursor at offset 0.
func (s *SourceContainer) BeginningOfSource() SourceCursor {
	return SourceCursor{container: s, line: 1}
}

// Valid reports whether the cursor points into a container.
func (c SourceCursor) Valid() bool { return c.container != nil }

// Offset returns the byte offset, unique per container. Used as the key for
// frozen trigger sub-results.
func (c SourceCursor) Offset() int { return c.pos }

// Pos returns the user-facing position (1-based line and column).
func (c SourceCursor) Pos() SourcePos {
	label := ""
	if c.container != nil {
		label = c.container.Label
	}
	return SourcePos{Label: label, Line: c.line, Col: c.col + 1}
}

// EOT reports end of text.
func (c SourceCursor) EOT() bool {
	return c.container == nil || c.pos >= len(c.container.Source)
}

// current returns the byte at the cursor, or 0 at EOT.
func (c SourceCursor) current() byte { return c.charAt(0) }

// charAt returns the byte at cursor+offset, or 0 when out of range.
func (c SourceCursor) charAt(offset int) byte {
	if c.container == nil {
		return 0
	}
	i := c.pos + offset
	if i < 0 || i >= len(c.container.Source) {
		return 0
	}
	return c.container.Source[i]
}

// next advances the cursor by one byte, tracking line and column.
func (c *SourceCursor) next() {
	if c.EOT() {
		return
	}
	if c.container.Source[c.pos] == '\n' {
		c.line++
		c.col = 0
	} else {
		c.col++
	}
	c.pos++
}

// advance moves the cursor forward n bytes.
func (c *SourceCursor) advance(n int) {
	for i := 0; i < n && !c.EOT(); i++ {
		c.next()
	}
}

// nextIf consumes ch when it is the current byte.
func (c *SourceCursor) nextIf(ch byte) bool {
	if c.current() == ch {
		c.next()
		return true
	}
	return false
}

// skipNonCode skips whitespace, line comments (//) and block comments.
func (c *SourceCursor) skipNonCode() {
	for !c.EOT() {
		ch := c.current()
		switch {
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n':
			c.next()
		case ch == '/' && c.charAt(1) == '/':
			for !c.EOT() && c.current() != '\n' {
				c.next()
			}
		case ch == '/' && c.charAt(1) == '*':
			c.advance(2)
			for !c.EOT() && !(c.current() == '*' && c.charAt(1) == '/') {
				c.next()
			}
			c.advance(2)
		default:
			return
		}
	}
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

// checkForIdentifier returns the identifier starting at the cursor without
// consuming it.
func (c SourceCursor) checkForIdentifier() (string, bool) {
	if !isIdentStart(c.current()) {
		return "", false
	}
	end := 0
	for isIdentChar(c.charAt(end)) {
		end++
	}
	return c.container.Source[c.pos : c.pos+end], true
}

// parseIdentifier consumes and returns the identifier at the cursor.
func (c *SourceCursor) parseIdentifier() (string, bool) {
	id, ok := c.checkForIdentifier()
	if !ok {
		return "", false
	}
	c.advance(len(id))
	return id, true
}

// parseNumericLiteral consumes a decimal or 0x-hex literal. All numbers are
// float64-backed values.
func (c *SourceCursor) parseNumericLiteral() (Value, *ScriptError) {
	start := c.pos
	if c.current() == '0' && (c.charAt(1) == 'x' || c.charAt(1) == 'X') {
		c.advance(2)
		for isHexDigit(c.current()) {
			c.next()
		}
		n, err := strconv.ParseUint(c.container.Source[start+2:c.pos], 16, 64)
		if err != nil {
			return Null, newScriptError(ErrSyntax, "invalid hex number")
		}
		return NumVal(float64(n)), nil
	}
	seenDot := false
	seenExp := false
	for {
		ch := c.current()
		if isDigit(ch) {
			c.next()
			continue
		}
		if ch == '.' && !seenDot && !seenExp && isDigit(c.charAt(1)) {
			seenDot = true
			c.next()
			continue
		}
		if (ch == 'e' || ch == 'E') && !seenExp && (isDigit(c.charAt(1)) ||
			((c.charAt(1) == '+' || c.charAt(1) == '-') && isDigit(c.charAt(2)))) {
			seenExp = true
			c.next()
			c.next()
			continue
		}
		break
	}
	// trailing dot as in "5." (but not "5..", member access on numbers is
	// not a thing anyway)
	if c.current() == '.' && !seenDot && !seenExp && !isIdentStart(c.charAt(1)) && c.charAt(1) != '.' {
		seenDot = true
		c.next()
	}
	txt := c.container.Source[start:c.pos]
	f, err := strconv.ParseFloat(txt, 64)
	if err != nil {
		return Null, newScriptError(ErrSyntax, "invalid number %q", txt)
	}
	return NumVal(f), nil
}

func isHexDigit(ch byte) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

// parseStringLiteral consumes a string literal. Double-quoted strings support
// backslash escapes; single-quoted strings are verbatim except that a doubled
// quote stands for one quote.
func (c *SourceCursor) parseStringLiteral() (Value, *ScriptError) {
	delim := c.current()
	if delim != '"' && delim != '\'' {
		return Null, newScriptError(ErrSyntax, "expected string literal")
	}
	c.next()
	var b strings.Builder
	for {
		if c.EOT() {
			return Null, newScriptError(ErrSyntax, "unterminated string")
		}
		ch := c.current()
		if ch == delim {
			c.next()
			if delim == '\'' && c.current() == '\'' {
				// doubled quote inside single-quoted string
				b.WriteByte('\'')
				c.next()
				continue
			}
			return StrVal(b.String()), nil
		}
		if delim == '"' && ch == '\\' {
			c.next()
			esc := c.current()
			c.next()
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case '\\', '"', '\'':
				b.WriteByte(esc)
			case 'x':
				h := ""
				for isHexDigit(c.current()) && len(h) < 2 {
					h += string(c.current())
					c.next()
				}
				if h == "" {
					return Null, newScriptError(ErrSyntax, "invalid \\x escape")
				}
				n, _ := strconv.ParseUint(h, 16, 8)
				b.WriteByte(byte(n))
			default:
				return Null, newScriptError(ErrSyntax, "unknown escape '\\%c'", esc)
			}
			continue
		}
		b.WriteByte(ch)
		c.next()
	}
}
