package script

import (
	"fmt"
	"strings"
)

// Builder accumulates script statements in order.
type Builder struct {
	lines  []string
	indent int
}

func New() *Builder { return &Builder{} }

// Line appends a single statement at the current indentation.
func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, strings.Repeat("    ", b.indent)+s)
	return b
}

func (b *Builder) Linef(format string, args ...any) *Builder {
	return b.Line(fmt.Sprintf(format, args...))
}

func (b *Builder) Blank() *Builder {
	b.lines = append(b.lines, "")
	return b
}

// Raw appends text verbatim, ignoring indentation. A trailing newline in s
// does not produce an extra empty statement.
func (b *Builder) Raw(s string) *Builder {
	b.lines = append(b.lines, strings.TrimSuffix(s, "\n"))
	return b
}

// Indent runs fn with statements nested one level deeper.
func (b *Builder) Indent(fn func(*Builder)) *Builder {
	b.indent++
	fn(b)
	b.indent--
	return b
}

func (b *Builder) Len() int { return len(b.lines) }

// String joins the statements, always ending with a newline.
func (b *Builder) String() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

// PyString renders s as a single-quoted Python string literal.
func PyString(s string) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

// PyTripleString renders s as a ''' literal that evaluates back to s exactly.
// Every quote is escaped so that no run of quotes in s closes the literal.
func PyTripleString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'''" + s + "'''"
}
