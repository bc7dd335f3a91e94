package script

import (
	"fmt"
	"strings"
	"testing"
)

func TestBuilderOrder(t *testing.T) {
	b := New()
	b.Line("import os").
		Linef("x = %d", 1).
		Blank().
		Line("with open('f') as f:").
		Indent(func(b *Builder) {
			b.Line("f.read()")
		}).
		Raw("tail\n")
	want := "import os\nx = 1\n\nwith open('f') as f:\n    f.read()\ntail\n"
	if got := b.String(); got != want {
		t.Fatalf("unexpected script:\n%q\nwant\n%q", got, want)
	}
	if b.Len() != 6 {
		t.Fatalf("expected 6 statements, got %d", b.Len())
	}
}

func TestBuilderEmpty(t *testing.T) {
	if s := New().String(); s != "" {
		t.Fatalf("expected empty script, got %q", s)
	}
}

func TestPyString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "abc", `'abc'`},
		{"quote", `it's`, `'it\'s'`},
		{"backslash", `a\b`, `'a\\b'`},
		{"newline", "a\nb", `'a\nb'`},
		{"json", `{"k": "v"}`, `'{"k": "v"}'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PyString(tt.in); got != tt.want {
				t.Errorf("PyString(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

// evalTriple decodes a ''' literal the way Python does for the escapes
// PyTripleString emits, and fails if the literal would end early.
func evalTriple(lit string) (string, error) {
	const q = "'''"
	if !strings.HasPrefix(lit, q) || !strings.HasSuffix(lit, q) || len(lit) < 6 {
		return "", fmt.Errorf("not a triple-quoted literal: %s", lit)
	}
	body := lit[3 : len(lit)-3]
	var sb strings.Builder
	for i := 0; i < len(body); i++ {
		switch c := body[i]; c {
		case '\\':
			if i+1 == len(body) {
				return "", fmt.Errorf("backslash escapes the closing quotes")
			}
			i++
			switch body[i] {
			case '\\', '\'':
				sb.WriteByte(body[i])
			case '\n':
			default:
				sb.WriteByte('\\')
				sb.WriteByte(body[i])
			}
		case '\'':
			// Three quotes, or a run reaching the closing delimiter, end the literal.
			if strings.HasPrefix(body[i:], q) || strings.Trim(body[i:], "'") == "" {
				return "", fmt.Errorf("literal terminated at offset %d", i)
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

func TestPyTripleString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "print(1)\n", "'''print(1)\n'''"},
		{"quotes", "y = 'a'", `'''y = \'a\''''`},
		{"backslash", `s = "\n"`, `'''s = "\\n"'''`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PyTripleString(tt.in); got != tt.want {
				t.Errorf("PyTripleString(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestPyTripleStringEvaluatesBack(t *testing.T) {
	for _, in := range []string{
		"print(1)\n",
		"y = 'a'",
		"x = '''a'''",
		"x = '''a'''\n",
		"s = '''",
		"'",
		"''",
		"''''",
		`path = "C:\\tmp\\"`,
		"a\\",
		"line\\\nnext",
		"",
	} {
		lit := PyTripleString(in)
		got, err := evalTriple(lit)
		if err != nil {
			t.Errorf("PyTripleString(%q) = %s: %v", in, lit, err)
			continue
		}
		if got != in {
			t.Errorf("PyTripleString(%q) = %s evaluates to %q", in, lit, got)
		}
	}
}
