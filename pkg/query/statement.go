package query

import (
	"fmt"
	"strings"
	"unicode"
)

// Statement is a literal query template whose :name placeholders have been
// rewritten to positional ? markers.
type Statement struct {
	Text  string
	SQL   string
	Names []string
}

// CompileStatement rewrites placeholders and checks them against params.
// Placeholders inside quoted literals and :: casts are left alone. Every
// placeholder must name a declared parameter and every declared parameter
// must be used.
func CompileStatement(text string, params []string) (*Statement, error) {
	declared := make(map[string]bool, len(params))
	for _, p := range params {
		if declared[p] {
			return nil, &UnboundParameterError{Parameter: p, Reason: "declared more than once"}
		}
		declared[p] = true
	}

	st := &Statement{Text: text}
	var b strings.Builder
	runes := []rune(text)
	var quote rune
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteRune(r)
		case r == '\'' || r == '"' || r == '`':
			quote = r
			b.WriteRune(r)
		case r == ':' && i+1 < len(runes) && runes[i+1] == ':':
			b.WriteString("::")
			i++
		case r == ':' && i+1 < len(runes) && isIdentStart(runes[i+1]):
			j := i + 1
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			name := string(runes[i+1 : j])
			st.Names = append(st.Names, name)
			b.WriteRune('?')
			i = j - 1
		default:
			b.WriteRune(r)
		}
	}
	st.SQL = b.String()

	used := make(map[string]bool, len(st.Names))
	for _, name := range st.Names {
		if !declared[name] {
			return nil, &UnboundParameterError{Parameter: name, Reason: "placeholder has no declared parameter"}
		}
		used[name] = true
	}
	for _, p := range params {
		if !used[p] {
			return nil, &UnboundParameterError{Parameter: p, Reason: "parameter is not referenced by the statement"}
		}
	}
	return st, nil
}

// Bind orders call arguments, given in params order, by placeholder appearance
func (s *Statement) Bind(params []string, args []any) ([]any, error) {
	if len(args) != len(params) {
		return nil, fmt.Errorf("%w: statement expects %d arguments, got %d", ErrArgumentCount, len(params), len(args))
	}
	index := make(map[string]int, len(params))
	for i, p := range params {
		index[p] = i
	}
	out := make([]any, len(s.Names))
	for i, name := range s.Names {
		out[i] = args[index[name]]
	}
	return out, nil
}

func (s *Statement) String() string {
	return s.Text
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
