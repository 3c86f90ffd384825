package config

import (
	"fmt"
	"strings"
	"unicode"
)

// SplitQuotedFields splits in around white space like strings.Fields, but
// white space between two quote characters belongs to the field. Inside
// quotes a backslash escapes the next character, so '\'' is a single
// quote. An empty pair of quotes is an empty field.
func SplitQuotedFields(in string, quote rune) ([]string, error) {
	var (
		r       = []string{}
		field   strings.Builder
		started bool
		quoted  bool
		escaped bool
	)
	for _, ch := range in {
		switch {
		case escaped:
			field.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == quote:
			quoted = !quoted
			started = true
		case quoted:
			field.WriteRune(ch)
		case unicode.IsSpace(ch):
			if started {
				r = append(r, field.String())
				field.Reset()
				started = false
			}
		default:
			field.WriteRune(ch)
			started = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated %c in %q", quote, in)
	}
	if started {
		r = append(r, field.String())
	}
	return r, nil
}

// Split2PartsBySpace splits s at the first space, for commands like
// "config max-string-len 64" whose argument may itself contain spaces.
func Split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}
