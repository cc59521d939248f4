// Package jsonlenient repairs the mildly-malformed JSON that an LLM's
// incrementally-streamed tool_use `partial_json` sometimes accumulates into
// (trailing commas, single-quoted strings) before handing it to
// encoding/json. The trailing-comma pattern uses a lookahead, which Go's
// stdlib regexp (RE2) does not support, so this uses dlclark/regexp2 instead
// — already present in the teacher's own dependency graph as tiktoken-go's
// transitive BPE tokenizer.
package jsonlenient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// trailingComma matches a comma followed by only whitespace and then a
// closing `}` or `]` - i.e. a comma with nothing but a closer after it.
var trailingComma = regexp2.MustCompile(`,(?=\s*[}\]])`, regexp2.None)

// Unmarshal parses raw into v, first attempting strict encoding/json, then
// falling back to a tolerant pass that strips trailing commas and
// normalizes single-quoted strings to double-quoted ones.
func Unmarshal(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	repaired, err := Repair(raw)
	if err != nil {
		return fmt.Errorf("jsonlenient: repair failed: %w", err)
	}

	return json.Unmarshal([]byte(repaired), v)
}

// Repair strips trailing commas before `}`/`]` and rewrites single-quoted
// strings to double-quoted strings. The quote rewrite leaves
// already-double-quoted strings untouched; the trailing-comma strip runs over
// the raw text and is not string-aware, so a `,}` or `,]` inside a string
// value is stripped as well.
func Repair(raw string) (string, error) {
	noTrailing, err := trailingComma.Replace(raw, "", -1, -1)
	if err != nil {
		return "", err
	}

	return normalizeQuotes(noTrailing), nil
}

// normalizeQuotes turns 'single quoted' JSON strings into "double quoted"
// ones, a single left-to-right scan that tracks whether we're inside a
// double-quoted string (where single quotes are left untouched) or a
// single-quoted one (where embedded double quotes are escaped).
func normalizeQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inDouble := false
	inSingle := false
	escaped := false

	for _, r := range s {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			b.WriteRune(r)
			escaped = true
		case inDouble:
			if r == '"' {
				inDouble = false
			}

			b.WriteRune(r)
		case inSingle:
			switch r {
			case '\'':
				inSingle = false
				b.WriteByte('"')
			case '"':
				b.WriteString(`\"`)
			default:
				b.WriteRune(r)
			}
		case r == '"':
			inDouble = true
			b.WriteRune(r)
		case r == '\'':
			inSingle = true
			b.WriteByte('"')
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
