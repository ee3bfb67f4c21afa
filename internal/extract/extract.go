// Package extract pulls a single SQL statement out of raw model output.
package extract

import (
	"errors"
	"strings"
)

// ErrNoStatement is returned when the model output contains nothing
// that looks like a SQL statement.
var ErrNoStatement = errors.New("no SQL statement found in model output")

// Extract returns the candidate SQL from a model completion. Fenced
// code blocks win over free text. In free text the statement starts at
// the first SELECT or WITH keyword and runs to the first top-level
// semicolon, honoring quotes and comments.
func Extract(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrNoStatement
	}

	if fenced, ok := fencedBlock(trimmed); ok {
		fenced = strings.TrimSpace(fenced)
		if fenced == "" {
			return "", ErrNoStatement
		}
		return fenced, nil
	}

	start := statementStart(trimmed)
	if start < 0 {
		return "", ErrNoStatement
	}
	candidate := trimmed[start:]
	if end := topLevelSemicolon(candidate); end >= 0 {
		candidate = candidate[:end]
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", ErrNoStatement
	}
	return candidate, nil
}

// fencedBlock returns the body of the first ``` fence, preferring a
// fence tagged sql when several are present.
func fencedBlock(content string) (string, bool) {
	var first string
	var haveFirst bool

	rest := content
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			break
		}
		rest = rest[open+3:]
		newline := strings.IndexByte(rest, '\n')
		if newline < 0 {
			break
		}
		tag := strings.ToLower(strings.TrimSpace(rest[:newline]))
		body := rest[newline+1:]
		closing := strings.Index(body, "```")
		if closing < 0 {
			body = strings.TrimSpace(body)
			if !haveFirst && body != "" {
				first, haveFirst = body, true
			}
			break
		}
		block := body[:closing]
		rest = body[closing+3:]
		if tag == "sql" {
			return block, true
		}
		if !haveFirst {
			first, haveFirst = block, true
		}
	}
	return first, haveFirst
}

// statementStart finds the first SELECT or WITH keyword outside of any
// word, so identifiers like "selection" do not match.
func statementStart(content string) int {
	lower := strings.ToLower(content)
	best := -1
	for _, keyword := range []string{"select", "with"} {
		offset := 0
		for {
			idx := strings.Index(lower[offset:], keyword)
			if idx < 0 {
				break
			}
			pos := offset + idx
			if isWordBoundary(lower, pos, len(keyword)) {
				if best < 0 || pos < best {
					best = pos
				}
				break
			}
			offset = pos + len(keyword)
		}
	}
	return best
}

func isWordBoundary(s string, pos, length int) bool {
	if pos > 0 && isWordByte(s[pos-1]) {
		return false
	}
	end := pos + length
	if end < len(s) && isWordByte(s[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('0' <= b && b <= '9')
}

// topLevelSemicolon returns the index of the first semicolon that is
// not inside a string literal, quoted identifier, or comment.
func topLevelSemicolon(sql string) int {
	const (
		stateNone = iota
		stateSingle
		stateDouble
		stateLineComment
		stateBlockComment
	)
	state := stateNone
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch state {
		case stateNone:
			switch {
			case c == ';':
				return i
			case c == '\'':
				state = stateSingle
			case c == '"':
				state = stateDouble
			case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
				state = stateLineComment
				i++
			case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
				state = stateBlockComment
				i++
			}
		case stateSingle:
			if c == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					i++
				} else {
					state = stateNone
				}
			}
		case stateDouble:
			if c == '"' {
				state = stateNone
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNone
			}
		case stateBlockComment:
			if c == '*' && i+1 < len(sql) && sql[i+1] == '/' {
				state = stateNone
				i++
			}
		}
	}
	return -1
}
