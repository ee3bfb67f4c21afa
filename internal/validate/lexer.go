package validate

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenNumber
	tokenString
	tokenPunct
)

type token struct {
	kind   tokenKind
	text   string
	lower  string
	quoted bool
}

// word reports whether the token is the given unquoted keyword. A
// quoted token is always an identifier, never a keyword.
func (t token) word(keyword string) bool {
	return t.kind == tokenWord && !t.quoted && t.lower == keyword
}

func (t token) reserved() bool {
	return t.kind == tokenWord && !t.quoted && sqlKeywords[t.lower]
}

// sqlKeywords lists words the identifier pass must not mistake for
// column references.
var sqlKeywords = func() map[string]bool {
	words := []string{
		"select", "from", "where", "group", "by", "order", "having",
		"limit", "offset", "fetch", "next", "only", "join", "inner",
		"left", "right", "full", "outer", "cross", "lateral", "natural",
		"on", "using", "as", "and", "or", "not", "in", "is", "null",
		"like", "ilike", "similar", "between", "case", "when", "then",
		"else", "end", "distinct", "union", "intersect", "except",
		"all", "any", "some", "exists", "with", "recursive", "asc",
		"desc", "nulls", "first", "last", "collate", "cast", "interval",
		"true", "false", "values", "over", "partition", "rows", "range",
		"groups", "preceding", "following", "unbounded", "current",
		"row", "ties", "filter", "within", "escape", "date", "time",
		"timestamp", "year", "month", "day", "hour", "minute", "second",
		"epoch", "current_date", "current_time", "current_timestamp",
		"current_user", "session_user", "localtime", "localtimestamp",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()

// tokenize splits a statement into words, numbers, string literals,
// and punctuation, dropping comments. Quoted identifiers come back as
// words with the quotes removed and the quoted flag set.
func tokenize(sqlText string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(sqlText) {
		c := sqlText[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < len(sqlText) && sqlText[i+1] == '-':
			for i < len(sqlText) && sqlText[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*':
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment")
			}
			i += end + 4
		case c == '\'':
			value, next, err := scanString(sqlText, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokenString, text: value})
			i = next
		case c == '"' || c == '`':
			value, next, err := scanQuotedIdent(sqlText, i, c)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokenWord, text: value, lower: strings.ToLower(value), quoted: true})
			i = next
		case isIdentStart(c):
			start := i
			for i < len(sqlText) && isIdentPart(sqlText[i]) {
				i++
			}
			word := sqlText[start:i]
			toks = append(toks, token{kind: tokenWord, text: word, lower: strings.ToLower(word)})
		case c >= '0' && c <= '9':
			start := i
			for i < len(sqlText) && (isIdentPart(sqlText[i]) || sqlText[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokenNumber, text: sqlText[start:i]})
		default:
			toks = append(toks, token{kind: tokenPunct, text: string(c)})
			i++
		}
	}
	return toks, nil
}

func scanString(sqlText string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(sqlText) {
		if sqlText[i] == '\'' {
			if i+1 < len(sqlText) && sqlText[i+1] == '\'' {
				b.WriteByte('\'')
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(sqlText[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string literal")
}

func scanQuotedIdent(sqlText string, start int, quote byte) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(sqlText) {
		if sqlText[i] == quote {
			if i+1 < len(sqlText) && sqlText[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(sqlText[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated quoted identifier")
}

func isIdentStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || ('0' <= c && c <= '9')
}
