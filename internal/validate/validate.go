// Package validate gates candidate SQL before execution: a read-only
// check, identifier existence against the schema snapshot, and a
// default LIMIT rewrite.
package validate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tabletalk/tabletalk/internal/schema"
)

// UnsafeError rejects a statement permanently. Unsafe SQL is never
// executed and never retried.
type UnsafeError struct {
	Reason string
}

func (e *UnsafeError) Error() string {
	return fmt.Sprintf("unsafe statement: %s", e.Reason)
}

// UnknownIdentifierError rejects a statement that references tables or
// columns absent from the snapshot. Retryable: the names feed the next
// prompt.
type UnknownIdentifierError struct {
	Names []string
}

func (e *UnknownIdentifierError) Error() string {
	return fmt.Sprintf("unknown identifiers: %s", strings.Join(e.Names, ", "))
}

// Options tune the validator per call.
type Options struct {
	// DefaultLimit is appended to statements without a top-level
	// LIMIT. Zero disables the rewrite.
	DefaultLimit int
}

// Outcome carries the validated (possibly rewritten) SQL, or the
// rejection error.
type Outcome struct {
	SQL string
	Err error
}

func (o Outcome) Rejected() bool { return o.Err != nil }

func (o Outcome) Unsafe() bool {
	var unsafe *UnsafeError
	return errors.As(o.Err, &unsafe)
}

// Validate runs the ordered checks against one candidate statement.
func Validate(sqlText string, snap schema.Snapshot, opts Options) Outcome {
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return Outcome{Err: &UnsafeError{Reason: "empty statement"}}
	}

	toks, err := tokenize(sqlText)
	if err != nil {
		return Outcome{Err: &UnsafeError{Reason: err.Error()}}
	}
	if len(toks) == 0 {
		return Outcome{Err: &UnsafeError{Reason: "empty statement"}}
	}

	if err := checkReadOnly(toks); err != nil {
		return Outcome{Err: err}
	}
	if err := checkIdentifiers(toks, snap); err != nil {
		return Outcome{Err: err}
	}

	if opts.DefaultLimit > 0 && !hasTopLevelLimit(toks) && shouldLimit(toks, snap, opts.DefaultLimit) {
		sqlText = fmt.Sprintf("%s LIMIT %d", sqlText, opts.DefaultLimit)
	}
	return Outcome{SQL: sqlText}
}

var writeKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "merge": {}, "replace": {},
	"create": {}, "drop": {}, "alter": {}, "truncate": {}, "rename": {},
	"grant": {}, "revoke": {}, "vacuum": {}, "analyze": {}, "reindex": {},
	"attach": {}, "detach": {}, "pragma": {}, "copy": {}, "import": {},
	"export": {}, "install": {}, "load": {}, "call": {}, "exec": {},
	"execute": {}, "do": {}, "set": {}, "begin": {}, "commit": {},
	"rollback": {}, "into": {},
}

func checkReadOnly(toks []token) error {
	first := toks[0]
	if !first.word("select") && !first.word("with") {
		return &UnsafeError{Reason: "statement must start with SELECT or WITH"}
	}
	depth := 0
	for i, tok := range toks {
		switch tok.kind {
		case tokenPunct:
			switch tok.text {
			case "(":
				depth++
			case ")":
				depth--
			case ";":
				if depth == 0 {
					return &UnsafeError{Reason: "multiple statements are not allowed"}
				}
			}
		case tokenWord:
			// A quoted "update" is a column or table name, not the
			// keyword.
			if tok.quoted {
				continue
			}
			if _, forbidden := writeKeywords[tok.lower]; !forbidden {
				continue
			}
			// A call like replace(name, 'a', 'b') is a function, not
			// a write statement.
			if i+1 < len(toks) && toks[i+1].kind == tokenPunct && toks[i+1].text == "(" {
				continue
			}
			return &UnsafeError{Reason: fmt.Sprintf("write keyword %s is not allowed", strings.ToUpper(tok.lower))}
		}
	}
	return nil
}

func checkIdentifiers(toks []token, snap schema.Snapshot) error {
	ctes := collectCTEs(toks)
	refs, aliases := collectTableRefs(toks)
	declared := collectDeclaredNames(toks)

	unknown := map[string]struct{}{}
	for _, ref := range refs {
		if _, ok := ctes[strings.ToLower(ref)]; ok {
			continue
		}
		if !snap.HasTable(ref) {
			unknown[ref] = struct{}{}
		}
	}

	for i, tok := range toks {
		if tok.kind != tokenWord || tok.reserved() {
			continue
		}
		if _, forbidden := writeKeywords[tok.lower]; forbidden && !tok.quoted {
			continue
		}
		// Function names are followed by an opening parenthesis.
		if i+1 < len(toks) && toks[i+1].kind == tokenPunct && toks[i+1].text == "(" {
			continue
		}
		if _, ok := declared[tok.lower]; ok {
			continue
		}
		qualified := i > 0 && toks[i-1].kind == tokenPunct && toks[i-1].text == "."
		qualifier := i+1 < len(toks) && toks[i+1].kind == tokenPunct && toks[i+1].text == "."
		switch {
		case qualifier:
			// Checked through the dotted reference that follows.
		case qualified:
			table, resolvable := resolveQualifier(toks[i-2], aliases, ctes, snap)
			if resolvable && !snap.HasColumn(table, tok.text) {
				unknown[table+"."+tok.text] = struct{}{}
			}
		default:
			if isKnownName(tok, aliases, ctes, snap) {
				continue
			}
			if !snap.HasAnyColumn(tok.text) {
				unknown[tok.text] = struct{}{}
			}
		}
	}

	if len(unknown) == 0 {
		return nil
	}
	names := make([]string, 0, len(unknown))
	for name := range unknown {
		names = append(names, name)
	}
	sort.Strings(names)
	return &UnknownIdentifierError{Names: names}
}

func resolveQualifier(tok token, aliases map[string]string, ctes map[string]struct{}, snap schema.Snapshot) (string, bool) {
	if tok.kind != tokenWord {
		return "", false
	}
	if table, ok := aliases[tok.lower]; ok {
		if _, cte := ctes[strings.ToLower(table)]; cte {
			return "", false
		}
		return table, snap.HasTable(table)
	}
	if _, ok := ctes[tok.lower]; ok {
		return "", false
	}
	return tok.text, snap.HasTable(tok.text)
}

func isKnownName(tok token, aliases map[string]string, ctes map[string]struct{}, snap schema.Snapshot) bool {
	if _, ok := aliases[tok.lower]; ok {
		return true
	}
	if _, ok := ctes[tok.lower]; ok {
		return true
	}
	return snap.HasTable(tok.text)
}

// collectDeclaredNames captures identifiers introduced with AS, so
// output aliases can be referenced in ORDER BY and GROUP BY.
func collectDeclaredNames(toks []token) map[string]struct{} {
	declared := map[string]struct{}{}
	for i := 1; i < len(toks); i++ {
		if toks[i].kind == tokenWord && !toks[i].reserved() && toks[i-1].word("as") {
			declared[toks[i].lower] = struct{}{}
		}
	}
	return declared
}

// collectCTEs finds names defined as <ident> AS ( inside the WITH
// clause prelude.
func collectCTEs(toks []token) map[string]struct{} {
	ctes := map[string]struct{}{}
	for i := 0; i+2 < len(toks); i++ {
		if toks[i].kind == tokenWord && !toks[i].reserved() &&
			toks[i+1].word("as") &&
			toks[i+2].kind == tokenPunct && toks[i+2].text == "(" {
			ctes[toks[i].lower] = struct{}{}
		}
	}
	return ctes
}

// collectTableRefs walks FROM and JOIN clauses, returning referenced
// table names and an alias-to-table map. FROM inside a function call
// such as extract(year from ts) is not a clause and is skipped.
func collectTableRefs(toks []token) ([]string, map[string]string) {
	var refs []string
	aliases := map[string]string{}
	funcFrames := functionCallFrames(toks)

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if !tok.word("from") && !tok.word("join") {
			continue
		}
		if funcFrames[i] {
			continue
		}
		j := i + 1
		for j < len(toks) {
			if toks[j].kind == tokenPunct && toks[j].text == "(" {
				// Derived table or table function; its alias follows
				// the matching close and is picked up elsewhere.
				break
			}
			if toks[j].kind != tokenWord {
				break
			}
			name := toks[j]
			// schema-qualified reference keeps the final component
			for j+2 < len(toks) && toks[j+1].kind == tokenPunct && toks[j+1].text == "." && toks[j+2].kind == tokenWord {
				j += 2
				name = toks[j]
			}
			// Table functions are call expressions, not names.
			if j+1 < len(toks) && toks[j+1].kind == tokenPunct && toks[j+1].text == "(" {
				break
			}
			refs = append(refs, name.text)

			j++
			if j < len(toks) && toks[j].word("as") {
				j++
			}
			if j < len(toks) && toks[j].kind == tokenWord && !toks[j].reserved() {
				aliases[toks[j].lower] = name.text
				j++
			}
			if j < len(toks) && toks[j].kind == tokenPunct && toks[j].text == "," {
				j++
				continue
			}
			break
		}
	}
	return refs, aliases
}

// functionCallFrames marks, per token, whether the token sits inside a
// parenthesized group opened directly after a function name.
func functionCallFrames(toks []token) []bool {
	frames := make([]bool, len(toks))
	var stack []bool
	for i, tok := range toks {
		if tok.kind == tokenPunct {
			switch tok.text {
			case "(":
				isCall := i > 0 && toks[i-1].kind == tokenWord && !toks[i-1].reserved()
				stack = append(stack, isCall)
				continue
			case ")":
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				continue
			}
		}
		for _, call := range stack {
			if call {
				frames[i] = true
				break
			}
		}
	}
	return frames
}

func hasTopLevelLimit(toks []token) bool {
	depth := 0
	for _, tok := range toks {
		switch {
		case tok.kind == tokenPunct && tok.text == "(":
			depth++
		case tok.kind == tokenPunct && tok.text == ")":
			depth--
		case tok.word("limit") && depth == 0:
			return true
		}
	}
	return false
}

// shouldLimit skips the rewrite only when every referenced table has a
// known row estimate at or below the limit.
func shouldLimit(toks []token, snap schema.Snapshot, limit int) bool {
	refs, _ := collectTableRefs(toks)
	if len(refs) == 0 {
		return false
	}
	for _, ref := range refs {
		table, ok := snap.Table(ref)
		if !ok {
			return true
		}
		if table.EstimatedRows == 0 || table.EstimatedRows > int64(limit) {
			return true
		}
	}
	return false
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
