// Package prompt composes model prompts from a question and a schema
// snapshot. Composition is pure so repeated attempts over the same
// inputs produce identical prompts.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tabletalk/tabletalk/internal/schema"
)

// Feedback describes a prior failed attempt so the model can repair
// its own output.
type Feedback struct {
	SQL   string
	Error string
}

// Prompt is the composed pair handed to the model gateway.
type Prompt struct {
	System string
	User   string
}

const systemInstruction = "You convert natural language questions into a single read-only SQL query " +
	"for the %s dialect. Use only the tables and columns listed in the schema. " +
	"Return ONLY SQL. No markdown, no explanation."

// Compose builds the prompt for one attempt. When the snapshot holds
// more tables than tableBudget, tables are ranked by lexical overlap
// with the question and the rest are dropped. tableBudget <= 0 means
// no limit.
func Compose(question, dialect string, snap schema.Snapshot, prior []Feedback, tableBudget int) Prompt {
	tables := selectTables(question, snap.Tables, tableBudget)

	var b strings.Builder
	b.WriteString("Schema:\n")
	for _, table := range tables {
		b.WriteString(describeTable(table))
	}
	if len(tables) < len(snap.Tables) {
		fmt.Fprintf(&b, "(%d additional tables omitted)\n", len(snap.Tables)-len(tables))
	}

	b.WriteString("\nQuestion:\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n")

	for i, fb := range prior {
		fmt.Fprintf(&b, "\nPrevious attempt %d failed.\nSQL:\n%s\nError:\n%s\n", i+1, strings.TrimSpace(fb.SQL), strings.TrimSpace(fb.Error))
	}
	if len(prior) > 0 {
		b.WriteString("\nProduce a corrected query that avoids the errors above.\n")
	}

	b.WriteString("\nRules:\n- Use only listed tables and columns.\n- Prefer explicit column names over *.\n- Output a single SQL statement only.\n")

	return Prompt{
		System: fmt.Sprintf(systemInstruction, dialect),
		User:   b.String(),
	}
}

func describeTable(table schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TABLE %s", table.Name)
	if table.EstimatedRows > 0 {
		fmt.Fprintf(&b, " (~%d rows)", table.EstimatedRows)
	}
	b.WriteString("\n")
	for _, col := range table.Columns {
		fmt.Fprintf(&b, "  - %s (%s)", col.Name, col.DataType)
		if contains(table.PrimaryKey, col.Name) {
			b.WriteString(" [PK]")
		}
		for _, fk := range table.ForeignKeys {
			if strings.EqualFold(fk.Column, col.Name) {
				fmt.Fprintf(&b, " [FK -> %s.%s]", fk.RefTable, fk.RefColumn)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// selectTables keeps snapshot order for small schemas and falls back
// to overlap ranking once the budget is exceeded. Ties keep snapshot
// order so composition stays deterministic.
func selectTables(question string, tables []schema.Table, budget int) []schema.Table {
	if budget <= 0 || len(tables) <= budget {
		return tables
	}

	terms := questionTerms(question)
	type ranked struct {
		index int
		score int
	}
	scored := make([]ranked, len(tables))
	for i, table := range tables {
		scored[i] = ranked{index: i, score: overlapScore(terms, table)}
	}
	sort.SliceStable(scored, func(a, b int) bool {
		return scored[a].score > scored[b].score
	})

	keep := scored[:budget]
	sort.Slice(keep, func(a, b int) bool { return keep[a].index < keep[b].index })

	out := make([]schema.Table, 0, budget)
	for _, r := range keep {
		out = append(out, tables[r.index])
	}
	return out
}

func overlapScore(terms map[string]struct{}, table schema.Table) int {
	score := 0
	for _, token := range identifierTokens(table.Name) {
		if _, ok := terms[token]; ok {
			score += 3
		}
	}
	for _, col := range table.Columns {
		for _, token := range identifierTokens(col.Name) {
			if _, ok := terms[token]; ok {
				score++
			}
		}
	}
	return score
}

func questionTerms(question string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) < 3 {
			continue
		}
		terms[word] = struct{}{}
		terms[singular(word)] = struct{}{}
	}
	return terms
}

// identifierTokens splits snake_case identifiers into lowercase words.
func identifierTokens(identifier string) []string {
	parts := strings.Split(strings.ToLower(identifier), "_")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, singular(part))
	}
	return out
}

func singular(word string) string {
	if len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") {
		return word[:len(word)-1]
	}
	return word
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
