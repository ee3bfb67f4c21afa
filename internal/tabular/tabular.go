// Package tabular renders result sets as text, markdown, and CSV.
// Values render as the driver reported them; no coercion happens here.
package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk/internal/executor"
)

// Table is a render-ready view of a result set.
type Table struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

func FromResultSet(rs executor.ResultSet) Table {
	return Table{Columns: rs.Columns, Rows: rs.Rows, Truncated: rs.Truncated}
}

// RenderText aligns every column to its widest cell.
func (t Table) RenderText() string {
	if len(t.Columns) == 0 {
		return ""
	}
	widths := make([]int, len(t.Columns))
	for i, col := range t.Columns {
		widths[i] = len(col)
	}
	cells := make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		cells[r] = make([]string, len(t.Columns))
		for c := range t.Columns {
			var value any
			if c < len(row) {
				value = row[c]
			}
			cell := FormatValue(value)
			cells[r][c] = cell
			if len(cell) > widths[c] {
				widths[c] = len(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(values []string) {
		for i, value := range values {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(value)
			b.WriteString(strings.Repeat(" ", widths[i]-len(value)))
		}
		b.WriteString("\n")
	}
	writeRow(t.Columns)
	separators := make([]string, len(t.Columns))
	for i, width := range widths {
		separators[i] = strings.Repeat("-", width)
	}
	writeRow(separators)
	for _, row := range cells {
		writeRow(row)
	}
	if t.Truncated {
		b.WriteString("(results truncated)\n")
	}
	return b.String()
}

// RenderMarkdown emits a GitHub style table.
func (t Table) RenderMarkdown() string {
	if len(t.Columns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("| ")
	b.WriteString(strings.Join(escapeCells(t.Columns), " | "))
	b.WriteString(" |\n|")
	for range t.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range t.Rows {
		formatted := make([]string, len(t.Columns))
		for c := range t.Columns {
			var value any
			if c < len(row) {
				value = row[c]
			}
			formatted[c] = escapeCell(FormatValue(value))
		}
		b.WriteString("| ")
		b.WriteString(strings.Join(formatted, " | "))
		b.WriteString(" |\n")
	}
	if t.Truncated {
		b.WriteString("\n_results truncated_\n")
	}
	return b.String()
}

// WriteCSV streams header plus rows through encoding/csv.
func (t Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for c := range t.Columns {
			var value any
			if c < len(row) {
				value = row[c]
			}
			record[c] = FormatValue(value)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// FormatValue renders one driver value for display.
func FormatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprint(typed)
	}
}

func escapeCells(values []string) []string {
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = escapeCell(value)
	}
	return out
}

func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	return strings.ReplaceAll(value, "\n", " ")
}
