package tabular

import (
	"strings"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/internal/executor"
)

func sampleTable() Table {
	return FromResultSet(executor.ResultSet{
		Columns: []string{"title", "score", "released"},
		Rows: [][]any{
			{"Dark", 8.7, time.Date(2017, 12, 1, 0, 0, 0, 0, time.UTC)},
			{"Lupin", nil, time.Date(2021, 1, 8, 0, 0, 0, 0, time.UTC)},
		},
	})
}

func TestRenderTextAlignsColumns(t *testing.T) {
	out := sampleTable().RenderText()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("line count = %d:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "title") {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "-----") {
		t.Fatalf("separator = %q", lines[1])
	}
	if !strings.Contains(lines[2], "Dark") || !strings.Contains(lines[2], "8.7") {
		t.Fatalf("row = %q", lines[2])
	}
}

func TestRenderTextMarksTruncation(t *testing.T) {
	table := sampleTable()
	table.Truncated = true
	if !strings.Contains(table.RenderText(), "(results truncated)") {
		t.Fatal("missing truncation marker")
	}
}

func TestRenderMarkdown(t *testing.T) {
	out := sampleTable().RenderMarkdown()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if lines[0] != "| title | score | released |" {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != "| --- | --- | --- |" {
		t.Fatalf("separator = %q", lines[1])
	}
	if !strings.Contains(lines[2], "| Dark | 8.7 | 2017-12-01T00:00:00Z |") {
		t.Fatalf("row = %q", lines[2])
	}
}

func TestRenderMarkdownEscapesPipes(t *testing.T) {
	table := Table{Columns: []string{"v"}, Rows: [][]any{{"a|b"}}}
	if !strings.Contains(table.RenderMarkdown(), `a\|b`) {
		t.Fatal("pipe not escaped")
	}
}

func TestWriteCSV(t *testing.T) {
	var b strings.Builder
	if err := sampleTable().WriteCSV(&b); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	got := b.String()
	want := "title,score,released\nDark,8.7,2017-12-01T00:00:00Z\nLupin,,2021-01-08T00:00:00Z\n"
	if got != want {
		t.Fatalf("WriteCSV() = %q, want %q", got, want)
	}
}

func TestFormatValue(t *testing.T) {
	if got := FormatValue(nil); got != "" {
		t.Fatalf("FormatValue(nil) = %q", got)
	}
	if got := FormatValue([]byte("raw")); got != "raw" {
		t.Fatalf("FormatValue([]byte) = %q", got)
	}
	if got := FormatValue(int64(42)); got != "42" {
		t.Fatalf("FormatValue(int64) = %q", got)
	}
	if got := FormatValue(true); got != "true" {
		t.Fatalf("FormatValue(bool) = %q", got)
	}
}
