// Package archive persists successful ask results as parquet objects
// for audit and reuse. Archiving is best effort: failures are logged
// by the caller and never fail the ask.
package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/tabletalk/tabletalk/internal/ask"
	"github.com/tabletalk/tabletalk/internal/storage"
	"github.com/tabletalk/tabletalk/internal/tabular"
)

const contentType = "application/vnd.apache.parquet"

// parquetRow is one result row. Values travel as a JSON object keyed
// by column name so arbitrary result shapes share one schema.
type parquetRow struct {
	AskID            string `parquet:"ask_id"`
	Binding          string `parquet:"binding"`
	Question         string `parquet:"question"`
	SQL              string `parquet:"sql"`
	RowIndex         int64  `parquet:"row_index"`
	PayloadJSON      string `parquet:"payload_json"`
	ArchivedAtUnixMs int64  `parquet:"archived_at_unix_ms"`
}

// Archiver encodes and stores traces.
type Archiver struct {
	store storage.ObjectStore
	now   func() time.Time
	newID func() string
}

func New(store storage.ObjectStore) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Archiver{store: store, now: time.Now, newID: newAskID}, nil
}

// Archive stores a successful trace and returns the object key.
func (a *Archiver) Archive(ctx context.Context, trace ask.Trace) (string, error) {
	if trace.Status != ask.StatusSuccess || trace.Result == nil {
		return "", fmt.Errorf("only successful traces are archived")
	}

	askID := a.newID()
	data, err := encodeResult(askID, trace, a.now().UTC())
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("ask/%s/%s.parquet", sanitizeKeyComponent(trace.Binding), askID)
	if _, err := a.store.Put(ctx, key, contentType, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", fmt.Errorf("store archived result: %w", err)
	}
	return key, nil
}

func encodeResult(askID string, trace ask.Trace, archivedAt time.Time) ([]byte, error) {
	result := trace.Result
	finalSQL := ""
	if n := len(trace.Attempts); n > 0 {
		finalSQL = trace.Attempts[n-1].SQL
	}

	rows := make([]parquetRow, 0, len(result.Rows))
	for i, row := range result.Rows {
		payload := make(map[string]any, len(result.Columns))
		for c, column := range result.Columns {
			if c < len(row) {
				payload[column] = normalizeJSONValue(row[c])
			}
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal row payload: %w", err)
		}
		rows = append(rows, parquetRow{
			AskID:            askID,
			Binding:          trace.Binding,
			Question:         trace.Question,
			SQL:              finalSQL,
			RowIndex:         int64(i),
			PayloadJSON:      string(payloadJSON),
			ArchivedAtUnixMs: archivedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRow](buf)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func normalizeJSONValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		if _, err := json.Marshal(value); err != nil {
			return tabular.FormatValue(value)
		}
		return typed
	}
}

func sanitizeKeyComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "binding"
	}
	return value
}

func newAskID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
