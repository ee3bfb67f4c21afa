package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ForDialect returns the metadata reader for a binding's dialect tag.
func ForDialect(dialect string) (Introspector, error) {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		return &postgresIntrospector{}, nil
	case "mysql":
		return &mysqlIntrospector{}, nil
	case "sqlite", "sqlite3":
		return &sqliteIntrospector{}, nil
	case "duckdb":
		return &duckdbIntrospector{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %q", dialect)
	}
}

type postgresIntrospector struct{}

func (i *postgresIntrospector) Introspect(ctx context.Context, db *sql.DB) ([]Table, error) {
	rows, err := db.QueryContext(ctx, `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE t.table_type = 'BASE TABLE'
  AND c.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	tables, order, err := collectColumns(rows)
	if err != nil {
		return nil, err
	}

	keyRows, err := db.QueryContext(ctx, `
SELECT tc.table_name, kcu.column_name, tc.constraint_type,
       COALESCE(ccu.table_name, ''), COALESCE(ccu.column_name, '')
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
LEFT JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name AND tc.constraint_type = 'FOREIGN KEY'
WHERE tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
  AND tc.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY tc.table_name, kcu.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("query key constraints: %w", err)
	}
	if err := collectKeys(keyRows, tables); err != nil {
		return nil, err
	}

	statRows, err := db.QueryContext(ctx, `
SELECT relname, GREATEST(reltuples::bigint, 0)
FROM pg_class
WHERE relkind = 'r'`)
	if err == nil {
		_ = collectRowEstimates(statRows, tables)
	}

	return orderedTables(tables, order), nil
}

type mysqlIntrospector struct{}

func (i *mysqlIntrospector) Introspect(ctx context.Context, db *sql.DB) ([]Table, error) {
	rows, err := db.QueryContext(ctx, `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE t.table_type = 'BASE TABLE' AND c.table_schema = DATABASE()
ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	tables, order, err := collectColumns(rows)
	if err != nil {
		return nil, err
	}

	keyRows, err := db.QueryContext(ctx, `
SELECT kcu.table_name, kcu.column_name,
       CASE WHEN kcu.referenced_table_name IS NULL THEN 'PRIMARY KEY' ELSE 'FOREIGN KEY' END,
       COALESCE(kcu.referenced_table_name, ''), COALESCE(kcu.referenced_column_name, '')
FROM information_schema.key_column_usage kcu
WHERE kcu.table_schema = DATABASE()
  AND (kcu.constraint_name = 'PRIMARY' OR kcu.referenced_table_name IS NOT NULL)
ORDER BY kcu.table_name, kcu.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("query key constraints: %w", err)
	}
	if err := collectKeys(keyRows, tables); err != nil {
		return nil, err
	}

	statRows, err := db.QueryContext(ctx, `
SELECT table_name, COALESCE(table_rows, 0)
FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'`)
	if err == nil {
		_ = collectRowEstimates(statRows, tables)
	}

	return orderedTables(tables, order), nil
}

type sqliteIntrospector struct{}

func (i *sqliteIntrospector) Introspect(ctx context.Context, db *sql.DB) ([]Table, error) {
	nameRows, err := db.QueryContext(ctx, `
SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query table names: %w", err)
	}
	defer func() { _ = nameRows.Close() }()

	var names []string
	for nameRows.Next() {
		var name string
		if err := nameRows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := nameRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table names: %w", err)
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		table, err := i.introspectTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func (i *sqliteIntrospector) introspectTable(ctx context.Context, db *sql.DB, name string) (Table, error) {
	table := Table{Name: name}

	colRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return Table{}, fmt.Errorf("table_info %q: %w", name, err)
	}
	defer func() { _ = colRows.Close() }()
	for colRows.Next() {
		var (
			cid, notNull, pk int
			colName, colType string
			dflt             sql.NullString
		)
		if err := colRows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return Table{}, fmt.Errorf("scan table_info row: %w", err)
		}
		table.Columns = append(table.Columns, Column{Name: colName, DataType: colType, Nullable: notNull == 0})
		if pk > 0 {
			table.PrimaryKey = append(table.PrimaryKey, colName)
		}
	}
	if err := colRows.Err(); err != nil {
		return Table{}, fmt.Errorf("iterate table_info rows: %w", err)
	}

	fkRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(name)))
	if err != nil {
		return table, nil
	}
	defer func() { _ = fkRows.Close() }()
	for fkRows.Next() {
		var (
			id, seq                      int
			refTable, from, to           string
			onUpdate, onDelete, matching string
		)
		if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &matching); err != nil {
			return Table{}, fmt.Errorf("scan foreign_key_list row: %w", err)
		}
		table.ForeignKeys = append(table.ForeignKeys, ForeignKey{Column: from, RefTable: refTable, RefColumn: to})
	}
	if err := fkRows.Err(); err != nil {
		return Table{}, fmt.Errorf("iterate foreign_key_list rows: %w", err)
	}
	return table, nil
}

type duckdbIntrospector struct{}

func (i *duckdbIntrospector) Introspect(ctx context.Context, db *sql.DB) ([]Table, error) {
	rows, err := db.QueryContext(ctx, `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE t.table_type = 'BASE TABLE' AND c.table_schema = 'main'
ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	tables, order, err := collectColumns(rows)
	if err != nil {
		return nil, err
	}
	return orderedTables(tables, order), nil
}

func collectColumns(rows *sql.Rows) (map[string]*Table, []string, error) {
	defer func() { _ = rows.Close() }()

	tables := make(map[string]*Table)
	var order []string
	for rows.Next() {
		var (
			tableName, columnName, dataType string
			nullable                        bool
		)
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable); err != nil {
			return nil, nil, fmt.Errorf("scan column row: %w", err)
		}
		table, ok := tables[tableName]
		if !ok {
			table = &Table{Name: tableName}
			tables[tableName] = table
			order = append(order, tableName)
		}
		table.Columns = append(table.Columns, Column{Name: columnName, DataType: dataType, Nullable: nullable})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate column rows: %w", err)
	}
	return tables, order, nil
}

func collectKeys(rows *sql.Rows, tables map[string]*Table) error {
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tableName, columnName, constraintType, refTable, refColumn string
		if err := rows.Scan(&tableName, &columnName, &constraintType, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan key row: %w", err)
		}
		table, ok := tables[tableName]
		if !ok {
			continue
		}
		switch constraintType {
		case "PRIMARY KEY":
			table.PrimaryKey = append(table.PrimaryKey, columnName)
		case "FOREIGN KEY":
			if refTable != "" {
				table.ForeignKeys = append(table.ForeignKeys, ForeignKey{Column: columnName, RefTable: refTable, RefColumn: refColumn})
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate key rows: %w", err)
	}
	return nil
}

func collectRowEstimates(rows *sql.Rows, tables map[string]*Table) error {
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tableName string
		var estimate int64
		if err := rows.Scan(&tableName, &estimate); err != nil {
			return fmt.Errorf("scan row estimate: %w", err)
		}
		if table, ok := tables[tableName]; ok {
			table.EstimatedRows = estimate
		}
	}
	return rows.Err()
}

func orderedTables(tables map[string]*Table, order []string) []Table {
	out := make([]Table, 0, len(order))
	for _, name := range order {
		out = append(out, *tables[name])
	}
	return out
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
