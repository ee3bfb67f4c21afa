package schema

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestForDialect(t *testing.T) {
	for _, dialect := range []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3", "duckdb", "Postgres"} {
		if _, err := ForDialect(dialect); err != nil {
			t.Fatalf("ForDialect(%q) error = %v", dialect, err)
		}
	}
	if _, err := ForDialect("oracle"); err == nil {
		t.Fatal("ForDialect(oracle) expected error")
	}
}

func TestPostgresIntrospectorBuildsTables(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectQuery("FROM information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "nullable"}).
			AddRow("shows", "id", "integer", false).
			AddRow("shows", "country", "text", true).
			AddRow("ratings", "show_id", "integer", false))

	mock.ExpectQuery("FROM information_schema.table_constraints").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "constraint_type", "ref_table", "ref_column"}).
			AddRow("shows", "id", "PRIMARY KEY", "", "").
			AddRow("ratings", "show_id", "FOREIGN KEY", "shows", "id"))

	mock.ExpectQuery("FROM pg_class").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "estimate"}).
			AddRow("shows", int64(120000)).
			AddRow("ratings", int64(5)))

	intro := &postgresIntrospector{}
	tables, err := intro.Introspect(context.Background(), db)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("table count = %d, want 2", len(tables))
	}
	if tables[0].Name != "shows" {
		t.Fatalf("tables[0].Name = %q", tables[0].Name)
	}
	if len(tables[0].Columns) != 2 || tables[0].Columns[1].Name != "country" || !tables[0].Columns[1].Nullable {
		t.Fatalf("shows columns = %#v", tables[0].Columns)
	}
	if len(tables[0].PrimaryKey) != 1 || tables[0].PrimaryKey[0] != "id" {
		t.Fatalf("shows primary key = %#v", tables[0].PrimaryKey)
	}
	if tables[0].EstimatedRows != 120000 {
		t.Fatalf("shows estimated rows = %d", tables[0].EstimatedRows)
	}
	fks := tables[1].ForeignKeys
	if len(fks) != 1 || fks[0].RefTable != "shows" || fks[0].RefColumn != "id" {
		t.Fatalf("ratings foreign keys = %#v", fks)
	}
	assertSQLMock(t, mock)
}

func TestPostgresIntrospectorPropagatesQueryError(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectQuery("FROM information_schema.columns").
		WillReturnError(sql.ErrConnDone)

	intro := &postgresIntrospector{}
	if _, err := intro.Introspect(context.Background(), db); err == nil {
		t.Fatal("expected error from failed column query")
	}
	assertSQLMock(t, mock)
}

func TestMySQLIntrospectorBuildsTables(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectQuery("FROM information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "nullable"}).
			AddRow("orders", "id", "bigint", false).
			AddRow("orders", "customer_id", "bigint", false))

	mock.ExpectQuery("FROM information_schema.key_column_usage").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "constraint_type", "ref_table", "ref_column"}).
			AddRow("orders", "id", "PRIMARY KEY", "", "").
			AddRow("orders", "customer_id", "FOREIGN KEY", "customers", "id"))

	mock.ExpectQuery("FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "table_rows"}).
			AddRow("orders", int64(42)))

	intro := &mysqlIntrospector{}
	tables, err := intro.Introspect(context.Background(), db)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("table count = %d, want 1", len(tables))
	}
	if tables[0].EstimatedRows != 42 {
		t.Fatalf("estimated rows = %d", tables[0].EstimatedRows)
	}
	if len(tables[0].ForeignKeys) != 1 || tables[0].ForeignKeys[0].RefTable != "customers" {
		t.Fatalf("foreign keys = %#v", tables[0].ForeignKeys)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
