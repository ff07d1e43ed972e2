// Package duckdb runs SQL over an in-memory table with an embedded DuckDB.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/KaramelBytes/datachat/internal/dataset"
)

// TableName is the relation name the table is exposed under.
const TableName = "df"

type Engine struct {
	mu      sync.Mutex
	db      *sql.DB
	MaxRows int
}

// Open starts an in-memory database with external (file and network) access disabled.
func Open() (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// a single connection keeps the in-memory catalog and settings in one place
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"SET enable_external_access = false",
		"SET lock_configuration = true",
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure duckdb: %w", err)
		}
	}
	return &Engine{db: db, MaxRows: 10000}, nil
}

func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Query loads t as the relation "df" and runs sqlText against it.
func (e *Engine) Query(ctx context.Context, t *dataset.Table, sqlText string) (*dataset.Table, error) {
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return nil, fmt.Errorf("sql is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx, t); err != nil {
		return nil, err
	}
	defer func() { _, _ = e.db.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+quoteIdent(TableName)) }()

	if e.MaxRows > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, e.MaxRows)
	}
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	values := make([][]any, len(columns))
	for rows.Next() {
		row := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range row {
			scanTargets[i] = &row[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range row {
			values[i] = append(values[i], normalizeValue(v))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	cols := make([]*dataset.Column, len(columns))
	for i, name := range columns {
		cols[i] = dataset.NewColumn(name, values[i])
	}
	if len(cols) == 0 {
		return &dataset.Table{Key: t.Key}, nil
	}
	return dataset.FromColumns(t.Key, cols...)
}

func (e *Engine) load(ctx context.Context, t *dataset.Table) error {
	defs := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = quoteIdent(c.Name) + " " + sqlType(c.Kind)
		marks[i] = "?"
	}
	if len(defs) == 0 {
		return fmt.Errorf("table %q has no columns", t.Key)
	}
	create := fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", quoteIdent(TableName), strings.Join(defs, ", "))
	if _, err := e.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(TableName), strings.Join(marks, ", ")))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare load: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	args := make([]any, len(t.Columns))
	for i := 0; i < t.Len(); i++ {
		for j, c := range t.Columns {
			args[j] = c.Value(i)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("load row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit load: %w", err)
	}
	return nil
}

func sqlType(k dataset.Kind) string {
	switch k {
	case dataset.KindNumeric:
		return "DOUBLE"
	case dataset.KindDateTime:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

// normalizeValue maps driver values onto the kinds a dataset column holds.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case nil, string, float64, time.Time:
		return typed
	case []byte:
		return string(typed)
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int8:
		return float64(typed)
	case int16:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint8:
		return float64(typed)
	case uint16:
		return float64(typed)
	case uint32:
		return float64(typed)
	case uint64:
		return float64(typed)
	case *big.Int:
		f, _ := new(big.Float).SetInt(typed).Float64()
		return f
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case interface{ Float64() float64 }:
		return typed.Float64()
	default:
		return fmt.Sprint(typed)
	}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
