// Package postgres provides an exporter that bulk-inserts records into a
// PostgreSQL table through database/sql and the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

// DefaultTable is the table records are inserted into.
const DefaultTable = "fault_records"

// Schema creates the default table.
const Schema = `CREATE TABLE IF NOT EXISTS fault_records (
	id          TEXT PRIMARY KEY,
	sequence    BIGINT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	severity    TEXT NOT NULL,
	context     TEXT NOT NULL,
	origin      TEXT NOT NULL,
	message     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	type        TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	stack       TEXT NOT NULL,
	host        TEXT NOT NULL,
	attributes  JSONB NOT NULL
)`

const (
	numColumns = 13
	columns    = "id, sequence, ts, severity, context, origin, message, kind, type, fingerprint, stack, host, attributes"

	// maxRowsPerStatement keeps one INSERT under PostgreSQL's limit of
	// 65535 bind parameters.
	maxRowsPerStatement = 65535 / numColumns
)

// Execer is the subset of *sql.DB the exporter uses.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Option configures the exporter.
type Option func(*Exporter)

// WithTable inserts into table instead of DefaultTable.
func WithTable(table string) Option {
	return func(e *Exporter) {
		if table != "" {
			e.table = table
		}
	}
}

// Exporter inserts records into PostgreSQL.
type Exporter struct {
	db     Execer
	closer func() error
	table  string
}

// New creates an exporter using db. The caller keeps ownership of db.
func New(db Execer, opts ...Option) *Exporter {
	e := &Exporter{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open connects to dsn with the pgx driver. Close closes the pool.
func Open(dsn string, opts ...Option) (*Exporter, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	e := New(db, opts...)
	e.closer = db.Close
	return e, nil
}

// EnsureSchema creates the default table if it does not exist.
func (e *Exporter) EnsureSchema(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	return nil
}

// Send inserts the batch with multi-row INSERT statements. Rows whose ID
// already exists are skipped.
func (e *Exporter) Send(ctx context.Context, batch []faults.Record) error {
	for start := 0; start < len(batch); start += maxRowsPerStatement {
		end := min(start+maxRowsPerStatement, len(batch))
		query, args, err := e.insert(batch[start:end])
		if err != nil {
			return err
		}
		if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("postgres: insert %d records: %w", end-start, err)
		}
	}
	return nil
}

func (e *Exporter) insert(rows []faults.Record) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", e.table, columns)

	args := make([]any, 0, len(rows)*numColumns)
	for i, rec := range rows {
		labels := rec.Attributes()
		if labels == nil {
			labels = map[string]string{}
		}
		attrs, err := json.Marshal(labels)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode attributes of %s: %w", rec.ID, err)
		}

		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 1; c <= numColumns; c++ {
			if c > 1 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*numColumns+c)
		}
		b.WriteByte(')')

		args = append(args,
			rec.ID, int64(rec.Sequence), rec.Timestamp, rec.Severity.String(),
			rec.Context.String(), rec.Origin, rec.Message, rec.Detail.Kind,
			rec.Detail.Type, rec.Detail.Fingerprint, rec.Detail.Stack, rec.Host,
			string(attrs),
		)
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")
	return b.String(), args, nil
}

// Close closes the connection pool if the exporter opened it.
func (e *Exporter) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}
