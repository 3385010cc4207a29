// Package catalog reads database metadata from the Postgres system catalogs.
//
// Every lookup issues one parameterized query and returns the payload as JSON.
// A lookup that matches nothing returns *NotFoundError; any other failure is a
// *QueryError.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
)

// Querier is satisfied by *sql.DB and *pgsql.DB.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Catalog struct {
	db        Querier
	qb        sq.StatementBuilderType
	log       *slog.Logger
	durations *prometheus.HistogramVec
}

// New returns a Catalog. durations may be nil.
func New(db Querier, log *slog.Logger, durations *prometheus.HistogramVec) *Catalog {
	return &Catalog{
		db:        db,
		qb:        sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		log:       log,
		durations: durations,
	}
}

func (c *Catalog) UserInfo(ctx context.Context, uri, user string) (json.RawMessage, error) {
	query, args, err := c.userInfoQuery()
	if err != nil {
		return nil, &QueryError{Lookup: "user info", Err: err}
	}
	return c.object(ctx, "user info", query, args, func() error {
		return notFound(uri, "User '%s' not found", user)
	})
}

func (c *Catalog) DatabaseInfo(ctx context.Context, uri, database string) (json.RawMessage, error) {
	query, args, err := c.databaseInfoQuery(database)
	if err != nil {
		return nil, &QueryError{Lookup: "database info", Err: err}
	}
	return c.object(ctx, "database info", query, args, func() error {
		return notFound(uri, "Database '%s' not found", database)
	})
}

func (c *Catalog) SchemaList(ctx context.Context, uri, database string) (json.RawMessage, error) {
	query, args, err := c.schemaListQuery()
	if err != nil {
		return nil, &QueryError{Lookup: "schema list", Err: err}
	}
	names, err := c.names(ctx, "schema list", query, args)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, notFound(uri, "No schemas found in database '%s'", database)
	}
	return json.Marshal(struct {
		Schemas []string `json:"schemas"`
	}{names})
}

func (c *Catalog) SchemaInfo(ctx context.Context, uri, database, schema string) (json.RawMessage, error) {
	return c.object(ctx, "schema info", schemaInfoSQL, []any{schema}, func() error {
		return notFound(uri, "Schema '%s' not found in database '%s'", schema, database)
	})
}

func (c *Catalog) TableList(ctx context.Context, uri, database, schema string) (json.RawMessage, error) {
	query, args, err := c.tableListQuery(schema)
	if err != nil {
		return nil, &QueryError{Lookup: "table list", Err: err}
	}
	names, err := c.names(ctx, "table list", query, args)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, notFound(uri, "No tables found in schema '%s' in database '%s'", schema, database)
	}
	return json.Marshal(struct {
		Tables []string `json:"tables"`
	}{names})
}

func (c *Catalog) TableInfo(ctx context.Context, uri, database, schema, table string) (json.RawMessage, error) {
	return c.object(ctx, "table info", tableInfoSQL, []any{schema, table}, func() error {
		return notFound(uri, "Table '%s' not found in schema '%s' in database '%s'", table, schema, database)
	})
}

// object runs a query returning a single JSON column.
func (c *Catalog) object(ctx context.Context, lookup, query string, args []any, missing func() error) (json.RawMessage, error) {
	defer c.observe(lookup, time.Now())

	var raw []byte
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missing()
	}
	if err != nil {
		return nil, &QueryError{Lookup: lookup, Err: err}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, missing()
	}
	return json.RawMessage(raw), nil
}

// names runs a query returning one text column.
func (c *Catalog) names(ctx context.Context, lookup, query string, args []any) ([]string, error) {
	defer c.observe(lookup, time.Now())

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Lookup: lookup, Err: err}
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &QueryError{Lookup: lookup, Err: err}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Lookup: lookup, Err: err}
	}
	return names, nil
}

func (c *Catalog) observe(lookup string, start time.Time) {
	if c.durations != nil {
		c.durations.WithLabelValues(lookup).Observe(time.Since(start).Seconds())
	}
}
