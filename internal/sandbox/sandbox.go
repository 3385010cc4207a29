// Package sandbox runs client-supplied SQL as a single bounded, read-only
// SELECT.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"pg-mcp-server/internal/pgsql"
)

// Executor runs a statement in a read-only transaction. *pgsql.DB implements it.
type Executor interface {
	QueryReadOnly(ctx context.Context, query string) ([]pgsql.Record, error)
}

type Sandbox struct {
	exec     Executor
	log      *slog.Logger
	results  *prometheus.CounterVec
	duration prometheus.Histogram
}

type Option func(*Sandbox)

// WithMetrics counts outcomes and times executions.
func WithMetrics(results *prometheus.CounterVec, duration prometheus.Histogram) Option {
	return func(s *Sandbox) {
		s.results = results
		s.duration = duration
	}
}

func New(exec Executor, log *slog.Logger, opts ...Option) *Sandbox {
	s := &Sandbox{exec: exec, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute validates and runs sqlText. Failures are reported in the result with
// IsError set, never as a Go error.
func (s *Sandbox) Execute(ctx context.Context, sqlText string) *mcp.CallToolResult {
	safe, err := Prepare(sqlText)
	if err != nil {
		s.log.Warn("query rejected", "reason", err.Error())
		s.count("rejected")
		return errorResult(err.Error())
	}

	s.log.Debug("executing read-only query", "sql", safe)
	start := time.Now()
	rows, err := s.exec.QueryReadOnly(ctx, safe)
	if s.duration != nil {
		s.duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.count("failed")
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			s.log.Warn("query failed", "sqlstate", string(pqErr.Code), "error", pqErr.Message)
			return errorResult(fmt.Sprintf("Query failed: %s (SQLSTATE %s)", pqErr.Message, pqErr.Code))
		}
		s.log.Error("query failed", "error", err)
		return errorResult("Query failed.")
	}

	if rows == nil {
		rows = []pgsql.Record{}
	}
	body, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		s.count("failed")
		s.log.Error("failed to encode query result", "error", err)
		return errorResult("Query failed.")
	}

	s.count("ok")
	s.log.Debug("query succeeded", "rows", len(rows))
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}
}

func (s *Sandbox) count(outcome string) {
	if s.results != nil {
		s.results.WithLabelValues(outcome).Inc()
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
