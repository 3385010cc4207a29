package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pg-mcp-server/internal/logger"
	"pg-mcp-server/internal/pgsql"
)

type fakeExecutor struct {
	queries []string
	rows    []pgsql.Record
	err     error
}

func (f *fakeExecutor) QueryReadOnly(ctx context.Context, query string) ([]pgsql.Record, error) {
	f.queries = append(f.queries, query)
	return f.rows, f.err
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestPrepareLimit(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"default", "SELECT id, name FROM users", "SELECT id, name FROM users LIMIT 10"},
		{"capped", "SELECT * FROM orders LIMIT 500", "SELECT * FROM orders LIMIT 100"},
		{"within bounds", "SELECT * FROM orders LIMIT 50", "SELECT * FROM orders LIMIT 50"},
		{"at cap", "SELECT * FROM orders LIMIT 100", "SELECT * FROM orders LIMIT 100"},
		{"limit all", "SELECT * FROM orders LIMIT ALL", "SELECT * FROM orders LIMIT 100"},
		{"expression", "SELECT * FROM orders LIMIT 5 + 5", "SELECT * FROM orders LIMIT 100"},
		{"trailing semicolon", "SELECT 1;", "SELECT 1 LIMIT 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Prepare(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrepareSetOperationLimitsOuter(t *testing.T) {
	got, err := Prepare("SELECT a FROM x UNION SELECT a FROM y")
	require.NoError(t, err)
	assert.Equal(t, "SELECT a FROM x UNION SELECT a FROM y LIMIT 10", got)
}

func TestPrepareRejects(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want *ValidationError
	}{
		{"garbage", "SELEC * FORM users", ErrParse},
		{"empty", "", ErrMultiStmt},
		{"two statements", "SELECT 1; SELECT 2", ErrMultiStmt},
		{"select then delete", "SELECT 1; DELETE FROM users", ErrMultiStmt},
		{"update", "UPDATE users SET name = 'x'", ErrNotSelect},
		{"insert", "INSERT INTO users (id) VALUES (1)", ErrNotSelect},
		{"ddl", "DROP TABLE users", ErrNotSelect},
		{"explain", "EXPLAIN SELECT 1", ErrNotSelect},
		{"select into", "SELECT * INTO copy_of_users FROM users", ErrMutation},
		{"modifying cte", "WITH d AS (DELETE FROM users RETURNING *) SELECT * FROM d", ErrMutation},
		{"catalog table", "SELECT * FROM pg_catalog.pg_authid", ErrForbiddenUse},
		{"catalog in subquery", "SELECT * FROM users WHERE id IN (SELECT oid FROM pg_catalog.pg_class)", ErrForbiddenUse},
		{"catalog in cte", "WITH r AS (SELECT rolname FROM pg_catalog.pg_roles) SELECT * FROM r", ErrForbiddenUse},
		{"file read", "SELECT pg_read_file('/etc/passwd')", ErrForbiddenUse},
		{"qualified file read", "SELECT pg_catalog.pg_read_file('/etc/passwd')", ErrForbiddenUse},
		{"dblink in where", "SELECT 1 WHERE EXISTS (SELECT * FROM dblink('host=evil', 'select 1') AS t(x int))", ErrForbiddenUse},
		{"quoted upper case function", `SELECT "PG_LS_DIR"('.')`, ErrForbiddenUse},
		{"mutation outranks forbidden", "WITH d AS (DELETE FROM users RETURNING *) SELECT * FROM d, pg_catalog.pg_class", ErrMutation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Prepare(tt.sql)
			require.Error(t, err)
			assert.Same(t, tt.want, err)
		})
	}
}

func TestPrepareAllowsInformationSchema(t *testing.T) {
	got, err := Prepare("SELECT table_name FROM information_schema.tables")
	require.NoError(t, err)
	assert.Equal(t, "SELECT table_name FROM information_schema.tables LIMIT 10", got)
}

func TestExecuteDefaultLimit(t *testing.T) {
	exec := &fakeExecutor{rows: []pgsql.Record{
		{Columns: []string{"id", "name"}, Values: []any{int64(1), "ada"}},
	}}
	s := New(exec, logger.Void())

	res := s.Execute(context.Background(), "SELECT id, name FROM users")

	assert.False(t, res.IsError)
	require.Len(t, exec.queries, 1)
	assert.Equal(t, "SELECT id, name FROM users LIMIT 10", exec.queries[0])
	assert.JSONEq(t, `[{"id":1,"name":"ada"}]`, text(t, res))
	assert.Contains(t, text(t, res), "\n  {")
}

func TestExecuteEmptyResult(t *testing.T) {
	s := New(&fakeExecutor{}, logger.Void())

	res := s.Execute(context.Background(), "SELECT id FROM users WHERE false")

	assert.False(t, res.IsError)
	assert.Equal(t, "[]", text(t, res))
}

func TestExecuteRejectedNeverRuns(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec, logger.Void())

	res := s.Execute(context.Background(), "SELECT 1; DELETE FROM users")
	assert.True(t, res.IsError)
	assert.Equal(t, "Only a single SQL statement is allowed.", text(t, res))

	res = s.Execute(context.Background(), "SELECT * FROM pg_catalog.pg_authid")
	assert.True(t, res.IsError)
	assert.Equal(t, "Access to security-sensitive schemas or functions is not allowed.", text(t, res))

	assert.Empty(t, exec.queries)
}

func TestExecuteDatabaseError(t *testing.T) {
	exec := &fakeExecutor{err: &pq.Error{Code: "42P01", Message: `relation "nope" does not exist`}}
	s := New(exec, logger.Void())

	res := s.Execute(context.Background(), "SELECT * FROM nope")

	assert.True(t, res.IsError)
	assert.Equal(t, `Query failed: relation "nope" does not exist (SQLSTATE 42P01)`, text(t, res))
}

func TestExecuteOtherError(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("dial tcp 10.0.0.1:5432: password=hunter2 refused")}
	s := New(exec, logger.Void())

	res := s.Execute(context.Background(), "SELECT 1")

	assert.True(t, res.IsError)
	assert.Equal(t, "Query failed.", text(t, res))
}

func TestExecuteMetrics(t *testing.T) {
	results := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "q"}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "d"})
	exec := &fakeExecutor{}
	s := New(exec, logger.Void(), WithMetrics(results, duration))

	s.Execute(context.Background(), "SELECT 1")
	s.Execute(context.Background(), "DROP TABLE users")
	exec.err = errors.New("boom")
	s.Execute(context.Background(), "SELECT 1")

	assert.Equal(t, float64(1), testutil.ToFloat64(results.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(results.WithLabelValues("rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(results.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(duration))
}
