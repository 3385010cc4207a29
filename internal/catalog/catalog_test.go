package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pg-mcp-server/internal/logger"
)

func newTestCatalog() *Catalog {
	return New(nil, logger.Void(), nil)
}

func TestUserInfoQuery(t *testing.T) {
	query, args, err := newTestCatalog().userInfoQuery()
	require.NoError(t, err)
	assert.Equal(t, "SELECT row_to_json(conn) FROM (SELECT current_database() AS database_name, session_user, current_user) AS conn", query)
	assert.Empty(t, args)
}

func TestDatabaseInfoQuery(t *testing.T) {
	query, args, err := newTestCatalog().databaseInfoQuery("shop")
	require.NoError(t, err)
	assert.Contains(t, query, "SELECT row_to_json(info) FROM (SELECT d.datname AS \"Name\"")
	assert.Contains(t, query, "LEFT JOIN pg_tablespace ts ON d.dattablespace = ts.oid WHERE d.datname = $1) AS info")
	assert.Equal(t, []any{"shop"}, args)
}

func TestSchemaListQuery(t *testing.T) {
	query, args, err := newTestCatalog().schemaListQuery()
	require.NoError(t, err)
	assert.Equal(t, "SELECT n.nspname FROM pg_namespace n WHERE n.nspname NOT LIKE 'pg_%' AND n.nspname <> $1 ORDER BY n.nspname", query)
	assert.Equal(t, []any{"information_schema"}, args)
}

func TestTableListQuery(t *testing.T) {
	query, args, err := newTestCatalog().tableListQuery("public")
	require.NoError(t, err)
	assert.Equal(t, "SELECT c.relname FROM pg_class c JOIN pg_namespace n ON c.relnamespace = n.oid WHERE n.nspname = $1 AND c.relkind = 'r' ORDER BY c.relname", query)
	assert.Equal(t, []any{"public"}, args)
}

func TestPrimerQuery(t *testing.T) {
	query, args, err := newTestCatalog().primerQuery()
	require.NoError(t, err)
	assert.Contains(t, query, "json_object_agg(t.schema_name")
	assert.Contains(t, query, "WHERE n.nspname NOT IN ($1,$2,$3) AND n.nspname NOT LIKE 'pg_temp_%'")
	assert.Contains(t, query, "GROUP BY n.nspname, sd.description) AS t")
	assert.Equal(t, []any{"pg_catalog", "information_schema", "pg_toast"}, args)
}

func TestDecodeSchemaMap(t *testing.T) {
	raw := []byte(`{
		"sales": {"description": "", "tables": [{"name": "orders", "description": "customer orders"}]},
		"audit": {"description": "audit trail", "tables": []},
		"public": {"description": "", "tables": [{"name": "a", "description": ""}, {"name": "b", "description": ""}]}
	}`)

	m, err := DecodeSchemaMap(raw)
	require.NoError(t, err)
	require.Len(t, m, 3)

	assert.Equal(t, "audit", m[0].Name)
	assert.Equal(t, "audit trail", m[0].Description)
	assert.Empty(t, m[0].Tables)
	assert.Equal(t, "public", m[1].Name)
	assert.Equal(t, "sales", m[2].Name)

	s, ok := m.Lookup("sales")
	require.True(t, ok)
	assert.Equal(t, []Table{{Name: "orders", Description: "customer orders"}}, s.Tables)

	_, ok = m.Lookup("missing")
	assert.False(t, ok)
}

func TestDecodeSchemaMapEmpty(t *testing.T) {
	for _, raw := range []string{"", "null", "{}"} {
		_, err := DecodeSchemaMap([]byte(raw))
		assert.ErrorIs(t, err, ErrEmptySchemaMap, "input %q", raw)
	}

	_, err := DecodeSchemaMap([]byte("[1,2]"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptySchemaMap)
}

func TestErrors(t *testing.T) {
	nf := notFound("postgresql://u@shop/schemas/public/tables/orders",
		"Table '%s' not found in schema '%s' in database '%s'", "orders", "public", "shop")
	assert.Equal(t, "Table 'orders' not found in schema 'public' in database 'shop'", nf.Error())
	assert.Equal(t, "postgresql://u@shop/schemas/public/tables/orders", nf.URI)

	cause := errors.New("connection reset by peer")
	qe := &QueryError{Lookup: "table info", Err: cause}
	assert.Equal(t, "failed to query table info", qe.Error())
	assert.ErrorIs(t, qe, cause)
}
