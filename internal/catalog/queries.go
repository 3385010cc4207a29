package catalog

import (
	sq "github.com/Masterminds/squirrel"
)

// Schemas the primer never reports.
var systemSchemas = []string{"pg_catalog", "information_schema", "pg_toast"}

func (c *Catalog) userInfoQuery() (string, []any, error) {
	conn := sq.Select(
		"current_database() AS database_name",
		"session_user",
		"current_user",
	)
	return c.qb.Select("row_to_json(conn)").FromSelect(conn, "conn").ToSql()
}

func (c *Catalog) databaseInfoQuery(database string) (string, []any, error) {
	info := sq.Select(
		`d.datname AS "Name"`,
		`pg_catalog.pg_get_userbyid(d.datdba) AS "Owner"`,
		`pg_encoding_to_char(d.encoding) AS "Encoding"`,
		`d.datcollate AS "Collate"`,
		`d.datctype AS "Ctype"`,
		`ts.spcname AS "Tablespace"`,
		`pg_size_pretty(pg_database_size(d.datname)) AS "Size"`,
		`d.datconnlimit AS "Connection Limit"`,
		`d.datallowconn AS "Allow Connections"`,
		`d.datistemplate AS "Is Template"`,
		`d.datacl AS "Access Privileges"`,
	).
		From("pg_database d").
		LeftJoin("pg_tablespace ts ON d.dattablespace = ts.oid").
		Where(sq.Eq{"d.datname": database})

	return c.qb.Select("row_to_json(info)").FromSelect(info, "info").ToSql()
}

func (c *Catalog) schemaListQuery() (string, []any, error) {
	return c.qb.Select("n.nspname").
		From("pg_namespace n").
		Where("n.nspname NOT LIKE 'pg_%'").
		Where(sq.NotEq{"n.nspname": "information_schema"}).
		OrderBy("n.nspname").
		ToSql()
}

func (c *Catalog) tableListQuery(schema string) (string, []any, error) {
	return c.qb.Select("c.relname").
		From("pg_class c").
		Join("pg_namespace n ON c.relnamespace = n.oid").
		Where(sq.Eq{"n.nspname": schema}).
		Where("c.relkind = 'r'").
		OrderBy("c.relname").
		ToSql()
}

func (c *Catalog) primerQuery() (string, []any, error) {
	tables := sq.Select(
		"n.nspname AS schema_name",
		"COALESCE(sd.description, '') AS schema_description",
		`COALESCE(
			json_agg(
				json_build_object('name', c.relname, 'description', COALESCE(td.description, ''))
				ORDER BY c.relname
			) FILTER (WHERE c.relname IS NOT NULL),
			'[]'::json
		) AS table_list`,
	).
		From("pg_namespace n").
		LeftJoin("pg_description sd ON sd.objoid = n.oid AND sd.objsubid = 0").
		LeftJoin("pg_class c ON n.oid = c.relnamespace AND c.relkind = 'r'").
		LeftJoin("pg_description td ON td.objoid = c.oid AND td.objsubid = 0").
		Where(sq.NotEq{"n.nspname": systemSchemas}).
		Where("n.nspname NOT LIKE 'pg_temp_%'").
		Where("n.nspname NOT LIKE 'pg_toast_temp_%'").
		GroupBy("n.nspname", "sd.description")

	return c.qb.Select(`COALESCE(
			json_object_agg(t.schema_name, json_build_object('description', t.schema_description, 'tables', t.table_list)),
			'{}'::json
		) AS db_schema_table_map`).
		FromSelect(tables, "t").
		ToSql()
}

const schemaInfoSQL = `
WITH
	sch AS (
		SELECT
			n.nspname                   AS schema_name,
			pg_get_userbyid(n.nspowner) AS schema_owner
		FROM pg_namespace n
		WHERE n.nspname = $1
	),
	schema_size AS (
		SELECT
			n.nspname                                      AS schema_name,
			pg_size_pretty(SUM(pg_total_relation_size(c.oid))) AS size
		FROM pg_namespace n
		LEFT JOIN pg_class c ON c.relnamespace = n.oid
		WHERE n.nspname = $1
		GROUP BY n.nspname
	),
	schema_acl AS (
		SELECT
			n.nspname                                             AS schema_name,
			split_part(acl_item::text, '=', 1)                    AS grantee,
			split_part(split_part(acl_item::text, '/', 1), '=', 2) AS priv_bits
		FROM pg_namespace n
		CROSS JOIN unnest(coalesce(n.nspacl, array[]::aclitem[])) AS acl_item
		WHERE n.nspname = $1
	),
	privileges AS (
		SELECT
			schema_name,
			jsonb_agg(jsonb_build_object(
				'grantee',      grantee,
				'grant_usage',  (priv_bits LIKE '%U%'),
				'grant_create', (priv_bits LIKE '%C%')
			)) AS privileges
		FROM schema_acl
		GROUP BY schema_name
	),
	tbls AS (
		SELECT t.table_schema, jsonb_agg(t.table_name ORDER BY t.table_name) AS tables
		FROM information_schema.tables t
		WHERE t.table_schema = $1 AND t.table_type = 'BASE TABLE'
		GROUP BY t.table_schema
	),
	vws AS (
		SELECT v.table_schema, jsonb_agg(v.table_name ORDER BY v.table_name) AS views
		FROM information_schema.views v
		WHERE v.table_schema = $1
		GROUP BY v.table_schema
	),
	seqs AS (
		SELECT s.sequence_schema, jsonb_agg(s.sequence_name ORDER BY s.sequence_name) AS sequences
		FROM information_schema.sequences s
		WHERE s.sequence_schema = $1
		GROUP BY s.sequence_schema
	),
	rts AS (
		SELECT
			r.routine_schema,
			jsonb_agg(jsonb_build_object(
				'name',   r.routine_name,
				'type',   r.routine_type,
				'return', r.data_type
			) ORDER BY r.routine_name) AS routines
		FROM information_schema.routines r
		WHERE r.routine_schema = $1
		GROUP BY r.routine_schema
	)
SELECT jsonb_build_object(
	'schema',     sch.schema_name,
	'owner',      sch.schema_owner,
	'size',       coalesce(ss.size, '0 bytes'),
	'privileges', coalesce(p.privileges, '[]'::jsonb),
	'tables',     coalesce(tbls.tables, '[]'::jsonb),
	'views',      coalesce(vws.views, '[]'::jsonb),
	'sequences',  coalesce(seqs.sequences, '[]'::jsonb),
	'routines',   coalesce(rts.routines, '[]'::jsonb)
) AS schema_info
FROM sch
LEFT JOIN schema_size ss ON ss.schema_name = sch.schema_name
LEFT JOIN privileges p   ON p.schema_name = sch.schema_name
LEFT JOIN tbls           ON tbls.table_schema = sch.schema_name
LEFT JOIN vws            ON vws.table_schema = sch.schema_name
LEFT JOIN seqs           ON seqs.sequence_schema = sch.schema_name
LEFT JOIN rts            ON rts.routine_schema = sch.schema_name`

const tableInfoSQL = `
WITH
	cols AS (
		SELECT
			c.table_schema,
			c.table_name,
			jsonb_agg(jsonb_build_object(
				'column_name',      c.column_name,
				'data_type',        c.data_type,
				'is_nullable',      c.is_nullable,
				'column_default',   c.column_default,
				'ordinal_position', c.ordinal_position
			) ORDER BY c.ordinal_position) AS columns
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		GROUP BY c.table_schema, c.table_name
	),
	constraint_cols AS (
		SELECT
			tc.table_schema,
			tc.table_name,
			tc.constraint_name,
			tc.constraint_type,
			array_agg(kcu.column_name ORDER BY kcu.ordinal_position) AS cols
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name   = tc.constraint_name
			AND kcu.constraint_schema = tc.table_schema
			AND kcu.table_schema      = tc.table_schema
			AND kcu.table_name        = tc.table_name
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		GROUP BY tc.table_schema, tc.table_name, tc.constraint_name, tc.constraint_type
	),
	cons AS (
		SELECT
			table_schema,
			table_name,
			jsonb_agg(jsonb_build_object(
				'constraint_name', constraint_name,
				'constraint_type', constraint_type,
				'columns',         cols
			)) AS constraints
		FROM constraint_cols
		GROUP BY table_schema, table_name
	),
	fkey_cols AS (
		SELECT
			tc.table_schema,
			tc.table_name,
			tc.constraint_name,
			array_agg(kcu.column_name ORDER BY kcu.ordinal_position) AS fk_cols
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name   = tc.constraint_name
			AND kcu.constraint_schema = tc.table_schema
			AND kcu.table_schema      = tc.table_schema
			AND kcu.table_name        = tc.table_name
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1 AND tc.table_name = $2
		GROUP BY tc.table_schema, tc.table_name, tc.constraint_name
	),
	fkey_ref AS (
		SELECT
			tc.table_schema,
			tc.table_name,
			tc.constraint_name,
			min(ccu.table_schema || '.' || ccu.table_name) AS referenced_table,
			array_agg(ccu.column_name)                      AS referenced_columns
		FROM information_schema.table_constraints tc
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name   = tc.constraint_name
			AND ccu.constraint_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1 AND tc.table_name = $2
		GROUP BY tc.table_schema, tc.table_name, tc.constraint_name
	),
	fkeys AS (
		SELECT
			fk.table_schema,
			fk.table_name,
			jsonb_agg(jsonb_build_object(
				'constraint_name',    fk.constraint_name,
				'columns',            fk.fk_cols,
				'referenced_table',   fr.referenced_table,
				'referenced_columns', fr.referenced_columns
			)) AS foreign_keys
		FROM fkey_cols fk
		LEFT JOIN fkey_ref fr
			ON fk.table_schema    = fr.table_schema
			AND fk.table_name      = fr.table_name
			AND fk.constraint_name = fr.constraint_name
		GROUP BY fk.table_schema, fk.table_name
	),
	idxs AS (
		SELECT
			schemaname AS table_schema,
			tablename  AS table_name,
			jsonb_agg(jsonb_build_object(
				'index_name', indexname,
				'definition', indexdef
			) ORDER BY indexname) AS indexes
		FROM pg_indexes
		WHERE schemaname = $1 AND tablename = $2
		GROUP BY schemaname, tablename
	)
SELECT jsonb_build_object(
	'table',        cols.table_schema || '.' || cols.table_name,
	'columns',      cols.columns,
	'constraints',  coalesce(cons.constraints, '[]'::jsonb),
	'foreign_keys', coalesce(fkeys.foreign_keys, '[]'::jsonb),
	'indexes',      coalesce(idxs.indexes, '[]'::jsonb)
) AS table_info
FROM cols
LEFT JOIN cons  USING (table_schema, table_name)
LEFT JOIN fkeys USING (table_schema, table_name)
LEFT JOIN idxs  USING (table_schema, table_name)`
