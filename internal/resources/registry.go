// Package resources maps the postgresql:// URI hierarchy onto catalog lookups
// and caches what it resolves.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"pg-mcp-server/internal/cache"
	"pg-mcp-server/internal/catalog"
)

const (
	MIMEType     = "application/json"
	schemaMapKey = "schema-map"
)

// Lookups is the metadata backend. *catalog.Catalog implements it.
type Lookups interface {
	Prime(ctx context.Context) (catalog.SchemaMap, error)
	UserInfo(ctx context.Context, uri, user string) (json.RawMessage, error)
	DatabaseInfo(ctx context.Context, uri, database string) (json.RawMessage, error)
	SchemaList(ctx context.Context, uri, database string) (json.RawMessage, error)
	SchemaInfo(ctx context.Context, uri, database, schema string) (json.RawMessage, error)
	TableList(ctx context.Context, uri, database, schema string) (json.RawMessage, error)
	TableInfo(ctx context.Context, uri, database, schema, table string) (json.RawMessage, error)
}

type Registry struct {
	id      Identity
	lookups Lookups
	log     *slog.Logger

	payloads *cache.Cache[json.RawMessage]
	schemas  *cache.Cache[catalog.SchemaMap]

	subscribe sync.Once
	mu        sync.Mutex
	watchers  []func(context.Context, Event)
}

func New(id Identity, lookups Lookups, log *slog.Logger, opts ...cache.Option) *Registry {
	return &Registry{
		id:       id,
		lookups:  lookups,
		log:      log,
		payloads: cache.New[json.RawMessage](opts...),
		schemas:  cache.New[catalog.SchemaMap](opts...),
	}
}

func (r *Registry) Identity() Identity {
	return r.id
}

// Prime loads the schema map. The server must not start if it fails.
func (r *Registry) Prime(ctx context.Context) (catalog.SchemaMap, error) {
	m, err := r.schemas.GetOrLoad(ctx, schemaMapKey, r.lookups.Prime)
	if err != nil {
		return nil, fmt.Errorf("failed to prime schema map: %w", err)
	}
	return m, nil
}

// SchemaMap returns the current schema map, rebuilding it if it was
// invalidated. A failed rebuild returns nil.
func (r *Registry) SchemaMap(ctx context.Context) catalog.SchemaMap {
	m, err := r.schemas.GetOrLoad(ctx, schemaMapKey, r.lookups.Prime)
	if err != nil {
		r.log.Error("failed to rebuild schema map", "error", err)
		return nil
	}
	return m
}

// ListResources describes the user, the database, the schema list, and every
// schema in the schema map. Schemas with tables also get a table list and one
// resource per table.
func (r *Registry) ListResources(ctx context.Context) []*mcp.Resource {
	db := r.id.Database
	out := []*mcp.Resource{
		{
			URI:         r.id.UserURI(),
			Name:        "current user information",
			Title:       fmt.Sprintf("Current User Connected to the database '%s'", db),
			Description: "This resource contains information about the user currently connected to the database: the session user, the current user and the database name.",
			MIMEType:    MIMEType,
		},
		{
			URI:         r.id.DatabaseURI(),
			Name:        "basic database information",
			Title:       fmt.Sprintf("Database '%s'", db),
			Description: "This resource contains information about the connected database such as the name, owner, encoding, collation, ctype, tablespace, size, connection limit, and access privileges.",
			MIMEType:    MIMEType,
		},
		{
			URI:         r.id.SchemaListURI(),
			Name:        "database schema list",
			Title:       fmt.Sprintf("List of schemas in the '%s' database", db),
			Description: "This resource contains information about the schemas in the connected database.",
			MIMEType:    MIMEType,
		},
	}

	for _, s := range r.SchemaMap(ctx) {
		desc := s.Description
		if desc == "" {
			desc = fmt.Sprintf("This resource provides details about the '%s' schema.", s.Name)
		}
		out = append(out, &mcp.Resource{
			URI:         r.id.SchemaURI(s.Name),
			Name:        fmt.Sprintf("'%s' schema information", s.Name),
			Title:       fmt.Sprintf("Information about the schema '%s'", s.Name),
			Description: desc,
			MIMEType:    MIMEType,
		})

		if len(s.Tables) == 0 {
			continue
		}
		out = append(out, &mcp.Resource{
			URI:         r.id.TableListURI(s.Name),
			Name:        fmt.Sprintf("'%s' table list", s.Name),
			Title:       fmt.Sprintf("List of tables in the '%s' schema", s.Name),
			Description: "This resource contains information about the tables in the particular schema in the connected database.",
			MIMEType:    MIMEType,
		})
		for _, t := range s.Tables {
			desc := t.Description
			if desc == "" {
				desc = fmt.Sprintf("This resource provides details about the '%s' table in the '%s' schema.", t.Name, s.Name)
			}
			out = append(out, &mcp.Resource{
				URI:         r.id.TableURI(s.Name, t.Name),
				Name:        fmt.Sprintf("'%s.%s' table information", s.Name, t.Name),
				Title:       fmt.Sprintf("Information about the table '%s.%s'", s.Name, t.Name),
				Description: desc,
				MIMEType:    MIMEType,
			})
		}
	}
	return out
}

// ReadResource resolves uri, from the cache when possible. Payloads are cached
// under the canonical URI. URIs outside the
// hierarchy resolve to JSON null. Lookup errors are returned uncached.
func (r *Registry) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	addr := r.id.Parse(uri)
	if addr.Kind == KindUnknown {
		r.log.Warn("no resource handler for uri", "uri", uri)
		return json.RawMessage("null"), nil
	}

	key := r.id.URI(addr)
	return r.payloads.GetOrLoad(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		r.log.Debug("resource not cached, fetching", "uri", key, "kind", addr.Kind)
		return r.lookup(ctx, key, addr)
	})
}

func (r *Registry) lookup(ctx context.Context, uri string, addr Address) (json.RawMessage, error) {
	db := r.id.Database
	switch addr.Kind {
	case KindUser:
		return r.lookups.UserInfo(ctx, uri, r.id.User)
	case KindDatabase:
		return r.lookups.DatabaseInfo(ctx, uri, db)
	case KindSchemaList:
		return r.lookups.SchemaList(ctx, uri, db)
	case KindSchemaInfo:
		return r.lookups.SchemaInfo(ctx, uri, db, addr.Schema)
	case KindTableList:
		return r.lookups.TableList(ctx, uri, db, addr.Schema)
	case KindTableInfo:
		return r.lookups.TableInfo(ctx, uri, db, addr.Schema, addr.Table)
	default:
		return json.RawMessage("null"), nil
	}
}

// InvalidateResourceSet drops the schema map and every listing payload, then
// rebuilds the schema map. Cached schema and table details are kept.
func (r *Registry) InvalidateResourceSet(ctx context.Context) {
	r.schemas.Invalidate(schemaMapKey)
	n := r.payloads.InvalidateFunc(func(key string) bool {
		return r.id.Parse(key).Kind.Listing()
	})
	r.log.Info("resource set changed", "dropped", n)

	if m := r.SchemaMap(ctx); m != nil {
		r.log.Info("schema map rebuilt", "schemas", len(m))
	}
}

// InvalidateURI drops the cached payload for uri only. Equivalent spellings
// of the same resource share one entry.
func (r *Registry) InvalidateURI(uri string) {
	if key := r.id.URI(r.id.Parse(uri)); key != "" {
		uri = key
	}
	if r.payloads.Invalidate(uri) {
		r.log.Info("resource content changed", "uri", uri)
	}
}
