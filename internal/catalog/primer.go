package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrEmptySchemaMap is returned by Prime when the catalog reports no schemas.
var ErrEmptySchemaMap = errors.New("schema map is empty")

type Table struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Schema struct {
	Name        string  `json:"-"`
	Description string  `json:"description"`
	Tables      []Table `json:"tables"`
}

// SchemaMap lists the user schemas and their tables, ordered by schema name.
type SchemaMap []Schema

func (m SchemaMap) Lookup(name string) (Schema, bool) {
	for _, s := range m {
		if s.Name == name {
			return s, true
		}
	}
	return Schema{}, false
}

// Prime builds the schema map in a single round trip. Zero schemas is an
// error: the server must not run against an unknown catalog.
func (c *Catalog) Prime(ctx context.Context) (SchemaMap, error) {
	defer c.observe("schema map", time.Now())

	query, args, err := c.primerQuery()
	if err != nil {
		return nil, fmt.Errorf("failed to build primer query: %w", err)
	}

	var raw []byte
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return nil, &QueryError{Lookup: "schema map", Err: err}
	}

	m, err := DecodeSchemaMap(raw)
	if err != nil {
		return nil, err
	}
	c.log.Info("schema map primed", "schemas", len(m))
	return m, nil
}

// DecodeSchemaMap parses the primer's JSON object of schema name to details.
func DecodeSchemaMap(raw []byte) (SchemaMap, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrEmptySchemaMap
	}

	byName := map[string]Schema{}
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil, fmt.Errorf("invalid schema map: %w", err)
	}
	if len(byName) == 0 {
		return nil, ErrEmptySchemaMap
	}

	m := make(SchemaMap, 0, len(byName))
	for name, s := range byName {
		s.Name = name
		if s.Tables == nil {
			s.Tables = []Table{}
		}
		m = append(m, s)
	}
	sort.Slice(m, func(i, j int) bool { return m[i].Name < m[j].Name })
	return m, nil
}
