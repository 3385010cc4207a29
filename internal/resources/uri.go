package resources

import (
	"net/url"
	"strings"
)

const Scheme = "postgresql"

// Kind classifies a resource URI.
type Kind int

const (
	KindUnknown Kind = iota
	KindUser
	KindDatabase
	KindSchemaList
	KindSchemaInfo
	KindTableList
	KindTableInfo
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindDatabase:
		return "database"
	case KindSchemaList:
		return "schema-list"
	case KindSchemaInfo:
		return "schema-info"
	case KindTableList:
		return "table-list"
	case KindTableInfo:
		return "table-info"
	default:
		return "unknown"
	}
}

// Listing reports whether resources of this kind are derived from the set of
// schemas and tables rather than describing a single object.
func (k Kind) Listing() bool {
	switch k {
	case KindUser, KindDatabase, KindSchemaList, KindTableList:
		return true
	default:
		return false
	}
}

// Address is a parsed resource URI.
type Address struct {
	Kind   Kind
	Schema string
	Table  string
}

// Identity is the connection user and database every URI is rooted at.
type Identity struct {
	User     string
	Database string
}

func (id Identity) UserURI() string {
	return Scheme + "://" + escapeAuthority(id.User)
}

func (id Identity) DatabaseURI() string {
	return id.UserURI() + "@" + escapeAuthority(id.Database)
}

func (id Identity) SchemaListURI() string {
	return id.DatabaseURI() + "/schemas"
}

func (id Identity) SchemaURI(schema string) string {
	return id.SchemaListURI() + "/" + url.PathEscape(schema)
}

func (id Identity) TableListURI(schema string) string {
	return id.SchemaURI(schema) + "/tables"
}

func (id Identity) TableURI(schema, table string) string {
	return id.TableListURI(schema) + "/" + url.PathEscape(table)
}

// URI renders addr in its canonical form. It returns "" for KindUnknown.
func (id Identity) URI(addr Address) string {
	switch addr.Kind {
	case KindUser:
		return id.UserURI()
	case KindDatabase:
		return id.DatabaseURI()
	case KindSchemaList:
		return id.SchemaListURI()
	case KindSchemaInfo:
		return id.SchemaURI(addr.Schema)
	case KindTableList:
		return id.TableListURI(addr.Schema)
	case KindTableInfo:
		return id.TableURI(addr.Schema, addr.Table)
	default:
		return ""
	}
}

// Parse classifies uri. Anything outside this identity's hierarchy is
// KindUnknown.
func (id Identity) Parse(uri string) Address {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return Address{}
	}

	authority, path, _ := strings.Cut(rest, "/")
	if authority == escapeAuthority(id.User) {
		if path == "" && !strings.HasSuffix(rest, "/") {
			return Address{Kind: KindUser}
		}
		return Address{}
	}
	if authority != escapeAuthority(id.User)+"@"+escapeAuthority(id.Database) {
		return Address{}
	}
	if path == "" {
		if strings.HasSuffix(rest, "/") {
			return Address{}
		}
		return Address{Kind: KindDatabase}
	}

	parts := strings.Split(path, "/")
	for i, p := range parts {
		seg, err := url.PathUnescape(p)
		if err != nil || seg == "" {
			return Address{}
		}
		parts[i] = seg
	}
	if parts[0] != "schemas" {
		return Address{}
	}

	switch len(parts) {
	case 1:
		return Address{Kind: KindSchemaList}
	case 2:
		return Address{Kind: KindSchemaInfo, Schema: parts[1]}
	case 3:
		if parts[2] == "tables" {
			return Address{Kind: KindTableList, Schema: parts[1]}
		}
	case 4:
		if parts[2] == "tables" {
			return Address{Kind: KindTableInfo, Schema: parts[1], Table: parts[3]}
		}
	}
	return Address{}
}

// escapeAuthority escapes the characters that would change how a user or
// database name splits the authority.
func escapeAuthority(s string) string {
	return strings.NewReplacer("%", "%25", "@", "%40", "/", "%2F", ":", "%3A").Replace(s)
}
