package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"pg-mcp-server/internal/catalog"
	"pg-mcp-server/internal/resources"
)

const instructions = `This server exposes one PostgreSQL database.
Browse its structure through the postgresql:// resources, starting with the schema list.
Use the query tool to run a single read-only SELECT. Results are capped at 100 rows and default to 10.`

var errReadFailed = errors.New("failed to read resource: internal error")

// Resources is what the dispatcher needs from the resource registry.
type Resources interface {
	Identity() resources.Identity
	ListResources(ctx context.Context) []*mcp.Resource
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)
}

// QueryRunner executes the query tool. *sandbox.Sandbox implements it.
type QueryRunner interface {
	Execute(ctx context.Context, sqlText string) *mcp.CallToolResult
}

// QueryInput is the argument of the query tool.
type QueryInput struct {
	SQL string `json:"sql" jsonschema:"a single read-only SELECT statement; a LIMIT of 10 is added when absent and larger limits are capped at 100"`
}

// Dispatcher builds the MCP server behind each session.
type Dispatcher struct {
	name      string
	version   string
	resources Resources
	query     QueryRunner
	log       *slog.Logger
}

func NewDispatcher(name, version string, res Resources, query QueryRunner, log *slog.Logger) *Dispatcher {
	return &Dispatcher{name: name, version: version, resources: res, query: query, log: log}
}

// NewServer returns a server with the query tool, the resource templates and
// the routing middleware installed.
func (d *Dispatcher) NewServer(sessionID string) *mcp.Server {
	log := d.log.With("session", sessionID)

	server := mcp.NewServer(
		&mcp.Implementation{Name: d.name, Version: d.version},
		&mcp.ServerOptions{
			Instructions:       instructions,
			HasResources:       true,
			HasTools:           true,
			SubscribeHandler:   d.subscribe(log),
			UnsubscribeHandler: d.unsubscribe(log),
		},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "query",
		Title:       "Run a read-only SQL query",
		Description: `Run a read-only SQL query against the connected database and return the rows as JSON.
Only a single SELECT statement is accepted. A LIMIT of 10 is added when absent and larger limits are capped at 100.

**Example usage:**
` + "```json" + `
{
  "sql": "SELECT id, name FROM users WHERE status = 'active' ORDER BY name"
}
` + "```",
		InputSchema: queryInputSchema(),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, d.runQuery)

	for _, t := range d.templates() {
		server.AddResourceTemplate(t, d.readTemplate)
	}

	server.AddReceivingMiddleware(d.middleware(log))
	return server
}

// AnnounceListChanged makes server send notifications/resources/list_changed
// to its sessions.
func (d *Dispatcher) AnnounceListChanged(server *mcp.Server) {
	server.AddResourceTemplate(d.templates()[0], d.readTemplate)
}

// queryInputSchema is the inferred QueryInput schema with sql required to be
// non-empty.
func queryInputSchema() *jsonschema.Schema {
	s, err := jsonschema.For[QueryInput](nil)
	if err != nil {
		panic(fmt.Sprintf("query tool schema: %v", err))
	}
	minLen := 1
	s.Properties["sql"].MinLength = &minLen
	return s
}

func (d *Dispatcher) runQuery(ctx context.Context, req *mcp.CallToolRequest, in QueryInput) (*mcp.CallToolResult, any, error) {
	return d.query.Execute(ctx, in.SQL), nil, nil
}

func (d *Dispatcher) templates() []*mcp.ResourceTemplate {
	return []*mcp.ResourceTemplate{
		{
			URITemplate: "postgresql://{user}@{database}/schemas/{schema}/tables/{table}",
			Name:        "table information",
			Title:       "Table",
			Description: "Columns, constraints, foreign keys and indexes of one table.",
			MIMEType:    resources.MIMEType,
		},
		{
			URITemplate: "postgresql://{user}@{database}/schemas/{schema}/tables",
			Name:        "table list",
			Title:       "Tables in a schema",
			Description: "Names of the tables in one schema.",
			MIMEType:    resources.MIMEType,
		},
		{
			URITemplate: "postgresql://{user}@{database}/schemas/{schema}",
			Name:        "schema information",
			Title:       "Schema",
			Description: "Owner, privileges and object counts of one schema.",
			MIMEType:    resources.MIMEType,
		},
		{
			URITemplate: "postgresql://{user}@{database}/schemas",
			Name:        "schema list",
			Title:       "Schemas",
			Description: "Names of the schemas in the database.",
			MIMEType:    resources.MIMEType,
		},
		{
			URITemplate: "postgresql://{user}@{database}",
			Name:        "database information",
			Title:       "Database",
			Description: "Owner, encoding, size and privileges of the database.",
			MIMEType:    resources.MIMEType,
		},
		{
			URITemplate: "postgresql://{user}",
			Name:        "user information",
			Title:       "User",
			Description: "Session user, current user and database of the connection.",
			MIMEType:    resources.MIMEType,
		},
	}
}

func (d *Dispatcher) readTemplate(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return d.read(ctx, req.Params.URI)
}

// read resolves uri through the registry. A missing entity is returned as
// data; any other failure is reported without detail.
func (d *Dispatcher) read(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	payload, err := d.resources.ReadResource(ctx, uri)
	if err != nil {
		var nf *catalog.NotFoundError
		if !errors.As(err, &nf) {
			d.log.Error("failed to read resource", "uri", uri, "error", err)
			return nil, errReadFailed
		}
		payload, _ = json.Marshal(map[string]string{"error": nf.Message})
	}

	var buf bytes.Buffer
	text := string(payload)
	if json.Indent(&buf, payload, "", "  ") == nil {
		text = buf.String()
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: resources.MIMEType, Text: text}},
	}, nil
}

func (d *Dispatcher) subscribe(log *slog.Logger) func(context.Context, *mcp.SubscribeRequest) error {
	return func(ctx context.Context, req *mcp.SubscribeRequest) error {
		if d.resources.Identity().Parse(req.Params.URI).Kind == resources.KindUnknown {
			return fmt.Errorf("cannot subscribe to %q: not a resource of this server", req.Params.URI)
		}
		log.Info("resource subscribed", "uri", req.Params.URI)
		return nil
	}
}

func (d *Dispatcher) unsubscribe(log *slog.Logger) func(context.Context, *mcp.UnsubscribeRequest) error {
	return func(ctx context.Context, req *mcp.UnsubscribeRequest) error {
		log.Info("resource unsubscribed", "uri", req.Params.URI)
		return nil
	}
}

func (d *Dispatcher) middleware(log *slog.Logger) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			kind := Classify(method)
			switch kind {
			case KindListResources:
				return &mcp.ListResourcesResult{Resources: d.resources.ListResources(ctx)}, nil

			case KindReadResource:
				r, ok := req.(*mcp.ReadResourceRequest)
				if !ok || r.Params == nil {
					return next(ctx, method, req)
				}
				res, err := d.read(ctx, r.Params.URI)
				if err != nil {
					return nil, err
				}
				return res, nil

			case KindCallTool:
				name := ""
				if r, ok := req.(*mcp.CallToolRequest); ok && r.Params != nil {
					name = r.Params.Name
				}
				start := time.Now()
				res, err := next(ctx, method, req)
				failed := err != nil
				if tr, ok := res.(*mcp.CallToolResult); ok && tr != nil {
					failed = failed || tr.IsError
				}
				log.Info("tool call", "tool", name, "duration", time.Since(start), "failed", failed)
				return res, err

			case KindInitialize, KindListTemplates, KindSubscribe, KindUnsubscribe,
				KindListTools, KindPing, KindNotification, KindOther:
				log.DebugContext(ctx, "mcp request", "method", method, "kind", kind)
				return next(ctx, method, req)

			default:
				panic(fmt.Sprintf("unhandled request kind %d", kind))
			}
		}
	}
}
