package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pg-mcp-server/internal/catalog"
	"pg-mcp-server/internal/logger"
	"pg-mcp-server/internal/resources"
)

func TestDecode(t *testing.T) {
	ev, err := Decode(`{"kind":"list_changed"}`)
	require.NoError(t, err)
	assert.Equal(t, resources.Event{Kind: resources.ResourceSetChanged}, ev)

	ev, err = Decode(`{"kind":"updated","uri":"postgresql://alice@shop/schemas/public"}`)
	require.NoError(t, err)
	assert.Equal(t, resources.Event{Kind: resources.ResourceUpdated, URI: "postgresql://alice@shop/schemas/public"}, ev)
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode(`not json`)
	require.Error(t, err)

	_, err = Decode(`{"kind":"updated"}`)
	require.Error(t, err)

	_, err = Decode(`{"kind":"dropped"}`)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, ev := range []resources.Event{
		{Kind: resources.ResourceSetChanged},
		{Kind: resources.ResourceUpdated, URI: "postgresql://alice@shop"},
	} {
		s, err := Encode(ev)
		require.NoError(t, err)
		got, err := Decode(s)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestDeliver(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "n"}, []string{"kind"})
	l := New("", "mcp_resources", logger.Void(), counter)

	var got []resources.Event
	l.Subscribe(func(ctx context.Context, ev resources.Event) { got = append(got, ev) })

	ctx := context.Background()
	l.deliver(ctx, &pq.Notification{Channel: "mcp_resources", Extra: `{"kind":"updated","uri":"postgresql://alice"}`})
	l.deliver(ctx, &pq.Notification{Channel: "mcp_resources", Extra: `garbage`})
	l.deliver(ctx, nil)

	assert.Equal(t, []resources.Event{
		{Kind: resources.ResourceUpdated, URI: "postgresql://alice"},
		{Kind: resources.ResourceSetChanged},
	}, got)
	assert.Equal(t, float64(1), testutil.ToFloat64(counter.WithLabelValues("invalid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(counter.WithLabelValues("list_changed")))
}

// growingCatalog gains a table every time it is primed.
type growingCatalog struct {
	mu     sync.Mutex
	primes int
}

func (c *growingCatalog) Prime(ctx context.Context) (catalog.SchemaMap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primes++
	tables := make([]catalog.Table, c.primes)
	for i := range tables {
		tables[i] = catalog.Table{Name: fmt.Sprintf("t%d", i)}
	}
	return catalog.SchemaMap{{Name: "public", Tables: tables}}, nil
}

func (c *growingCatalog) UserInfo(ctx context.Context, uri, user string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (c *growingCatalog) DatabaseInfo(ctx context.Context, uri, database string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (c *growingCatalog) SchemaList(ctx context.Context, uri, database string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (c *growingCatalog) SchemaInfo(ctx context.Context, uri, database, schema string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (c *growingCatalog) TableList(ctx context.Context, uri, database, schema string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (c *growingCatalog) TableInfo(ctx context.Context, uri, database, schema, table string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestListChangedRebuildsPrimedRegistry(t *testing.T) {
	ctx := context.Background()
	cat := &growingCatalog{}
	reg := resources.New(resources.Identity{User: "alice", Database: "shop"}, cat, logger.Void())
	_, err := reg.Prime(ctx)
	require.NoError(t, err)

	l := New("", "mcp_resources", logger.Void(), nil)
	reg.EnsureSubscription(l)
	before := len(reg.ListResources(ctx))

	l.Dispatch(ctx, resources.Event{Kind: resources.ResourceSetChanged})

	assert.Equal(t, 2, cat.primes)
	assert.Equal(t, before+1, len(reg.ListResources(ctx)))
}
