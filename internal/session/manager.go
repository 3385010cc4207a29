// Package session owns the lifecycle of MCP sessions: creating one on a
// handshake, looking it up on every request and tearing it down exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"pg-mcp-server/internal/resources"
)

var (
	ErrUnknownSession = errors.New("session not found")
	ErrSessionClosing = errors.New("session is closing")
)

type State int

const (
	StateActive State = iota + 1
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

type Session struct {
	ID      string
	Created time.Time

	server    *mcp.Server
	transport *mcp.StreamableServerTransport
	conn      *mcp.ServerSession

	mu    sync.Mutex
	state State
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServeHTTP hands a GET or POST to the session's transport.
func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.transport.ServeHTTP(w, r)
}

// Changes is where the manager learns about resource changes. *resources.Registry
// implements it.
type Changes interface {
	EnsureSubscription(src resources.Source)
	Watch(fn func(context.Context, resources.Event))
}

type Manager struct {
	base       context.Context
	store      Store
	dispatcher *Dispatcher
	log        *slog.Logger

	changes Changes
	source  resources.Source

	active prometheus.Gauge
	events *prometheus.CounterVec
}

type Option func(*Manager)

func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithChanges relays resource change events from changes to every live session.
// changes is subscribed to src when the manager is built.
func WithChanges(changes Changes, src resources.Source) Option {
	return func(m *Manager) {
		m.changes = changes
		m.source = src
	}
}

func WithMetrics(active prometheus.Gauge, events *prometheus.CounterVec) Option {
	return func(m *Manager) {
		m.active = active
		m.events = events
	}
}

// NewManager returns a manager whose sessions live until closed or until base
// is done.
func NewManager(base context.Context, d *Dispatcher, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{base: base, dispatcher: d, log: log}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.changes != nil {
		if m.source != nil {
			m.changes.EnsureSubscription(m.source)
		}
		m.changes.Watch(m.broadcast)
	}
	return m
}

// Create starts a new session with a fresh id.
func (m *Manager) Create() (*Session, error) {
	id := uuid.NewString()
	for {
		if _, taken := m.store.Get(id); !taken {
			break
		}
		id = uuid.NewString()
	}

	s := &Session{
		ID:        id,
		Created:   time.Now(),
		server:    m.dispatcher.NewServer(id),
		transport: &mcp.StreamableServerTransport{SessionID: id},
		state:     StateActive,
	}

	conn, err := s.server.Connect(m.base, s.transport, nil)
	if err != nil {
		m.count("failed")
		return nil, fmt.Errorf("failed to connect session: %w", err)
	}
	s.conn = conn
	m.store.Put(s)

	m.count("created")
	if m.active != nil {
		m.active.Inc()
	}
	m.log.Info("session created", "session", id)

	go func() {
		conn.Wait()
		m.teardown(s, "transport closed")
	}()
	return s, nil
}

// Lookup returns the live session with id.
func (m *Manager) Lookup(id string) (*Session, error) {
	s, ok := m.store.Get(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	switch s.State() {
	case StateActive:
		return s, nil
	case StateClosing:
		return nil, ErrSessionClosing
	default:
		return nil, ErrUnknownSession
	}
}

// Close tears down the session with id and returns once it is gone.
func (m *Manager) Close(id string) error {
	s, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if !m.teardown(s, "closed by client") {
		return ErrSessionClosing
	}
	return nil
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll() {
	for _, s := range m.store.All() {
		m.teardown(s, "server shutting down")
	}
}

// Len is the number of sessions in the store, closing ones included.
func (m *Manager) Len() int {
	return len(m.store.All())
}

// teardown moves s through closing to closed. Only the first caller does the
// work; it reports whether this call did.
func (m *Manager) teardown(s *Session, reason string) bool {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		m.log.Debug("session close", "session", s.ID, "error", err)
	}
	m.store.Delete(s.ID)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	m.count("closed")
	if m.active != nil {
		m.active.Dec()
	}
	m.log.Info("session closed", "session", s.ID, "reason", reason, "age", time.Since(s.Created).Round(time.Millisecond))
	return true
}

// broadcast forwards a resource change to the clients of every active session.
func (m *Manager) broadcast(ctx context.Context, ev resources.Event) {
	for _, s := range m.store.All() {
		if s.State() != StateActive {
			continue
		}
		switch ev.Kind {
		case resources.ResourceSetChanged:
			m.dispatcher.AnnounceListChanged(s.server)
		case resources.ResourceUpdated:
			err := s.server.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: ev.URI})
			if err != nil {
				m.log.Warn("failed to send resource update", "session", s.ID, "uri", ev.URI, "error", err)
			}
		}
	}
}

func (m *Manager) count(event string) {
	if m.events != nil {
		m.events.WithLabelValues(event).Inc()
	}
}
