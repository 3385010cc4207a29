// Package notify turns Postgres NOTIFY messages into resource change events.
//
// Payloads on the channel are JSON objects:
//
//	{"kind":"list_changed"}
//	{"kind":"updated","uri":"postgresql://user@db/schemas/public/tables/orders"}
//
// A reconnect of the underlying connection is reported as list_changed, since
// notifications sent while it was down are lost.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"pg-mcp-server/internal/resources"
)

const (
	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

var ErrUnknownKind = errors.New("unknown notification kind")

type payload struct {
	Kind string `json:"kind"`
	URI  string `json:"uri,omitempty"`
}

// Decode parses a notification payload.
func Decode(s string) (resources.Event, error) {
	var p payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return resources.Event{}, fmt.Errorf("invalid notification payload: %w", err)
	}
	switch p.Kind {
	case "list_changed":
		return resources.Event{Kind: resources.ResourceSetChanged}, nil
	case "updated":
		if p.URI == "" {
			return resources.Event{}, errors.New("updated notification without uri")
		}
		return resources.Event{Kind: resources.ResourceUpdated, URI: p.URI}, nil
	default:
		return resources.Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
}

// Encode renders ev as a payload Decode accepts.
func Encode(ev resources.Event) (string, error) {
	b, err := json.Marshal(payload{Kind: ev.Kind.String(), URI: ev.URI})
	return string(b), err
}

// Listener implements resources.Source on a LISTEN connection.
type Listener struct {
	url     string
	channel string
	log     *slog.Logger
	counter *prometheus.CounterVec

	mu       sync.Mutex
	handlers []func(context.Context, resources.Event)
}

// New returns a Listener for channel. counter may be nil.
func New(url, channel string, log *slog.Logger, counter *prometheus.CounterVec) *Listener {
	return &Listener{url: url, channel: channel, log: log, counter: counter}
}

func (l *Listener) Subscribe(h func(context.Context, resources.Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Run listens until ctx is done. Handlers run on this goroutine, in the order
// notifications arrive.
func (l *Listener) Run(ctx context.Context) error {
	pl := pq.NewListener(l.url, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.log.Debug("notification listener connected", "channel", l.channel)
		case pq.ListenerEventDisconnected:
			l.log.Warn("notification listener disconnected", "channel", l.channel, "error", err)
		case pq.ListenerEventReconnected:
			l.log.Info("notification listener reconnected", "channel", l.channel)
		case pq.ListenerEventConnectionAttemptFailed:
			l.log.Warn("notification listener connection attempt failed", "channel", l.channel, "error", err)
		}
	})
	defer pl.Close()

	if err := pl.Listen(l.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}
	l.log.Info("listening for resource notifications", "channel", l.channel)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-pl.Notify:
			l.deliver(ctx, n)
		case <-ticker.C:
			go func() {
				if err := pl.Ping(); err != nil {
					l.log.Debug("notification listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (l *Listener) deliver(ctx context.Context, n *pq.Notification) {
	var ev resources.Event
	if n == nil {
		ev = resources.Event{Kind: resources.ResourceSetChanged}
	} else {
		var err error
		ev, err = Decode(n.Extra)
		if err != nil {
			l.log.Warn("ignoring notification", "channel", n.Channel, "error", err)
			l.count("invalid")
			return
		}
	}
	l.Dispatch(ctx, ev)
}

// Dispatch hands ev to every subscriber.
func (l *Listener) Dispatch(ctx context.Context, ev resources.Event) {
	l.count(ev.Kind.String())

	l.mu.Lock()
	handlers := append([]func(context.Context, resources.Event){}, l.handlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

func (l *Listener) count(kind string) {
	if l.counter != nil {
		l.counter.WithLabelValues(kind).Inc()
	}
}
