package resources

import "context"

type EventKind int

const (
	// ResourceSetChanged means schemas or tables were added or removed.
	ResourceSetChanged EventKind = iota + 1
	// ResourceUpdated means the content behind one URI changed.
	ResourceUpdated
)

func (k EventKind) String() string {
	switch k {
	case ResourceSetChanged:
		return "list_changed"
	case ResourceUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Event is a change notification from the backing store.
type Event struct {
	Kind EventKind
	URI  string
}

// Source delivers change notifications to a handler.
type Source interface {
	Subscribe(handler func(context.Context, Event))
}

// EnsureSubscription subscribes the registry to src. Only the first call has
// any effect, however many sessions make it.
func (r *Registry) EnsureSubscription(src Source) {
	r.subscribe.Do(func() {
		src.Subscribe(r.Handle)
		r.log.Info("subscribed to resource change notifications")
	})
}

// Watch registers fn to run after the registry has applied an event.
func (r *Registry) Watch(fn func(context.Context, Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Handle applies ev to the caches and then notifies watchers.
func (r *Registry) Handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case ResourceSetChanged:
		r.InvalidateResourceSet(ctx)
	case ResourceUpdated:
		if ev.URI == "" {
			return
		}
		r.InvalidateURI(ev.URI)
	default:
		r.log.Warn("ignoring unknown resource event", "kind", int(ev.Kind))
		return
	}

	r.mu.Lock()
	watchers := append([]func(context.Context, Event){}, r.watchers...)
	r.mu.Unlock()

	for _, fn := range watchers {
		fn(ctx, ev)
	}
}
