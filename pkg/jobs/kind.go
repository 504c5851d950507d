package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind is a registered job name. Every job name resolves to exactly one Kind;
// names nobody registered resolve to KindUnknown.
type Kind string

// KindUnknown is the kind of every job whose name has no registered handler.
const KindUnknown Kind = ""

// String returns the job name, or "unknown" for KindUnknown.
func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

// Handler processes one job attempt. A non-nil error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// Dispatcher maps kinds to handlers. Route is total: unknown names get the
// fallback handler, or none when no fallback was installed.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	fallback Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[Kind]Handler{}}
}

// Register binds kind to handler. Kinds are registered once.
func (d *Dispatcher) Register(kind Kind, handler Handler) error {
	name := strings.TrimSpace(string(kind))
	if name == "" {
		return jobsError(ErrInvalidArgument, "job kind is required")
	}
	if name != string(kind) {
		return jobsError(ErrInvalidArgument, fmt.Sprintf("job kind %q has surrounding whitespace", kind))
	}
	if handler == nil {
		return jobsError(ErrInvalidArgument, "job handler is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[kind]; exists {
		return jobsError(ErrConflict, fmt.Sprintf("handler already registered for job kind %s", kind))
	}
	d.handlers[kind] = handler
	return nil
}

// Fallback installs the handler used for KindUnknown.
func (d *Dispatcher) Fallback(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = handler
}

// Resolve maps a job name to its Kind by exact match after trimming.
func (d *Dispatcher) Resolve(name string) Kind {
	kind := Kind(strings.TrimSpace(name))
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.handlers[kind]; ok {
		return kind
	}
	return KindUnknown
}

// Route returns the kind and handler for a job name. The handler is nil only
// for KindUnknown without a fallback.
func (d *Dispatcher) Route(name string) (Kind, Handler) {
	kind := d.Resolve(name)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if kind == KindUnknown {
		return KindUnknown, d.fallback
	}
	return kind, d.handlers[kind]
}

// Kinds lists registered kinds in name order.
func (d *Dispatcher) Kinds() []Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]Kind, 0, len(d.handlers))
	for kind := range d.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
