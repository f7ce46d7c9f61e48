package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/beacon/payload"
)

// Context describes one execution handed to a handler.
type Context struct {
	JobKey       Key
	JobType      string
	TriggerName  string
	TriggerGroup string

	// EntryID is the fired record of this execution.
	EntryID string

	// FireTime is when the execution actually started.
	FireTime time.Time

	// ScheduledFireTime is the fire time the trigger was due at. For a
	// recovery execution it is the original job's scheduled time.
	ScheduledFireTime time.Time

	// Recovering is set when the execution re-runs a job that was running
	// on a failed instance.
	Recovering bool

	// Data is the job data map overlaid with the trigger data map.
	Data payload.DataMap

	// JobData is the job's own data map. Changes made by a stateful job's
	// handler are persisted when the execution completes.
	JobData payload.DataMap
}

// HandlerFunc is a type-erased job handler.
type HandlerFunc func(ctx context.Context, jc *Context) error

// Registry maps handler types to HandlerFuncs. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds an untyped handler for typ, replacing any previous one.
func (r *Registry) Register(typ string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// RegisterDefinition registers a typed definition. The handler is wrapped
// in a closure that decodes the merged data map into T.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	r.Register(def.Name, func(ctx context.Context, jc *Context) error {
		var in T
		if len(jc.Data) > 0 {
			raw, err := json.Marshal(jc.Data)
			if err != nil {
				return fmt.Errorf("encode data for job %q: %w", def.Name, err)
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("decode data for job %q: %w", def.Name, err)
			}
		}
		return def.Handler(ctx, jc, in)
	})
}

// Get returns the handler for typ.
func (r *Registry) Get(typ string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Names returns all registered handler types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
