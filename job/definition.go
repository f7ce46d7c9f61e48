package job

import (
	"context"

	"github.com/xraph/beacon"
)

// Definition is a typed job definition with a handler function.
// T is the payload type the job data map is decoded into.
type Definition[T any] struct {
	// Name is the handler type stored in Job.Type.
	Name string

	// Handler processes one execution.
	Handler func(ctx context.Context, jc *Context, payload T) error

	// Opts configures the flags of jobs built from this definition.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, jc *Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// NewJob builds a job of this definition's type named name, carrying data.
func (d *Definition[T]) NewJob(name string, data []byte) *Job {
	return &Job{
		Entity:           beacon.NewEntity(),
		Key:              NewKey(name, d.Opts.Group),
		Type:             d.Name,
		Description:      d.Opts.Description,
		Durable:          d.Opts.Durable,
		Stateful:         d.Opts.Stateful,
		RequestsRecovery: d.Opts.RequestsRecovery,
		Volatile:         d.Opts.Volatile,
		Data:             data,
	}
}
