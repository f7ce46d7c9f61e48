package job

// Options configures the behavioral flags of jobs built from a Definition.
type Options struct {
	// Group is the job group. Empty means DefaultGroup.
	Group string

	// Description is a free-form human description.
	Description string

	// Durable keeps the job stored after its last trigger is removed.
	Durable bool

	// Stateful allows at most one concurrent execution cluster-wide.
	Stateful bool

	// RequestsRecovery re-runs the job if its instance fails mid-execution.
	RequestsRecovery bool

	// Volatile removes the job when the scheduler restarts.
	Volatile bool
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{Group: DefaultGroup}
}

// Option is a functional option for configuring a job definition.
type Option func(*Options)

// WithGroup sets the job group.
func WithGroup(group string) Option {
	return func(o *Options) { o.Group = group }
}

// WithDescription sets the job description.
func WithDescription(desc string) Option {
	return func(o *Options) { o.Description = desc }
}

// WithDurable keeps the job when it has no triggers.
func WithDurable() Option {
	return func(o *Options) { o.Durable = true }
}

// WithStateful makes executions of the job mutually exclusive.
func WithStateful() Option {
	return func(o *Options) { o.Stateful = true }
}

// WithRequestsRecovery asks for re-execution after an instance failure.
func WithRequestsRecovery() Option {
	return func(o *Options) { o.RequestsRecovery = true }
}

// WithVolatile marks jobs as discarded on restart.
func WithVolatile() Option {
	return func(o *Options) { o.Volatile = true }
}
