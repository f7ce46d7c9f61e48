// Package job defines the job entity, its key, typed definitions, the
// handler registry and the job store interface.
//
// # Job Entity
//
// A [Job] is the durable description of work: a [Key] (name + group), the
// handler Type that runs it, an opaque data map and four behavioral flags:
//
//   - Durable: the job survives without any trigger pointing at it
//   - Stateful: at most one execution of the job may run cluster-wide;
//     while it runs, its other triggers are BLOCKED
//   - RequestsRecovery: if the instance running it dies, a recovery
//     trigger re-runs it with the original fire time
//   - Volatile: removed when the scheduler restarts
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The job data map is decoded into
// the handler's payload type before the handler runs:
//
//	var Report = job.NewDefinition("report",
//	    func(ctx context.Context, jc *job.Context, in ReportInput) error {
//	        return reports.Build(ctx, in.Day)
//	    },
//	    job.WithStateful(),
//	)
//
// # Registry
//
// [Registry] maps handler types to type-erased [HandlerFunc] values. The
// engine looks up Job.Type in the registry when a trigger fires.
package job
