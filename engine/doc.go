// Package engine runs one scheduler instance on top of a store.Gateway. It
// wires the lifecycle machine, cluster coordinator, misfire detector and
// worker pool together and drives them from three supervised loops:
//
//   - cluster: heartbeat, failure detection and recovery of dead peers
//   - misfire: rescheduling triggers that missed their fire time
//   - acquire: claiming due triggers, waiting for their fire time and
//     handing them to the worker pool
//
// # Building an Engine
//
//	cfg := beacon.DefaultConfig()
//	cfg.Concurrency = 20
//
//	eng, err := engine.New(gw,
//	    engine.WithConfig(cfg),
//	    engine.WithLogger(logger),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Timeout(time.Minute)),
//	)
//
// # Registering Work
//
//	engine.Register(eng, job.NewDefinition("send-report", sendReport))
//
//	def := job.NewDefinition("send-report", sendReport, job.WithDurable())
//	j := def.NewJob("weekly", nil)
//	t := trigger.New(trigger.NewKey("monday", ""), j.Key, start, trigger.Cron("0 9 * * MON", "Europe/Berlin"))
//	err = eng.ScheduleJob(ctx, j, t)
//
// # Running
//
// Start runs startup recovery for this instance, checks in and launches the
// loops. Stop waits for running jobs up to Config.ShutdownTimeout and
// removes the instance's heartbeat row. Run does both around a context.
//
// # Options
//
//   - [WithConfig] sets the scheduler tunables
//   - [WithExtension] registers a lifecycle extension
//   - [WithMiddleware] adds a middleware to the execution chain
//   - [WithRegistry] shares a handler registry
//   - [WithRetry] sets the delay strategy after store failures
//   - [WithTracerProvider] and [WithMeterProvider] set OpenTelemetry providers
package engine
