// Package ext defines the extension system for Beacon.
//
// Extensions are notified of scheduler lifecycle events and can react to
// them: recording metrics, writing audit logs, paging operators, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnInstanceRecovered(ctx context.Context, instanceID string, released, synthesized int) error {
//	    log.Printf("recovered %s: %d records, %d recovery triggers", instanceID, released, synthesized)
//	    return nil
//	}
//
// # Trigger Hooks
//
//   - [TriggerAcquired]: a trigger was acquired and its fired record written
//   - [TriggerMisfired]: the misfire detector rescheduled a trigger
//   - [TriggerFailed]: a trigger was moved to ERROR
//
// # Job Hooks
//
//   - [JobStarted]: a fired trigger's job began executing
//   - [JobCompleted]: a job finished successfully
//   - [JobFailed]: a job returned an error
//
// # Cluster Hooks
//
//   - [CheckedIn]: this instance refreshed its heartbeat
//   - [InstanceFailed]: a peer missed its check-in window
//   - [InstanceRecovered]: a failed peer's fired records were recovered
//   - [Shutdown]: the scheduler is shutting down gracefully
//
// Hooks run after the transaction that produced the event has committed.
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
