// Package audithook is a beacon extension that bridges scheduler lifecycle
// events to an immutable audit trail backend.
//
// Trigger, job and cluster hooks each emit a structured audit event through
// the [Recorder] interface. Severity follows the event: info for normal
// firing, warning for misfires and failed peers, critical for triggers put
// into ERROR and failed jobs.
//
// # Usage
//
//	eng, _ := engine.New(gw, engine.WithExtension(
//	    audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	        return auditLog.Append(ctx, evt)
//	    })),
//	))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionTriggerFailed,
//	        audithook.ActionJobFailed,
//	        audithook.ActionInstanceRecovered,
//	    ),
//	)
package audithook
