package job

import "github.com/cockroachdb/errors"

// Handlers return one of these, possibly wrapped, to change what happens to
// the firing trigger after a failed execution. Any other error leaves the
// trigger on its schedule.
var (
	// ErrRefireImmediately runs the job again at once on the same trigger.
	ErrRefireImmediately = errors.New("beacon: job: refire immediately")
	// ErrUnscheduleTrigger completes the firing trigger.
	ErrUnscheduleTrigger = errors.New("beacon: job: unschedule firing trigger")
	// ErrUnscheduleAllTriggers completes every trigger of the job.
	ErrUnscheduleAllTriggers = errors.New("beacon: job: unschedule all triggers")
)
