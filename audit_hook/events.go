package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionTriggerAcquired   = "trigger.acquired"
	ActionTriggerMisfired   = "trigger.misfired"
	ActionTriggerFailed     = "trigger.failed"
	ActionJobStarted        = "job.started"
	ActionJobCompleted      = "job.completed"
	ActionJobFailed         = "job.failed"
	ActionInstanceFailed    = "cluster.instance_failed"
	ActionInstanceRecovered = "cluster.instance_recovered"
)

// Audit event categories group related actions.
const (
	CategoryTrigger = "beacon.trigger"
	CategoryJob     = "beacon.job"
	CategoryCluster = "beacon.cluster"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceTrigger  = "trigger"
	ResourceJob      = "job"
	ResourceInstance = "scheduler_instance"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionTriggerAcquired,
		ActionTriggerMisfired,
		ActionTriggerFailed,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionInstanceFailed,
		ActionInstanceRecovered,
	}
}
