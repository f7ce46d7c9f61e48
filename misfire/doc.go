// Package misfire finds triggers whose fire time passed without being
// acquired and reschedules them according to their misfire policy.
//
// A trigger is misfired when it is WAITING and its next fire time is older
// than now minus the misfire threshold. The [Detector] handles a bounded
// batch of them per [Detector.Scan], each scan being one transaction.
// Triggers with the ignore policy and recovery triggers are never
// rescheduled: they keep their fire time and fire as soon as possible.
//
// Running a scan twice with the same now changes nothing the second time:
// every handled trigger either moves to a fire time at or after now or is
// completed.
package misfire
