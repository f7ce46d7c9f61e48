package beacon

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config holds the tunables shared by the coordinator, misfire detector and
// acquisition loop of one scheduler instance.
type Config struct {
	// InstanceID uniquely names this instance within the cluster. The value
	// "AUTO" asks the engine to generate one.
	InstanceID string

	// InstanceName is the logical scheduler name shared by all instances.
	InstanceName string

	// Clustered enables heartbeat, failure detection and peer recovery.
	Clustered bool

	// CheckInInterval is how often this instance records a heartbeat.
	CheckInInterval time.Duration

	// ClusterFailureFactor multiplies a peer's own check-in interval to
	// decide when it is considered failed.
	ClusterFailureFactor int

	// MaxRecoveriesPerCycle bounds how many failed peers one coordinator
	// cycle will recover. Remaining peers are handled next cycle.
	MaxRecoveriesPerCycle int

	// MisfireThreshold is how late a trigger may be before it misfired.
	MisfireThreshold time.Duration

	// MaxMisfiresPerPass bounds how many misfired triggers one pass handles.
	MaxMisfiresPerPass int

	// AcquireLookahead is the window past now in which due triggers are
	// acquired.
	AcquireLookahead time.Duration

	// MaxBatchSize is the maximum number of triggers acquired per cycle.
	MaxBatchSize int

	// AcquireRate limits acquisition cycles per second. Zero disables the
	// limit.
	AcquireRate float64

	// IdleWaitTime is how long the acquisition loop sleeps when nothing is
	// due.
	IdleWaitTime time.Duration

	// DBRetryInterval is the base delay after a failed store round-trip.
	DBRetryInterval time.Duration

	// Concurrency is the maximum number of jobs executed at once.
	Concurrency int

	// ShutdownTimeout is the maximum time to wait for running jobs on stop.
	ShutdownTimeout time.Duration
}

// AutoInstanceID asks the engine to generate an instance id.
const AutoInstanceID = "AUTO"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		InstanceID:            AutoInstanceID,
		InstanceName:          "beacon",
		Clustered:             true,
		CheckInInterval:       7500 * time.Millisecond,
		ClusterFailureFactor:  2,
		MaxRecoveriesPerCycle: 5,
		MisfireThreshold:      60 * time.Second,
		MaxMisfiresPerPass:    20,
		AcquireLookahead:      30 * time.Second,
		MaxBatchSize:          1,
		IdleWaitTime:          30 * time.Second,
		DBRetryInterval:       15 * time.Second,
		Concurrency:           10,
		ShutdownTimeout:       30 * time.Second,
	}
}

// Validate reports the first field that holds an unusable value.
func (c Config) Validate() error {
	switch {
	case c.InstanceID == "":
		return errors.New("beacon: config: instance id is required")
	case c.CheckInInterval <= 0:
		return errors.Newf("beacon: config: check-in interval must be positive, got %s", c.CheckInInterval)
	case c.ClusterFailureFactor < 1:
		return errors.Newf("beacon: config: cluster failure factor must be at least 1, got %d", c.ClusterFailureFactor)
	case c.MisfireThreshold <= 0:
		return errors.Newf("beacon: config: misfire threshold must be positive, got %s", c.MisfireThreshold)
	case c.MaxMisfiresPerPass < 1:
		return errors.Newf("beacon: config: max misfires per pass must be at least 1, got %d", c.MaxMisfiresPerPass)
	case c.MaxBatchSize < 1:
		return errors.Newf("beacon: config: max batch size must be at least 1, got %d", c.MaxBatchSize)
	case c.MaxRecoveriesPerCycle < 1:
		return errors.Newf("beacon: config: max recoveries per cycle must be at least 1, got %d", c.MaxRecoveriesPerCycle)
	case c.AcquireRate < 0:
		return errors.Newf("beacon: config: acquire rate must not be negative, got %v", c.AcquireRate)
	case c.Concurrency < 1:
		return errors.Newf("beacon: config: concurrency must be at least 1, got %d", c.Concurrency)
	}
	return nil
}

// FailureWindow returns how long an instance with the given check-in
// interval may stay silent before it is considered failed.
func (c Config) FailureWindow(interval time.Duration) time.Duration {
	return interval * time.Duration(c.ClusterFailureFactor)
}
