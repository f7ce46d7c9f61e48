package beacon

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("beacon: no store configured")
	ErrStoreClosed     = errors.New("beacon: store closed")
	ErrMigrationFailed = errors.New("beacon: migration failed")
	ErrReadOnly        = errors.New("beacon: write attempted in read-only transaction")

	// Not found errors.
	ErrJobNotFound      = errors.New("beacon: job not found")
	ErrTriggerNotFound  = errors.New("beacon: trigger not found")
	ErrCalendarNotFound = errors.New("beacon: calendar not found")
	ErrFiredNotFound    = errors.New("beacon: fired trigger record not found")
	ErrInstanceNotFound = errors.New("beacon: scheduler instance not found")

	// Conflict and referential errors.
	ErrObjectAlreadyExists = errors.New("beacon: object already exists")
	ErrCalendarReferenced  = errors.New("beacon: calendar is referenced by triggers")
	ErrJobPersistence      = errors.New("beacon: trigger references a job that does not exist")

	// Trigger errors.
	ErrInvalidState         = errors.New("beacon: invalid state transition")
	ErrTriggerWillNeverFire = errors.New("beacon: trigger will never fire")
	ErrInvalidSchedule      = errors.New("beacon: invalid schedule")

	// Row anomalies.
	ErrUnknownState   = errors.New("beacon: unknown state")
	ErrPayloadCorrupt = errors.New("beacon: payload corrupt")

	// Retryable failures. A transaction that fails with one of these was
	// rolled back in full and may be retried on the next cycle.
	ErrContention = errors.New("beacon: contention")
	ErrTransient  = errors.New("beacon: transient store failure")
)

// MarkTransient tags err as a retryable store failure while keeping its
// original message and chain. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// MarkContention tags err as a lost race against a peer instance.
func MarkContention(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrContention)
}

// IsRetryable reports whether err was caused by contention or a transient
// store failure.
func IsRetryable(err error) bool {
	return errors.IsAny(err, ErrTransient, ErrContention)
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.IsAny(err,
		ErrJobNotFound,
		ErrTriggerNotFound,
		ErrCalendarNotFound,
		ErrFiredNotFound,
		ErrInstanceNotFound,
	)
}

// RowError reports a single row that could not be decoded. Key identifies
// the entity (for example "DEFAULT.nightly").
type RowError struct {
	Key string
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("beacon: row %s: %v", e.Key, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// BatchError collects the rows a batch read skipped. Batch selects return
// the rows they could decode together with a *BatchError naming the rest.
type BatchError struct {
	Rows []*RowError
}

// Add records a skipped row.
func (e *BatchError) Add(key string, err error) {
	e.Rows = append(e.Rows, &RowError{Key: key, Err: err})
}

// ErrOrNil returns e when it holds at least one row, else nil.
func (e *BatchError) ErrOrNil() error {
	if e == nil || len(e.Rows) == 0 {
		return nil
	}
	return e
}

func (e *BatchError) Error() string {
	keys := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		keys = append(keys, r.Key)
	}
	return fmt.Sprintf("beacon: %d rows skipped: %s", len(e.Rows), strings.Join(keys, ", "))
}

// Unwrap exposes each row error to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Rows))
	for _, r := range e.Rows {
		errs = append(errs, r)
	}
	return errs
}
