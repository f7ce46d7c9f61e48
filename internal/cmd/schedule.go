package cmd

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/machine"
	"github.com/xraph/beacon/payload"
	"github.com/xraph/beacon/trigger"
)

// scheduleOptions are the flags of "beacond schedule".
type scheduleOptions struct {
	Name     string
	Group    string
	Type     string
	Cron     string
	TimeZone string
	Every    time.Duration
	Repeat   int
	Start    string
	Message  string
	Durable  bool
	Recovery bool
}

// cliInstanceID names the machine used for one-off writes. It never
// acquires triggers.
const cliInstanceID = "beacond-cli"

var scheduleOpts scheduleOptions

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Store a job with one trigger",
	Long: `Store a job and its first trigger. Without --cron or --every the job
fires once at --start.

Examples:
  beacond schedule --name report --cron "0 */5 * * * *"
  beacond schedule --name ping --every 30s --repeat -1 --message hello`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		j, t, err := scheduleOpts.build(time.Now())
		if err != nil {
			return err
		}
		gw, err := openStore(cmd.Context(), settings.Store.AutoMigrate)
		if err != nil {
			return err
		}
		defer gw.Close()

		m := machine.New(gw, cliInstanceID, machine.WithLogger(slogger))
		if err := m.StoreJobAndTrigger(cmd.Context(), j, t); err != nil {
			zlog.Error("Failed to store job", zap.String("job", j.Key.String()), zap.Error(err))
			return err
		}
		zlog.Info("Job scheduled",
			zap.String("job", j.Key.String()),
			zap.String("trigger", t.Key.String()),
			zap.Timep("next_fire", t.NextFireTime))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	f := scheduleCmd.Flags()
	f.StringVar(&scheduleOpts.Name, "name", "", "job and trigger name (required)")
	f.StringVar(&scheduleOpts.Group, "group", "", "job and trigger group")
	f.StringVar(&scheduleOpts.Type, "type", LogJobType, "handler type")
	f.StringVar(&scheduleOpts.Cron, "cron", "", "cron expression")
	f.StringVar(&scheduleOpts.TimeZone, "tz", "", "time zone for --cron")
	f.DurationVar(&scheduleOpts.Every, "every", 0, "repeat interval")
	f.IntVar(&scheduleOpts.Repeat, "repeat", trigger.RepeatIndefinitely, "repeat count for --every (-1 forever)")
	f.StringVar(&scheduleOpts.Start, "start", "", "start time (RFC 3339, default now)")
	f.StringVar(&scheduleOpts.Message, "message", "", "message stored in the job data")
	f.BoolVar(&scheduleOpts.Durable, "durable", false, "keep the job after its last trigger completes")
	f.BoolVar(&scheduleOpts.Recovery, "requests-recovery", false, "re-run the job if its instance fails mid-execution")
	_ = scheduleCmd.MarkFlagRequired("name")
}

func (o scheduleOptions) build(now time.Time) (*job.Job, *trigger.Trigger, error) {
	if o.Name == "" {
		return nil, nil, errors.New("name is required")
	}
	if o.Cron != "" && o.Every > 0 {
		return nil, nil, errors.New("--cron and --every are mutually exclusive")
	}

	start := now
	if o.Start != "" {
		var err error
		if start, err = time.Parse(time.RFC3339, o.Start); err != nil {
			return nil, nil, errors.Wrapf(err, "start time %q", o.Start)
		}
	}

	var sched trigger.Schedule
	switch {
	case o.Cron != "":
		sched = trigger.Cron(o.Cron, o.TimeZone)
	case o.Every > 0:
		sched = trigger.Every(o.Every, o.Repeat)
	default:
		sched = trigger.Once()
	}

	var data []byte
	if o.Message != "" {
		var err error
		if data, err = payload.Encode(payload.DataMap{"message": o.Message}); err != nil {
			return nil, nil, err
		}
	}

	j := &job.Job{
		Entity:           beacon.NewEntity(),
		Key:              job.NewKey(o.Name, o.Group),
		Type:             o.Type,
		Durable:          o.Durable,
		RequestsRecovery: o.Recovery,
		Data:             data,
	}
	t := trigger.New(trigger.NewKey(o.Name, o.Group), j.Key, start, sched)
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	return j, t, nil
}
