package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/store"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster members, fired work and object counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		gw, err := openStore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer gw.Close()

		snap, err := collectStatus(cmd.Context(), gw, settings.Scheduler.ClusterFailureFactor, time.Now())
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		return snap.write(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
}

// InstanceStatus is one scheduler_state row with its fired work.
type InstanceStatus struct {
	InstanceID      string        `json:"instance_id"`
	LastCheckIn     time.Time     `json:"last_checkin"`
	CheckInInterval time.Duration `json:"checkin_interval"`
	Failed          bool          `json:"failed"`
	Recoverer       string        `json:"recoverer,omitempty"`
	Fired           int           `json:"fired"`
	Executing       int           `json:"executing"`
}

// Status is a read-only snapshot of the scheduler tables.
type Status struct {
	Jobs         int              `json:"jobs"`
	Triggers     int              `json:"triggers"`
	Calendars    int              `json:"calendars"`
	PausedGroups []string         `json:"paused_groups,omitempty"`
	Instances    []InstanceStatus `json:"instances"`
}

// collectStatus reads a Status in one snapshot. Instances that own fired
// records without a heartbeat row (non-clustered or already removed) are
// listed with a zero check-in.
func collectStatus(ctx context.Context, gw store.Gateway, failureFactor int, now time.Time) (*Status, error) {
	snap := &Status{}
	err := gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if snap.Jobs, err = tx.CountJobs(ctx); err != nil {
			return err
		}
		if snap.Triggers, err = tx.CountTriggers(ctx); err != nil {
			return err
		}
		if snap.Calendars, err = tx.CountCalendars(ctx); err != nil {
			return err
		}
		if snap.PausedGroups, err = tx.SelectPausedTriggerGroups(ctx); err != nil {
			return err
		}

		states, err := tx.SelectSchedulerStateRecords(ctx)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(states))
		for _, s := range states {
			seen[s.InstanceID] = true
			snap.Instances = append(snap.Instances, InstanceStatus{
				InstanceID:      s.InstanceID,
				LastCheckIn:     s.LastCheckIn,
				CheckInInterval: s.CheckInInterval,
				Failed:          s.IsFailed(now, failureFactor),
				Recoverer:       s.Recoverer,
			})
		}
		owners, err := tx.SelectFiredTriggerInstanceNames(ctx)
		if err != nil {
			return err
		}
		for _, name := range owners {
			if !seen[name] {
				snap.Instances = append(snap.Instances, InstanceStatus{InstanceID: name})
			}
		}

		for i := range snap.Instances {
			in := &snap.Instances[i]
			records, err := tx.SelectInstancesFiredTriggerRecords(ctx, in.InstanceID)
			if err != nil {
				return err
			}
			in.Fired = len(records)
			for _, r := range records {
				if r.State == ledger.FiredExecuting {
					in.Executing++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Status) write(w io.Writer) error {
	fmt.Fprintf(w, "jobs: %d  triggers: %d  calendars: %d\n", s.Jobs, s.Triggers, s.Calendars)
	if len(s.PausedGroups) > 0 {
		fmt.Fprintf(w, "paused groups: %v\n", s.PausedGroups)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tLAST CHECK-IN\tINTERVAL\tSTATUS\tFIRED\tEXECUTING")
	for _, in := range s.Instances {
		checkIn, status := "-", "unclustered"
		if !in.LastCheckIn.IsZero() {
			checkIn = in.LastCheckIn.Format(time.RFC3339)
			status = "alive"
			if in.Failed {
				status = "failed"
			}
			if in.Recoverer != "" {
				status = "recovering by " + in.Recoverer
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			in.InstanceID, checkIn, in.CheckInInterval, status, in.Fired, in.Executing)
	}
	return tw.Flush()
}
