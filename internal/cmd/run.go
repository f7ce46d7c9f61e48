package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	audithook "github.com/xraph/beacon/audit_hook"
	"github.com/xraph/beacon/engine"
	"github.com/xraph/beacon/job"
)

// LogJobType is the built-in handler type that logs each execution. It lets
// a bare daemon run jobs scheduled with "beacond schedule".
const LogJobType = "beacon.log"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scheduler instance until interrupted",
	RunE:  runScheduler,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("instance-id", "", "instance id (AUTO generates one)")
	runCmd.Flags().Int("concurrency", 0, "maximum concurrent jobs")
	runCmd.Flags().Bool("clustered", false, "enable heartbeats and peer recovery")
	runCmd.Flags().Bool("audit", false, "write lifecycle audit events to the log")
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := settings.Scheduler.Config()
	if cmd.Flags().Changed("instance-id") {
		cfg.InstanceID, _ = cmd.Flags().GetString("instance-id")
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	if cmd.Flags().Changed("clustered") {
		cfg.Clustered, _ = cmd.Flags().GetBool("clustered")
	}

	gw, err := openStore(ctx, settings.Store.AutoMigrate)
	if err != nil {
		zlog.Error("Failed to open store", zap.String("dialect", settings.Store.Dialect), zap.Error(err))
		return err
	}
	defer gw.Close()

	opts := []engine.Option{engine.WithConfig(cfg), engine.WithLogger(slogger)}
	if audit, _ := cmd.Flags().GetBool("audit"); audit {
		opts = append(opts, engine.WithExtension(audithook.New(auditRecorder(zlog), audithook.WithLogger(slogger))))
	}
	eng, err := engine.New(gw, opts...)
	if err != nil {
		return err
	}
	eng.Registry().Register(LogJobType, logHandler(zlog))

	zlog.Info("Starting scheduler",
		zap.String("instance_id", eng.InstanceID()),
		zap.String("dialect", settings.Store.Dialect),
		zap.Bool("clustered", cfg.Clustered))

	if err := eng.Run(ctx); err != nil {
		zlog.Error("Scheduler stopped with error", zap.Error(err))
		return err
	}
	zlog.Info("Scheduler stopped", zap.String("instance_id", eng.InstanceID()))
	return nil
}

func logHandler(l *zap.Logger) job.HandlerFunc {
	return func(_ context.Context, jc *job.Context) error {
		fields := []zap.Field{
			zap.String("job", jc.JobKey.String()),
			zap.String("trigger", jc.TriggerGroup+"."+jc.TriggerName),
			zap.Time("scheduled", jc.ScheduledFireTime),
			zap.Bool("recovering", jc.Recovering),
		}
		if msg, ok := jc.Data.String("message"); ok {
			fields = append(fields, zap.String("message", msg))
		}
		l.Info("Job fired", fields...)
		return nil
	}
}

// auditRecorder writes audit events as structured log lines.
func auditRecorder(l *zap.Logger) audithook.Recorder {
	al := l.Named("audit")
	return audithook.RecorderFunc(func(_ context.Context, evt *audithook.AuditEvent) error {
		al.Info(evt.Action,
			zap.String("resource", evt.Resource),
			zap.String("resource_id", evt.ResourceID),
			zap.String("severity", evt.Severity),
			zap.String("outcome", evt.Outcome),
			zap.Any("metadata", evt.Metadata))
		return nil
	})
}
