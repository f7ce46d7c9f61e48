// Package cmd implements the beacond command line.
package cmd

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xraph/beacon/store/sqlstore"
)

// VersionInfo is stamped by the build.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records build metadata shown by --version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = versionInfo.String()
}

// String formats the version for --version.
func (v VersionInfo) String() string {
	return v.Version + " (commit " + v.Commit + ", built " + v.BuildDate + ")"
}

var (
	cfgFile string

	// populated by PersistentPreRunE
	settings *Settings
	zlog     *zap.Logger
	slogger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "beacond",
	Short: "Clustered job scheduler daemon",
	Long: `beacond runs a beacon scheduler instance against a shared database.

Configuration is read from --config (YAML, TOML or JSON), then BEACON_*
environment variables, then flags. Examples:
  beacond migrate --store-dialect postgres --store-dsn postgres://...
  BEACON_SCHEDULER_CLUSTERED=true beacond run
  beacond status --json`,
	SilenceUsage:      true,
	PersistentPreRunE: initialize,
	PersistentPostRun: func(*cobra.Command, []string) {
		if zlog != nil {
			_ = zlog.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file")
	pf.String("store-dialect", "", "database dialect (postgres or sqlite)")
	pf.String("store-dsn", "", "database connection string")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json or console)")

	_ = viper.BindPFlag("store.dialect", pf.Lookup("store-dialect"))
	_ = viper.BindPFlag("store.dsn", pf.Lookup("store-dsn"))
	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", pf.Lookup("log-format"))

	rootCmd.SetVersionTemplate("beacond {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initialize(cmd *cobra.Command, _ []string) error {
	setDefaults()
	bindEnv(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", cfgFile)
		}
	}

	s, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	zl, sl, err := newLogger(s.Logging)
	if err != nil {
		return err
	}
	settings, zlog, slogger = s, zl, sl
	if cfgFile != "" {
		zlog.Debug("Loaded config", zap.String("path", viper.ConfigFileUsed()))
	}
	return nil
}

// openStore connects to the configured database and applies migrations
// when migrate is set.
func openStore(ctx context.Context, migrate bool) (*sqlstore.Gateway, error) {
	d, err := settings.Store.dialect()
	if err != nil {
		return nil, err
	}
	gw, err := sqlstore.Open(ctx, d, settings.Store.DSN, sqlstore.WithLogger(slogger))
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := gw.Migrate(ctx); err != nil {
			_ = gw.Close()
			return nil, err
		}
	}
	return gw, nil
}
