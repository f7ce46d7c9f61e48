package cmd

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/store/sqlstore"
)

// envPrefix namespaces environment overrides, e.g. BEACON_STORE_DSN.
const envPrefix = "BEACON"

// Settings is the daemon configuration as read from file, environment and
// flags.
type Settings struct {
	Store     StoreSettings     `mapstructure:"store"`
	Scheduler SchedulerSettings `mapstructure:"scheduler"`
	Logging   LoggingSettings   `mapstructure:"logging"`
}

// StoreSettings selects the database.
type StoreSettings struct {
	Dialect     string `mapstructure:"dialect"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// SchedulerSettings mirrors beacon.Config with file-friendly keys.
type SchedulerSettings struct {
	InstanceID            string        `mapstructure:"instance_id"`
	InstanceName          string        `mapstructure:"instance_name"`
	Clustered             bool          `mapstructure:"clustered"`
	CheckInInterval       time.Duration `mapstructure:"checkin_interval"`
	ClusterFailureFactor  int           `mapstructure:"cluster_failure_factor"`
	MaxRecoveriesPerCycle int           `mapstructure:"max_recoveries_per_cycle"`
	MisfireThreshold      time.Duration `mapstructure:"misfire_threshold"`
	MaxMisfiresPerPass    int           `mapstructure:"max_misfires_per_pass"`
	AcquireLookahead      time.Duration `mapstructure:"acquire_lookahead"`
	MaxBatchSize          int           `mapstructure:"max_batch_size"`
	AcquireRate           float64       `mapstructure:"acquire_rate"`
	IdleWaitTime          time.Duration `mapstructure:"idle_wait_time"`
	DBRetryInterval       time.Duration `mapstructure:"db_retry_interval"`
	Concurrency           int           `mapstructure:"concurrency"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingSettings controls the zap logger.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setDefaults registers every default on the global viper instance.
func setDefaults() {
	setDefaultsOn(viper.GetViper())
}

func setDefaultsOn(v *viper.Viper) {
	d := beacon.DefaultConfig()

	v.SetDefault("store.dialect", sqlstore.SQLite.Name)
	v.SetDefault("store.dsn", "file:beacon.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("store.auto_migrate", true)

	v.SetDefault("scheduler.instance_id", d.InstanceID)
	v.SetDefault("scheduler.instance_name", d.InstanceName)
	v.SetDefault("scheduler.clustered", d.Clustered)
	v.SetDefault("scheduler.checkin_interval", d.CheckInInterval.String())
	v.SetDefault("scheduler.cluster_failure_factor", d.ClusterFailureFactor)
	v.SetDefault("scheduler.max_recoveries_per_cycle", d.MaxRecoveriesPerCycle)
	v.SetDefault("scheduler.misfire_threshold", d.MisfireThreshold.String())
	v.SetDefault("scheduler.max_misfires_per_pass", d.MaxMisfiresPerPass)
	v.SetDefault("scheduler.acquire_lookahead", d.AcquireLookahead.String())
	v.SetDefault("scheduler.max_batch_size", d.MaxBatchSize)
	v.SetDefault("scheduler.acquire_rate", d.AcquireRate)
	v.SetDefault("scheduler.idle_wait_time", d.IdleWaitTime.String())
	v.SetDefault("scheduler.db_retry_interval", d.DBRetryInterval.String())
	v.SetDefault("scheduler.concurrency", d.Concurrency)
	v.SetDefault("scheduler.shutdown_timeout", d.ShutdownTimeout.String())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindEnv enables BEACON_* overrides, mapping dots to underscores.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// loadSettings decodes v into Settings. Durations accept Go duration
// strings such as "7.5s".
func loadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	hook := viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())
	if err := v.Unmarshal(&s, hook); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if _, err := s.Store.dialect(); err != nil {
		return nil, err
	}
	if err := s.Scheduler.Config().Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Config converts the settings to a beacon.Config.
func (s SchedulerSettings) Config() beacon.Config {
	return beacon.Config{
		InstanceID:            s.InstanceID,
		InstanceName:          s.InstanceName,
		Clustered:             s.Clustered,
		CheckInInterval:       s.CheckInInterval,
		ClusterFailureFactor:  s.ClusterFailureFactor,
		MaxRecoveriesPerCycle: s.MaxRecoveriesPerCycle,
		MisfireThreshold:      s.MisfireThreshold,
		MaxMisfiresPerPass:    s.MaxMisfiresPerPass,
		AcquireLookahead:      s.AcquireLookahead,
		MaxBatchSize:          s.MaxBatchSize,
		AcquireRate:           s.AcquireRate,
		IdleWaitTime:          s.IdleWaitTime,
		DBRetryInterval:       s.DBRetryInterval,
		Concurrency:           s.Concurrency,
		ShutdownTimeout:       s.ShutdownTimeout,
	}
}

func (s StoreSettings) dialect() (*sqlstore.Dialect, error) {
	switch strings.ToLower(s.Dialect) {
	case sqlstore.Postgres.Name, "postgresql", "pgx":
		return sqlstore.Postgres, nil
	case sqlstore.SQLite.Name, "sqlite3":
		return sqlstore.SQLite, nil
	default:
		return nil, errors.Newf("unsupported store dialect %q (want postgres or sqlite)", s.Dialect)
	}
}
