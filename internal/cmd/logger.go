package cmd

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the zap logger for the daemon and an slog view of it for
// the library packages. Format "console" selects the development encoder.
func newLogger(s LoggingSettings) (*zap.Logger, *slog.Logger, error) {
	lvl, err := zapcore.ParseLevel(s.Level)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "logging level %q", s.Level)
	}

	var zcfg zap.Config
	switch s.Format {
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	case "json", "":
		zcfg = zap.NewProductionConfig()
	default:
		return nil, nil, errors.Newf("logging format %q (want json or console)", s.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := zcfg.Build()
	if err != nil {
		return nil, nil, errors.Wrap(err, "build logger")
	}
	sl := slog.New(zapslog.NewHandler(zl.Core(), zapslog.WithName("beacon")))
	return zl, sl, nil
}
