package beacon_test

import (
	"testing"
	"time"

	"github.com/xraph/beacon"
)

func TestDefaultConfig(t *testing.T) {
	cfg := beacon.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.CheckInInterval != 7500*time.Millisecond {
		t.Errorf("CheckInInterval: want 7.5s, got %s", cfg.CheckInInterval)
	}
	if cfg.MisfireThreshold != time.Minute {
		t.Errorf("MisfireThreshold: want 1m, got %s", cfg.MisfireThreshold)
	}
	if cfg.MaxMisfiresPerPass != 20 {
		t.Errorf("MaxMisfiresPerPass: want 20, got %d", cfg.MaxMisfiresPerPass)
	}
	if cfg.InstanceID != beacon.AutoInstanceID {
		t.Errorf("InstanceID: want %q, got %q", beacon.AutoInstanceID, cfg.InstanceID)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*beacon.Config)
	}{
		{"empty instance", func(c *beacon.Config) { c.InstanceID = "" }},
		{"zero check-in", func(c *beacon.Config) { c.CheckInInterval = 0 }},
		{"zero factor", func(c *beacon.Config) { c.ClusterFailureFactor = 0 }},
		{"zero misfire threshold", func(c *beacon.Config) { c.MisfireThreshold = 0 }},
		{"zero misfires per pass", func(c *beacon.Config) { c.MaxMisfiresPerPass = 0 }},
		{"zero batch", func(c *beacon.Config) { c.MaxBatchSize = 0 }},
		{"zero recoveries", func(c *beacon.Config) { c.MaxRecoveriesPerCycle = 0 }},
		{"negative rate", func(c *beacon.Config) { c.AcquireRate = -1 }},
		{"zero concurrency", func(c *beacon.Config) { c.Concurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := beacon.DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestFailureWindow(t *testing.T) {
	cfg := beacon.DefaultConfig()
	cfg.ClusterFailureFactor = 3
	if got := cfg.FailureWindow(10 * time.Second); got != 30*time.Second {
		t.Errorf("FailureWindow: want 30s, got %s", got)
	}
}
