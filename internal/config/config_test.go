package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty directory so no stray .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultFileMatchesDefaults(t *testing.T) {
	path, err := filepath.Abs(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	isolate(t)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(filepath.Join(dir, "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Worker.Count)
	assert.Equal(t, "America/Sao_Paulo", cfg.Timezone)
	assert.Equal(t, []time.Duration{15 * time.Minute, 10 * time.Minute, 5 * time.Minute}, cfg.Sweeps.WarningThresholds)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "c.yaml", `
worker:
  count: 12
rules:
  grace_window: 15m
  billing_cutoff_day: 25
events:
  bus: log
database:
  driver: sqlite
  dsn: /tmp/consulta.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Worker.Count)
	assert.Equal(t, 30*time.Second, cfg.Worker.TaskTimeout, "untouched keys keep defaults")
	assert.Equal(t, 15*time.Minute, cfg.Rules.GraceWindow)
	assert.Equal(t, 25, cfg.Rules.BillingCutoffDay)
	assert.Equal(t, "log", cfg.Events.Bus)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	assert.Equal(t, 15*time.Minute, cfg.LifecycleRules().Grace)
	assert.Equal(t, 25, cfg.SettlementRules().CutoffDay)
	assert.Equal(t, 12, cfg.SchedulerConfig().WorkerCount)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "c.yaml", "worker:\n  count: 12\n")
	t.Setenv("CONSULTA_WORKER_COUNT", "3")
	t.Setenv("CONSULTA_SWEEPS_WARNING_THRESHOLDS", "20m,5m")
	t.Setenv("CONSULTA_REDIS_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Worker.Count)
	assert.Equal(t, []time.Duration{20 * time.Minute, 5 * time.Minute}, cfg.Sweeps.WarningThresholds)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestDotEnvSeedsEnvironment(t *testing.T) {
	dir := isolate(t)
	writeFile(t, dir, ".env", "CONSULTA_GRPC_PORT=6000\n")
	t.Cleanup(func() { _ = os.Unsetenv("CONSULTA_GRPC_PORT") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.GRPC.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero workers", func(c *Config) { c.Worker.Count = 0 }, false},
		{"cutoff day 29", func(c *Config) { c.Rules.BillingCutoffDay = 29 }, false},
		{"cutoff day 0", func(c *Config) { c.Rules.BillingCutoffDay = 0 }, false},
		{"bps above 100%", func(c *Config) { c.Rules.PayoutIndependentBps = 10001 }, false},
		{"bps zero", func(c *Config) { c.Rules.PayoutIncorporatedBps = 0 }, true},
		{"thresholds ascending", func(c *Config) {
			c.Sweeps.WarningThresholds = []time.Duration{5 * time.Minute, 10 * time.Minute}
		}, false},
		{"thresholds repeated", func(c *Config) {
			c.Sweeps.WarningThresholds = []time.Duration{10 * time.Minute, 10 * time.Minute}
		}, false},
		{"no thresholds", func(c *Config) { c.Sweeps.WarningThresholds = nil }, false},
		{"unknown bus", func(c *Config) { c.Events.Bus = "kafka" }, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, false},
		{"midnight release", func(c *Config) { c.Sweeps.ReleaseAt = "00:00" }, true},
		{"bad release time", func(c *Config) { c.Sweeps.ReleaseAt = "25:00" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestDerivedRulesKeepZeroValues(t *testing.T) {
	cfg := Default()
	lr := cfg.LifecycleRules()
	assert.Equal(t, 0, lr.ReleaseHour)
	assert.Equal(t, 5, lr.ReleaseMinute)

	cfg.Sweeps.ReleaseAt = "00:00"
	cfg.Rules.PayoutIndependentBps = 0
	require.NoError(t, cfg.Validate())

	lr = cfg.LifecycleRules()
	assert.Equal(t, 0, lr.ReleaseHour)
	assert.Equal(t, 0, lr.ReleaseMinute)
	assert.Equal(t, 0, cfg.SettlementRules().IndependentBps)
	assert.Equal(t, 7000, cfg.SettlementRules().IncorporatedBps)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "c.yaml", "worker: [oops\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeFile(t, dir, "d.yaml", "rules:\n  billing_cutoff_day: 31\n")
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}
