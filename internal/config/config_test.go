package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "local", cfg.Store.Lock)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Mission.TTLMinutes)
	assert.Equal(t, 3, cfg.Mission.MaxSubmissions)
	assert.Equal(t, 300, cfg.Mission.SiteRadiusMeters)
	assert.InDelta(t, 0.70, cfg.Pipeline.LocationThreshold, 0.001)
	assert.InDelta(t, 0.62, cfg.Pipeline.AtmosphereThreshold, 0.001)
	assert.Equal(t, "blip", cfg.Pipeline.LocationSelection)
	assert.Equal(t, "ensemble", cfg.Pipeline.AtmosphereSelection)
	assert.Equal(t, "blip,qwen,clip", cfg.Pipeline.LocationEnsemble)
	assert.Equal(t, "siglip2,qwen,blip,clip", cfg.Pipeline.AtmosphereEnsemble)
	assert.True(t, cfg.Pipeline.ParallelFanout)
	assert.Equal(t, "10%_OFF", cfg.Coupon.DefaultDiscountRule)
	assert.Equal(t, 7, cfg.Coupon.LifetimeDays)
	assert.InDelta(t, 37.704316, cfg.Geofence.MinLat, 1e-9)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/missions
log:
  level: debug
  format: console
mission:
  max_submissions: 5
pipeline:
  weights:
    location:
      blip: 0.6
      clip: 0.4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Mission.MaxSubmissions)
	assert.InDelta(t, 0.6, cfg.Pipeline.Weights["location"]["blip"], 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Mission.TTLMinutes)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MISSION_STORE_DRIVER", "postgres")
	t.Setenv("MISSION_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("MISSION_SERVER_PORT", "3000")
	t.Setenv("MISSION_MISSION_MAX_SUBMISSIONS", "9")
	t.Setenv("MISSION_MISSION_DEFAULT_ANSWER_ATMOSPHERE", "차분한")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 9, cfg.Mission.MaxSubmissions)
	assert.Equal(t, "차분한", cfg.Mission.DefaultAnswerAtmosphere)
	assert.Empty(t, cfg.Mission.DefaultAnswerLocation)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFromExplicitPath(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "mission.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mission:\n  ttl_minutes: 15\n"), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Mission.TTLMinutes)

	_, err = LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err, "an explicit config file must exist")
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Lock = "local"
	cfg.Mission.MaxSubmissions = 3
	cfg.Mission.TTLMinutes = 60
	cfg.Pipeline.LocationThreshold = 0.7
	cfg.Pipeline.AtmosphereThreshold = 0.62
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "store driver"},
		{name: "bad lock", mutate: func(c *Config) { c.Store.Lock = "etcd" }, wantErr: "unsupported lock"},
		{name: "threshold above one", mutate: func(c *Config) { c.Pipeline.LocationThreshold = 1.2 }, wantErr: "location_threshold"},
		{name: "negative threshold", mutate: func(c *Config) { c.Pipeline.AtmosphereThreshold = -0.1 }, wantErr: "atmosphere_threshold"},
		{name: "zero quota", mutate: func(c *Config) { c.Mission.MaxSubmissions = 0 }, wantErr: "max_submissions"},
		{name: "zero ttl", mutate: func(c *Config) { c.Mission.TTLMinutes = 0 }, wantErr: "ttl_minutes"},
		{name: "inverted geofence", mutate: func(c *Config) { c.Geofence.MinLat = 10; c.Geofence.MaxLat = 1 }, wantErr: "geofence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"blip", "qwen", "clip"}, ParseList(" BLIP, qwen ,,clip "))
	assert.Nil(t, ParseList(""))
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
