package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "cdr.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "cdr_", cfg.CDR.FilePrefix)
	assert.Equal(t, 7, cfg.CDR.RetentionDays)
	assert.InDelta(t, 0.5, cfg.CDR.AbandonThreshold, 0.001)
	assert.Equal(t, "ok", cfg.CDR.AbsentCausePolicy)
	assert.Equal(t, 4, cfg.CDR.Workers)
	assert.Equal(t, 24, cfg.Fetch.LookbackHours)
	assert.Equal(t, 10, cfg.Report.TopN)
	assert.Equal(t, 100, cfg.Monitoring.FailedCallsThreshold)
	assert.Equal(t, "cdr", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.CDR.FailureCodes)
	assert.Empty(t, cfg.CDR.CauseReasons)

	require.NoError(t, cfg.Validate(""))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	doc := `
store:
  driver: postgres
  database_url: postgres://localhost/cdr
cdr:
  retention_days: 14
  absent_cause_policy: failed
  failure_codes: [17, 21]
  cause_reasons:
    busy: [17]
    rejected: [21]
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 14, cfg.CDR.RetentionDays)
	assert.Equal(t, []int{17, 21}, cfg.CDR.FailureCodes)
	assert.Equal(t, []int{17}, cfg.CDR.CauseReasons["busy"])
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.CDR.Workers)

	pc := cfg.CDR.Policy()
	assert.Equal(t, "failed", pc.AbsentCause)
	require.NoError(t, cfg.Validate(""))
}

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadExplicitPathMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("CDR_STORE_DRIVER", "postgres")
	t.Setenv("CDR_LOG_LEVEL", "warn")
	t.Setenv("CDR_CDR_RETENTION_DAYS", "30")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 30, cfg.CDR.RetentionDays)
}

func TestDelimiterRune(t *testing.T) {
	assert.Equal(t, ',', CDRConfig{}.DelimiterRune())
	assert.Equal(t, ';', CDRConfig{Delimiter: ";"}.DelimiterRune())
	assert.Equal(t, '\t', CDRConfig{Delimiter: `\t`}.DelimiterRune())
}

func validDefaults(t *testing.T) *Config {
	t.Helper()
	cfg, err := Sample()
	require.NoError(t, err)
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults(t)
	for _, mode := range []string{"", "ingest", "fetch", "serve", "purge"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""
	cfg.CDR.RetentionDays = 0
	cfg.CDR.Workers = 0

	err := cfg.Validate("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "cdr.retention_days must be >= 1")
	assert.Contains(t, err.Error(), "cdr.workers must be >= 1")
}

func TestValidate_Classification(t *testing.T) {
	cfg := validDefaults(t)
	cfg.CDR.AbsentCausePolicy = "sometimes"
	err := cfg.Validate("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cdr classification")
}

func TestValidate_AbandonThreshold(t *testing.T) {
	cfg := validDefaults(t)
	cfg.CDR.AbandonThreshold = 1.5
	assert.Error(t, cfg.Validate(""))
}

func TestValidateFetch_NoURL(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Fetch.URL = ""
	err := cfg.Validate("fetch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch.url is required")
	assert.NoError(t, cfg.Validate("ingest"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidateServe_QoS(t *testing.T) {
	cfg := validDefaults(t)
	cfg.MQTT.QoS = 3
	assert.Error(t, cfg.Validate("serve"))
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteSample(path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Contains(t, doc, "cdr")
	assert.Contains(t, doc["cdr"], "cause_reasons")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.CDR.FailureCodes)
	require.NoError(t, cfg.Validate("fetch"))

	err = WriteSample(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.NoError(t, WriteSample(path, true))
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
