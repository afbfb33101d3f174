package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cdr-reporter/internal/classify"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	CDR        CDRConfig        `yaml:"cdr" mapstructure:"cdr"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	MQTT       MQTTConfig       `yaml:"mqtt" mapstructure:"mqtt"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CDRConfig configures ingestion, classification and retention.
type CDRConfig struct {
	InputDir          string  `yaml:"input_dir" mapstructure:"input_dir"`
	FilePrefix        string  `yaml:"file_prefix" mapstructure:"file_prefix"`
	Delimiter         string  `yaml:"delimiter" mapstructure:"delimiter"`
	Encoding          string  `yaml:"encoding" mapstructure:"encoding"`
	RetentionDays     int     `yaml:"retention_days" mapstructure:"retention_days"`
	AbandonThreshold  float64 `yaml:"abandon_threshold" mapstructure:"abandon_threshold"`
	AbsentCausePolicy string  `yaml:"absent_cause_policy" mapstructure:"absent_cause_policy"`
	Workers           int     `yaml:"workers" mapstructure:"workers"`
	ParseTimeoutSecs  int     `yaml:"parse_timeout_secs" mapstructure:"parse_timeout_secs"`
	StoreTimeoutSecs  int     `yaml:"store_timeout_secs" mapstructure:"store_timeout_secs"`
	StoreMaxAttempts  int     `yaml:"store_max_attempts" mapstructure:"store_max_attempts"`

	FailureCodes        []int            `yaml:"failure_codes,omitempty" mapstructure:"failure_codes"`
	NormalClearingCodes []int            `yaml:"normal_clearing_codes,omitempty" mapstructure:"normal_clearing_codes"`
	CauseReasons        map[string][]int `yaml:"cause_reasons,omitempty" mapstructure:"cause_reasons"`
}

// Retention returns the retention window.
func (c CDRConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Policy returns the classification table settings. Unset lists fall back to
// the built-in defaults in classify.NewPolicy.
func (c CDRConfig) Policy() classify.PolicyConfig {
	return classify.PolicyConfig{
		FailureCodes:        c.FailureCodes,
		NormalClearingCodes: c.NormalClearingCodes,
		CauseReasons:        c.CauseReasons,
		AbsentCause:         c.AbsentCausePolicy,
	}
}

// DelimiterRune returns the field delimiter, ',' when unset.
func (c CDRConfig) DelimiterRune() rune {
	if c.Delimiter == "" {
		return ','
	}
	if c.Delimiter == `\t` {
		return '\t'
	}
	return []rune(c.Delimiter)[0]
}

// FetchConfig configures mirroring CDR files from the billing server.
type FetchConfig struct {
	URL           string  `yaml:"url" mapstructure:"url"` // ftp://host[:port]/dir
	User          string  `yaml:"user" mapstructure:"user"`
	Password      string  `yaml:"password" mapstructure:"password"`
	LookbackHours int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxAttempts   int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ReportConfig configures report queries and exports.
type ReportConfig struct {
	Hours       int    `yaml:"hours" mapstructure:"hours"`
	TopN        int    `yaml:"top_n" mapstructure:"top_n"`
	DetailLimit int    `yaml:"detail_limit" mapstructure:"detail_limit"`
	ExportsDir  string `yaml:"exports_dir" mapstructure:"exports_dir"`
}

// MonitoringConfig configures failure alerts.
type MonitoringConfig struct {
	FailedCallsThreshold int     `yaml:"failed_calls_threshold" mapstructure:"failed_calls_threshold"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinCalls             int     `yaml:"min_calls" mapstructure:"min_calls"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// MQTTConfig configures publication of run reports and alerts.
type MQTTConfig struct {
	Broker      string `yaml:"broker" mapstructure:"broker"` // empty disables publishing
	ClientID    string `yaml:"client_id" mapstructure:"client_id"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	TopicPrefix string `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	QoS         byte   `yaml:"qos" mapstructure:"qos"`
}

// ServerConfig configures the report API server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	IngestIntervalMins int      `yaml:"ingest_interval_mins" mapstructure:"ingest_interval_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "cdr.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("cdr.input_dir", "data/cdr")
	v.SetDefault("cdr.file_prefix", "cdr_")
	v.SetDefault("cdr.delimiter", ",")
	v.SetDefault("cdr.encoding", "utf-8")
	v.SetDefault("cdr.retention_days", 7)
	v.SetDefault("cdr.abandon_threshold", 0.5)
	v.SetDefault("cdr.absent_cause_policy", string(classify.AbsentOK))
	v.SetDefault("cdr.workers", 4)
	v.SetDefault("cdr.parse_timeout_secs", 120)
	v.SetDefault("cdr.store_timeout_secs", 30)
	v.SetDefault("cdr.store_max_attempts", 3)
	v.SetDefault("fetch.lookback_hours", 24)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("report.hours", 24)
	v.SetDefault("report.top_n", 10)
	v.SetDefault("report.detail_limit", 1000)
	v.SetDefault("report.exports_dir", "reports")
	v.SetDefault("monitoring.failed_calls_threshold", 100)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_calls", 20)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("mqtt.client_id", "cdr-reporter")
	v.SetDefault("mqtt.topic_prefix", "cdr")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.ingest_interval_mins", 15)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from file and environment. An empty path looks for
// config.yaml in the working directory; a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CDR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is the command name
// ("ingest", "fetch", "serve", ...); common store and cdr checks always run.
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres", "postgresql":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}
	if c.CDR.RetentionDays < 1 {
		add("cdr.retention_days must be >= 1, got %d", c.CDR.RetentionDays)
	}
	if c.CDR.AbandonThreshold <= 0 || c.CDR.AbandonThreshold > 1 {
		add("cdr.abandon_threshold must be in (0, 1], got %g", c.CDR.AbandonThreshold)
	}
	if c.CDR.Workers < 1 {
		add("cdr.workers must be >= 1, got %d", c.CDR.Workers)
	}
	if c.CDR.ParseTimeoutSecs < 1 || c.CDR.StoreTimeoutSecs < 1 {
		add("cdr.parse_timeout_secs and cdr.store_timeout_secs must be >= 1")
	}
	if n := len([]rune(c.CDR.Delimiter)); n > 1 && c.CDR.Delimiter != `\t` {
		add("cdr.delimiter must be a single character, got %q", c.CDR.Delimiter)
	}
	if _, err := classify.NewPolicy(c.CDR.Policy()); err != nil {
		add("cdr classification: %v", err)
	}

	switch mode {
	case "ingest":
		if c.CDR.InputDir == "" {
			add("cdr.input_dir is required")
		}
	case "fetch":
		if c.Fetch.URL == "" {
			add("fetch.url is required")
		}
		if c.CDR.InputDir == "" {
			add("cdr.input_dir is required")
		}
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			add("server.port must be in 1..65535, got %d", c.Server.Port)
		}
		if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
			add("monitoring.failure_rate_threshold must be in [0, 1], got %g", c.Monitoring.FailureRateThreshold)
		}
		if c.MQTT.QoS > 2 {
			add("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Sample returns the defaults with the classification table spelled out, for
// writing a starter config file.
func Sample() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal defaults")
	}
	pc := classify.DefaultPolicyConfig()
	cfg.CDR.FailureCodes = pc.FailureCodes
	cfg.CDR.NormalClearingCodes = pc.NormalClearingCodes
	cfg.CDR.CauseReasons = pc.CauseReasons
	cfg.Fetch.URL = "ftp://billing.example.com:21/cdr"
	return &cfg, nil
}

// WriteSample writes Sample() as YAML to path. An existing file is only
// replaced when overwrite is set.
func WriteSample(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return eris.Errorf("config: %s already exists", path)
		}
	}
	cfg, err := Sample()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "config: marshal sample")
	}
	return eris.Wrapf(os.WriteFile(path, data, 0o600), "config: write %s", path)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
