// Package config loads runtime settings from defaults, an optional YAML file
// and SCITRACK_* environment variables, in increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/selection"
)

// EnvPrefix is the prefix of environment overrides, e.g. SCITRACK_STORE_PATH.
const EnvPrefix = "SCITRACK"

// Config holds the settings shared by the command line tools.
type Config struct {
	LogLevel       string        `mapstructure:"log_level"`
	StorePath      string        `mapstructure:"store_path"`
	ExperimentName string        `mapstructure:"experiment_name"`
	ModelName      string        `mapstructure:"model_name"`
	FallbackMetric string        `mapstructure:"fallback_metric"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	PlanPath       string        `mapstructure:"plan_path"`
	WatchStore     bool          `mapstructure:"watch_store"`
	TraceStdout    bool          `mapstructure:"trace_stdout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("store_path", "scitrack.db")
	v.SetDefault("experiment_name", "Classification_Experiments")
	v.SetDefault("model_name", "BestClassifier")
	v.SetDefault("fallback_metric", selection.DefaultMetric)
	v.SetDefault("listen_addr", ":5001")
	v.SetDefault("plan_path", "")
	v.SetDefault("watch_store", false)
	v.SetDefault("trace_stdout", false)
	v.SetDefault("read_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)
}

// Load reads configuration. When file is empty, config.yaml is looked up in
// ./configs and the working directory and may be absent; an explicit file
// must exist.
func Load(file string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "load config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the tools cannot run with.
func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	required := map[string]string{
		"store_path":      c.StorePath,
		"experiment_name": c.ExperimentName,
		"model_name":      c.ModelName,
		"fallback_metric": c.FallbackMetric,
	}
	for key, val := range required {
		if strings.TrimSpace(val) == "" {
			return errors.NewValidationError(key, "must not be empty", val)
		}
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.NewValidationError("timeouts", "must not be negative", c.ReadTimeout)
	}
	return nil
}
