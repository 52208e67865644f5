package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"biomarker-risk/internal/common"
)

const defaultRequestTimeout = 30 * time.Second

type Settings struct {
	ModelPath        string
	ScalerPath       string
	ProteinMapPath   string
	ExpectedFeatures []string
	FeaturePrefix    string
	FeatureCount     int
	TruncationPolicy string
	ImportanceType   string
	DataPath         string
	HTTPPort         int
	MetricsPort      int
	LogLevel         string
	MaxUploadMB      int
	RequestTimeout   time.Duration
	CORSOrigins      []string
	PositiveLabel    string
	NegativeLabel    string
}

type ConfigFile struct {
	Model struct {
		ModelPath      string `yaml:"modelPath"`
		ScalerPath     string `yaml:"scalerPath"`
		ProteinMapPath string `yaml:"proteinMapPath"`
		ImportanceType string `yaml:"importanceType"`
	} `yaml:"model"`

	Features struct {
		Prefix     string   `yaml:"prefix"`
		Count      int      `yaml:"count"`
		Expected   []string `yaml:"expected"`
		Truncation string   `yaml:"truncation"`
	} `yaml:"features"`

	Labels struct {
		Positive string `yaml:"positive"`
		Negative string `yaml:"negative"`
	} `yaml:"labels"`

	Server struct {
		HTTPPort       int      `yaml:"httpPort"`
		MetricsPort    int      `yaml:"metricsPort"`
		MaxUploadMB    int      `yaml:"maxUploadMB"`
		RequestTimeout string   `yaml:"requestTimeout"`
		CORSOrigins    []string `yaml:"corsOrigins"`
	} `yaml:"server"`

	System struct {
		DataPath string `yaml:"dataPath"`
		LogLevel string `yaml:"logLevel"`
	} `yaml:"system"`
}

// Load reads the .env file (if any), then a YAML config from CONFIG_FILE or
// the environment alone. Environment variables override YAML values.
func Load() (Settings, error) {
	if err := loadDotEnv(); err != nil {
		return Settings{}, err
	}

	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

// loadDotEnv never overrides variables already set. A missing default .env
// is fine; a missing ENV_FILE is an error.
func loadDotEnv() error {
	path := os.Getenv(common.EnvEnvFile)
	explicit := path != ""
	if !explicit {
		path = common.DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	requestTimeout, err := time.ParseDuration(config.Server.RequestTimeout)
	if err != nil {
		requestTimeout = defaultRequestTimeout
	}

	settings := Settings{
		ModelPath:        getEnvOrDefault(common.EnvModelPath, orDefault(config.Model.ModelPath, common.DefaultModelPath)),
		ScalerPath:       getEnvOrDefault(common.EnvScalerPath, orDefault(config.Model.ScalerPath, common.DefaultScalerPath)),
		ProteinMapPath:   getEnvOrDefault(common.EnvProteinMapPath, config.Model.ProteinMapPath),
		ExpectedFeatures: getListFromEnvOrConfig(common.EnvExpectedFeatures, config.Features.Expected, nil),
		FeaturePrefix:    getEnvOrDefault(common.EnvFeaturePrefix, orDefault(config.Features.Prefix, common.DefaultFeaturePrefix)),
		FeatureCount:     getIntFromEnvOrConfig(common.EnvFeatureCount, config.Features.Count, common.DefaultFeatureCount),
		TruncationPolicy: getEnvOrDefault(common.EnvTruncationPolicy, orDefault(config.Features.Truncation, common.DefaultTruncationPolicy)),
		ImportanceType:   getEnvOrDefault(common.EnvImportanceType, orDefault(config.Model.ImportanceType, common.DefaultImportanceType)),
		DataPath:         getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		HTTPPort:         getIntFromEnvOrConfig(common.EnvHTTPPort, config.Server.HTTPPort, common.DefaultHTTPPort),
		MetricsPort:      getIntFromEnvOrConfig(common.EnvMetricsPort, config.Server.MetricsPort, common.DefaultMetricsPort),
		LogLevel:         getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel)),
		MaxUploadMB:      getIntFromEnvOrConfig(common.EnvMaxUploadMB, config.Server.MaxUploadMB, common.DefaultMaxUploadMB),
		RequestTimeout:   getDurationOrDefault(common.EnvRequestTimeout, requestTimeout),
		CORSOrigins:      getListFromEnvOrConfig(common.EnvCORSOrigins, config.Server.CORSOrigins, []string{common.DefaultCORSOrigins}),
		PositiveLabel:    getEnvOrDefault(common.EnvPositiveLabel, orDefault(config.Labels.Positive, common.DefaultPositiveLabel)),
		NegativeLabel:    getEnvOrDefault(common.EnvNegativeLabel, orDefault(config.Labels.Negative, common.DefaultNegativeLabel)),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ModelPath:        getEnvOrDefault(common.EnvModelPath, common.DefaultModelPath),
		ScalerPath:       getEnvOrDefault(common.EnvScalerPath, common.DefaultScalerPath),
		ProteinMapPath:   os.Getenv(common.EnvProteinMapPath), // optional
		ExpectedFeatures: splitOrDefault(os.Getenv(common.EnvExpectedFeatures), nil),
		FeaturePrefix:    getEnvOrDefault(common.EnvFeaturePrefix, common.DefaultFeaturePrefix),
		FeatureCount:     getIntOrDefault(common.EnvFeatureCount, common.DefaultFeatureCount),
		TruncationPolicy: getEnvOrDefault(common.EnvTruncationPolicy, common.DefaultTruncationPolicy),
		ImportanceType:   getEnvOrDefault(common.EnvImportanceType, common.DefaultImportanceType),
		DataPath:         os.Getenv(common.EnvDataPath), // optional, history disabled when empty
		HTTPPort:         getIntOrDefault(common.EnvHTTPPort, common.DefaultHTTPPort),
		MetricsPort:      getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		LogLevel:         getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		MaxUploadMB:      getIntOrDefault(common.EnvMaxUploadMB, common.DefaultMaxUploadMB),
		RequestTimeout:   getDurationOrDefault(common.EnvRequestTimeout, defaultRequestTimeout),
		CORSOrigins:      splitOrDefault(os.Getenv(common.EnvCORSOrigins), []string{common.DefaultCORSOrigins}),
		PositiveLabel:    getEnvOrDefault(common.EnvPositiveLabel, common.DefaultPositiveLabel),
		NegativeLabel:    getEnvOrDefault(common.EnvNegativeLabel, common.DefaultNegativeLabel),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (s *Settings) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) << 20
}

// HistoryEnabled reports whether scored batches are persisted.
func (s *Settings) HistoryEnabled() bool {
	return s.DataPath != ""
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getListFromEnvOrConfig(key string, configValue, def []string) []string {
	if env := os.Getenv(key); env != "" {
		return splitOrDefault(env, def)
	}
	if len(configValue) > 0 {
		return configValue
	}
	return def
}

func getIntFromEnvOrConfig(key string, configValue, def int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return def
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate artifact paths
	if settings.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if settings.ScalerPath == "" {
		return fmt.Errorf("scaler path cannot be empty")
	}

	// Validate feature schema
	if settings.FeatureCount <= 0 || settings.FeatureCount > common.MaxFeatureCount {
		return fmt.Errorf("feature count must be between 1 and %d, got %d", common.MaxFeatureCount, settings.FeatureCount)
	}
	if n := len(settings.ExpectedFeatures); n > 0 {
		if n != settings.FeatureCount {
			return fmt.Errorf("expected features lists %d identifiers but feature count is %d", n, settings.FeatureCount)
		}
		seen := make(map[string]bool, n)
		for _, id := range settings.ExpectedFeatures {
			if seen[id] {
				return fmt.Errorf("expected features lists %s twice", id)
			}
			seen[id] = true
		}
	}
	switch settings.TruncationPolicy {
	case "first", "reject":
	default:
		return fmt.Errorf("truncation policy must be first or reject, got %q", settings.TruncationPolicy)
	}
	switch settings.ImportanceType {
	case "split", "gain":
	default:
		return fmt.Errorf("importance type must be split or gain, got %q", settings.ImportanceType)
	}

	// Validate ports
	if settings.HTTPPort < common.MinPort || settings.HTTPPort > common.MaxPort {
		return fmt.Errorf("HTTP port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.HTTPPort)
	}
	if settings.MetricsPort < common.MinPort || settings.MetricsPort > common.MaxPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.MetricsPort)
	}
	if settings.HTTPPort == settings.MetricsPort {
		return fmt.Errorf("HTTP and metrics ports must differ, both are %d", settings.HTTPPort)
	}

	// Validate request limits
	if settings.MaxUploadMB <= 0 || settings.MaxUploadMB > common.MaxUploadMB {
		return fmt.Errorf("max upload size must be between 1 and %d MB, got %d", common.MaxUploadMB, settings.MaxUploadMB)
	}
	if settings.RequestTimeout < time.Second || settings.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request timeout must be between 1s and 5m, got %v", settings.RequestTimeout)
	}

	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}

	if settings.PositiveLabel == "" || settings.NegativeLabel == "" {
		return fmt.Errorf("interpretation labels cannot be empty")
	}

	return nil
}
