package common

// Environment variable keys
const (
	EnvConfigFile       = "CONFIG_FILE"
	EnvEnvFile          = "ENV_FILE"
	EnvModelPath        = "MODEL_PATH"
	EnvScalerPath       = "SCALER_PATH"
	EnvProteinMapPath   = "PROTEIN_MAP_PATH"
	EnvExpectedFeatures = "EXPECTED_FEATURES"
	EnvFeaturePrefix    = "FEATURE_PREFIX"
	EnvFeatureCount     = "FEATURE_COUNT"
	EnvTruncationPolicy = "TRUNCATION_POLICY"
	EnvImportanceType   = "IMPORTANCE_TYPE"
	EnvDataPath         = "DATA_PATH"
	EnvHTTPPort         = "HTTP_PORT"
	EnvMetricsPort      = "METRICS_PORT"
	EnvLogLevel         = "LOG_LEVEL"
	EnvMaxUploadMB      = "MAX_UPLOAD_MB"
	EnvRequestTimeout   = "REQUEST_TIMEOUT"
	EnvCORSOrigins      = "CORS_ORIGINS"
	EnvPositiveLabel    = "POSITIVE_LABEL"
	EnvNegativeLabel    = "NEGATIVE_LABEL"
)

// Configuration defaults
const (
	DefaultEnvFile          = ".env"
	DefaultModelPath        = "models/lightgbm_model.json"
	DefaultScalerPath       = "models/scaler.json"
	DefaultFeaturePrefix    = "seq_"
	DefaultFeatureCount     = 50
	DefaultTruncationPolicy = "first"
	DefaultImportanceType   = "split"
	DefaultHTTPPort         = 8000
	DefaultMetricsPort      = 9090
	DefaultLogLevel         = "info"
	DefaultMaxUploadMB      = 10
	DefaultCORSOrigins      = "*"
	DefaultPositiveLabel    = "Parkinson's Disease"
	DefaultNegativeLabel    = "Healthy"
)

// Validation constants
const (
	MinPort         = 1024
	MaxPort         = 65535
	MaxFeatureCount = 10000
	MaxUploadMB     = 512
)

// API limits
const (
	DefaultImportanceTopN = 50
	MaxImportanceTopN     = 100
	DefaultHistoryLimit   = 20
	MaxHistoryLimit       = 500
)
