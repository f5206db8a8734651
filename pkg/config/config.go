package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"callaudit/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Patterns  PatternsConfig  `json:"patterns"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Output    OutputConfig    `json:"output"`
	Storage   StorageConfig   `json:"storage"`
	Messaging MessagingConfig `json:"messaging"`
	HTTP      HTTPConfig      `json:"http"`
	Audit     AuditConfig     `json:"audit"`
	Tracing   TracingConfig   `json:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// PatternsConfig points at the rule files. A missing or empty file keeps
// the built-in rules for that set.
type PatternsConfig struct {
	ProfanityFile    string `json:"profanity_file" env:"PROFANITY_PATTERNS_FILE" default:"patterns/profanity_patterns.txt"`
	VerificationFile string `json:"verification_file" env:"VERIFICATION_PATTERNS_FILE" default:"patterns/verification_patterns.txt"`
	DisclosureFile   string `json:"disclosure_file" env:"DISCLOSURE_PATTERNS_FILE"`

	// Reload rule files when they change on disk (serve mode only)
	HotReload      bool          `json:"hot_reload" env:"PATTERNS_HOT_RELOAD" default:"false"`
	ReloadDebounce time.Duration `json:"reload_debounce" env:"PATTERNS_RELOAD_DEBOUNCE" default:"2s"`
}

// AnalysisConfig holds per-call analysis settings
type AnalysisConfig struct {
	// Strict compliance mode by default
	Strict bool `json:"strict" env:"ANALYSIS_STRICT" default:"false"`

	// Batch concurrency (0 = one worker per CPU)
	Workers int `json:"workers" env:"ANALYSIS_WORKERS" default:"0"`

	// Mask personal data in quoted evidence
	RedactEvidence bool `json:"redact_evidence" env:"ANALYSIS_REDACT_EVIDENCE" default:"false"`

	// Attach the timeline layout to each report
	IncludeTimeline bool `json:"include_timeline" env:"ANALYSIS_INCLUDE_TIMELINE" default:"false"`
}

// OutputConfig controls batch exports
type OutputConfig struct {
	Directory string `json:"directory" env:"OUTPUT_DIR" default:"."`
	WriteCSV  bool   `json:"write_csv" env:"OUTPUT_CSV" default:"true"`
	WriteJSON bool   `json:"write_json" env:"OUTPUT_JSON" default:"false"`
}

// StorageConfig holds report persistence settings
type StorageConfig struct {
	Enabled bool   `json:"enabled" env:"STORAGE_ENABLED" default:"false"`
	Path    string `json:"path" env:"STORAGE_PATH" default:"./data/callaudit.db"`
}

// MessagingConfig holds AMQP report publication settings
type MessagingConfig struct {
	AMQPUrl           string        `json:"amqp_url" env:"AMQP_URL"`
	QueueName         string        `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"callaudit_reports"`
	ExchangeName      string        `json:"exchange_name" env:"AMQP_EXCHANGE_NAME" default:""`
	RoutingKey        string        `json:"routing_key" env:"AMQP_ROUTING_KEY"`
	Durable           bool          `json:"durable" env:"AMQP_DURABLE" default:"true"`
	ConnectionTimeout time.Duration `json:"connection_timeout" env:"AMQP_CONNECTION_TIMEOUT" default:"10s"`
	PublishTimeout    time.Duration `json:"publish_timeout" env:"AMQP_PUBLISH_TIMEOUT" default:"5s"`
}

// Enabled reports whether report publication is configured.
func (m MessagingConfig) Enabled() bool {
	return m.AMQPUrl != ""
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	// HTTP port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Whether HTTP server is enabled
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// Whether metrics endpoint is enabled
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	// Read timeout for HTTP requests
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// Write timeout for HTTP responses
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`

	// Largest accepted upload
	MaxUploadBytes int64 `json:"max_upload_bytes" env:"HTTP_MAX_UPLOAD_BYTES" default:"33554432"`

	TLSEnabled  bool   `json:"tls_enabled" env:"HTTP_TLS_ENABLED" default:"false"`
	TLSCertFile string `json:"tls_cert_file" env:"HTTP_TLS_CERT_FILE"`
	TLSKeyFile  string `json:"tls_key_file" env:"HTTP_TLS_KEY_FILE"`

	// Per-client rate limiting of the API
	RateLimitEnabled       bool          `json:"rate_limit_enabled" env:"RATE_LIMIT_ENABLED" default:"false"`
	RateLimitRPS           float64       `json:"rate_limit_rps" env:"RATE_LIMIT_RPS" default:"5"`
	RateLimitBurst         int           `json:"rate_limit_burst" env:"RATE_LIMIT_BURST" default:"20"`
	RateLimitBlockDuration time.Duration `json:"rate_limit_block_duration" env:"RATE_LIMIT_BLOCK_DURATION" default:"1m"`
	RateLimitExemptIPs     []string      `json:"rate_limit_exempt_ips" env:"RATE_LIMIT_EXEMPT_IPS"`

	// API authentication. APIKeys entries are name:role:key.
	AuthEnabled bool          `json:"auth_enabled" env:"HTTP_AUTH_ENABLED" default:"false"`
	APIKeys     []string      `json:"-" env:"HTTP_API_KEYS"`
	JWTSecret   string        `json:"-" env:"HTTP_JWT_SECRET"`
	JWTIssuer   string        `json:"jwt_issuer" env:"HTTP_JWT_ISSUER" default:"callaudit"`
	TokenExpiry time.Duration `json:"token_expiry" env:"HTTP_TOKEN_EXPIRY" default:"24h"`
}

// AuditConfig holds the verdict audit chain settings
type AuditConfig struct {
	Enabled bool   `json:"enabled" env:"AUDIT_ENABLED" default:"false"`
	Path    string `json:"path" env:"AUDIT_PATH" default:"./data/audit_chain.jsonl"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" env:"TRACING_ENABLED" default:"false"`
	Endpoint    string  `json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `json:"insecure" env:"TRACING_INSECURE" default:"false"`
	ServiceName string  `json:"service_name" env:"TRACING_SERVICE_NAME" default:"callaudit"`
	SampleRatio float64 `json:"sample_ratio" env:"TRACING_SAMPLE_RATIO" default:"1"`
}

// Load loads the configuration from .env and environment variables
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{}

	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}

	if err := loadPatternsConfig(logger, &config.Patterns); err != nil {
		return nil, errors.Wrap(err, "failed to load patterns configuration")
	}

	if err := loadAnalysisConfig(logger, &config.Analysis); err != nil {
		return nil, errors.Wrap(err, "failed to load analysis configuration")
	}

	loadOutputConfig(&config.Output)
	loadStorageConfig(&config.Storage)

	if err := loadMessagingConfig(logger, &config.Messaging); err != nil {
		return nil, errors.Wrap(err, "failed to load messaging configuration")
	}

	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}

	config.Audit.Enabled = getEnvBool("AUDIT_ENABLED", false)
	config.Audit.Path = getEnv("AUDIT_PATH", "./data/audit_chain.jsonl")

	loadTracingConfig(logger, &config.Tracing)

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	if err := ensureDirectories(logger, config); err != nil {
		return nil, errors.Wrap(err, "failed to create directories")
	}

	return config, nil
}

// loadDotEnv loads the first .env file found next to or above the working
// directory. A missing file is not an error.
func loadDotEnv(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		if loadErr := godotenv.Load(envFile); loadErr != nil {
			logger.WithError(loadErr).WithField("path", absPath).Warn("Failed to load .env file")
			continue
		}
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        absPath,
		}).Debug("Loaded .env file")
		return
	}

	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
}

// loadLoggingConfig loads the logging configuration section
func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")

	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")

	return nil
}

// loadPatternsConfig loads the rule file locations
func loadPatternsConfig(logger *logrus.Logger, config *PatternsConfig) error {
	config.ProfanityFile = getEnv("PROFANITY_PATTERNS_FILE", "patterns/profanity_patterns.txt")
	config.VerificationFile = getEnv("VERIFICATION_PATTERNS_FILE", "patterns/verification_patterns.txt")
	config.DisclosureFile = getEnv("DISCLOSURE_PATTERNS_FILE", "")
	config.HotReload = getEnvBool("PATTERNS_HOT_RELOAD", false)

	debounceStr := getEnv("PATTERNS_RELOAD_DEBOUNCE", "2s")
	debounce, err := time.ParseDuration(debounceStr)
	if err != nil || debounce < 0 {
		logger.Warn("Invalid PATTERNS_RELOAD_DEBOUNCE value, using default: 2s")
		config.ReloadDebounce = 2 * time.Second
	} else {
		config.ReloadDebounce = debounce
	}

	return nil
}

// loadAnalysisConfig loads the analysis configuration section
func loadAnalysisConfig(logger *logrus.Logger, config *AnalysisConfig) error {
	config.Strict = getEnvBool("ANALYSIS_STRICT", false)
	config.RedactEvidence = getEnvBool("ANALYSIS_REDACT_EVIDENCE", false)
	config.IncludeTimeline = getEnvBool("ANALYSIS_INCLUDE_TIMELINE", false)

	config.Workers = getEnvInt("ANALYSIS_WORKERS", 0)
	if config.Workers < 0 {
		logger.Warn("Invalid ANALYSIS_WORKERS value, using one worker per CPU")
		config.Workers = 0
	}

	return nil
}

func loadOutputConfig(config *OutputConfig) {
	config.Directory = getEnv("OUTPUT_DIR", ".")
	config.WriteCSV = getEnvBool("OUTPUT_CSV", true)
	config.WriteJSON = getEnvBool("OUTPUT_JSON", false)
}

func loadStorageConfig(config *StorageConfig) {
	config.Enabled = getEnvBool("STORAGE_ENABLED", false)
	config.Path = getEnv("STORAGE_PATH", "./data/callaudit.db")
}

// loadMessagingConfig loads the messaging configuration section
func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.QueueName = getEnv("AMQP_QUEUE_NAME", "callaudit_reports")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "")
	config.RoutingKey = getEnv("AMQP_ROUTING_KEY", "")
	config.Durable = getEnvBool("AMQP_DURABLE", true)
	config.ConnectionTimeout = getEnvDuration("AMQP_CONNECTION_TIMEOUT", 10*time.Second)
	config.PublishTimeout = getEnvDuration("AMQP_PUBLISH_TIMEOUT", 5*time.Second)

	if config.AMQPUrl != "" && config.QueueName == "" && config.ExchangeName == "" {
		logger.Warn("Incomplete AMQP configuration: AMQP_URL needs AMQP_QUEUE_NAME or AMQP_EXCHANGE_NAME")
	}

	return nil
}

// loadHTTPConfig loads the HTTP configuration section
func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	httpPortStr := getEnv("HTTP_PORT", "8080")
	httpPort, err := strconv.Atoi(httpPortStr)
	if err != nil || httpPort < 1 || httpPort > 65535 {
		logger.Warn("Invalid HTTP_PORT value, using default: 8080")
		config.Port = 8080
	} else {
		config.Port = httpPort
	}

	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)

	readTimeoutStr := getEnv("HTTP_READ_TIMEOUT", "10s")
	readTimeout, err := time.ParseDuration(readTimeoutStr)
	if err != nil {
		logger.Warn("Invalid HTTP_READ_TIMEOUT value, using default: 10s")
		config.ReadTimeout = 10 * time.Second
	} else {
		config.ReadTimeout = readTimeout
	}

	writeTimeoutStr := getEnv("HTTP_WRITE_TIMEOUT", "30s")
	writeTimeout, err := time.ParseDuration(writeTimeoutStr)
	if err != nil {
		logger.Warn("Invalid HTTP_WRITE_TIMEOUT value, using default: 30s")
		config.WriteTimeout = 30 * time.Second
	} else {
		config.WriteTimeout = writeTimeout
	}

	config.MaxUploadBytes = int64(getEnvInt("HTTP_MAX_UPLOAD_BYTES", 32<<20))
	if config.MaxUploadBytes <= 0 {
		logger.Warn("Invalid HTTP_MAX_UPLOAD_BYTES value, using default: 32MiB")
		config.MaxUploadBytes = 32 << 20
	}

	config.TLSEnabled = getEnvBool("HTTP_TLS_ENABLED", false)
	config.TLSCertFile = getEnv("HTTP_TLS_CERT_FILE", "")
	config.TLSKeyFile = getEnv("HTTP_TLS_KEY_FILE", "")

	config.RateLimitEnabled = getEnvBool("RATE_LIMIT_ENABLED", false)
	rps, err := strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "5"), 64)
	if err != nil || rps <= 0 {
		logger.Warn("Invalid RATE_LIMIT_RPS value, using default: 5")
		rps = 5
	}
	config.RateLimitRPS = rps
	config.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 20)
	if config.RateLimitBurst <= 0 {
		logger.Warn("Invalid RATE_LIMIT_BURST value, using default: 20")
		config.RateLimitBurst = 20
	}
	config.RateLimitBlockDuration = getEnvDuration("RATE_LIMIT_BLOCK_DURATION", time.Minute)
	config.RateLimitExemptIPs = nil
	for _, ip := range strings.Split(getEnv("RATE_LIMIT_EXEMPT_IPS", ""), ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			config.RateLimitExemptIPs = append(config.RateLimitExemptIPs, ip)
		}
	}

	config.AuthEnabled = getEnvBool("HTTP_AUTH_ENABLED", false)
	config.APIKeys = nil
	for _, entry := range strings.Split(getEnv("HTTP_API_KEYS", ""), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			config.APIKeys = append(config.APIKeys, entry)
		}
	}
	config.JWTSecret = getEnv("HTTP_JWT_SECRET", "")
	config.JWTIssuer = getEnv("HTTP_JWT_ISSUER", "callaudit")
	config.TokenExpiry = getEnvDuration("HTTP_TOKEN_EXPIRY", 24*time.Hour)

	return nil
}

func loadTracingConfig(logger *logrus.Logger, config *TracingConfig) {
	config.Enabled = getEnvBool("TRACING_ENABLED", false)
	config.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	config.Insecure = getEnvBool("TRACING_INSECURE", false)
	config.ServiceName = getEnv("TRACING_SERVICE_NAME", "callaudit")

	ratio, err := strconv.ParseFloat(getEnv("TRACING_SAMPLE_RATIO", "1"), 64)
	if err != nil || ratio <= 0 || ratio > 1 {
		logger.Warn("Invalid TRACING_SAMPLE_RATIO value, using default: 1")
		ratio = 1
	}
	config.SampleRatio = ratio

	if config.Enabled && config.Endpoint == "" {
		logger.Warn("TRACING_ENABLED is set without OTEL_EXPORTER_OTLP_ENDPOINT; spans will not be exported")
	}
}

// validateConfig checks cross-field constraints
func validateConfig(logger *logrus.Logger, config *Config) error {
	if config.HTTP.TLSEnabled && (config.HTTP.TLSCertFile == "" || config.HTTP.TLSKeyFile == "") {
		return errors.New("HTTP_TLS_ENABLED requires HTTP_TLS_CERT_FILE and HTTP_TLS_KEY_FILE")
	}

	if config.HTTP.AuthEnabled && len(config.HTTP.APIKeys) == 0 && config.HTTP.JWTSecret == "" {
		return errors.New("HTTP_AUTH_ENABLED requires HTTP_API_KEYS or HTTP_JWT_SECRET")
	}

	if config.Storage.Enabled && strings.TrimSpace(config.Storage.Path) == "" {
		return errors.New("storage enabled but STORAGE_PATH is empty")
	}

	if config.Audit.Enabled && strings.TrimSpace(config.Audit.Path) == "" {
		return errors.New("audit enabled but AUDIT_PATH is empty")
	}

	if !config.Output.WriteCSV && !config.Output.WriteJSON {
		logger.Warn("Both OUTPUT_CSV and OUTPUT_JSON are disabled; batch runs will only log results")
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	return nil
}

// ensureDirectories ensures that required directories exist
func ensureDirectories(logger *logrus.Logger, config *Config) error {
	dirs := []string{config.Output.Directory}
	if config.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(config.Storage.Path))
	}
	if config.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(config.Audit.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to create directory: %s", dir))
		}
		logger.WithField("dir", dir).Debug("Ensured directory exists")
	}

	return nil
}

// ApplyLogging applies the configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}
