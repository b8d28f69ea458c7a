package cqlexec

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// ErrConfigValidation is returned when configuration validation fails
var ErrConfigValidation = errors.New("configuration validation failed")

// DefaultEndpoint is the FHIR server used for terminology and data when nothing else is configured.
const DefaultEndpoint = "http://fhirtest.uhn.ca/baseDstu3"

// FHIRModelURI identifies the FHIR data model in data provider registrations.
const FHIRModelURI = "http://hl7.org/fhir"

// Config represents the cqlexec configuration
type Config struct {
	Server        ServerConfig                  `yaml:"server"`
	Logging       LoggingConfig                 `yaml:"logging"`
	Databases     map[string]Database           `yaml:"databases"`
	Terminology   ProviderConfig                `yaml:"terminology"`
	DataProviders map[string]DataProviderConfig `yaml:"data_providers"`
	Libraries     LibrariesConfig               `yaml:"libraries"`
	Translation   TranslationConfig             `yaml:"translation"`
	Evaluation    EvaluationConfig              `yaml:"evaluation"`
}

// ServerConfig represents HTTP server settings
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// LoggingConfig represents logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Database represents database connection configuration
type Database struct {
	Driver     string `yaml:"driver"`
	Connection string `yaml:"connection"`
}

// ProviderConfig describes where a provider reads from.
// Type is one of fhir, sql or none. Endpoint is used by fhir, Database (a key of Config.Databases) by sql.
type ProviderConfig struct {
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	Database string `yaml:"database"`
}

// DataProviderConfig represents a data provider bound to a model URI
type DataProviderConfig struct {
	ProviderConfig `yaml:",inline"`
	PageSize       int `yaml:"page_size"`
	// ExpandValueSets makes the engine send expanded codes instead of the value set URL
	ExpandValueSets *bool `yaml:"expand_value_sets"`
}

// ShouldExpandValueSets returns true unless expansion is explicitly disabled
func (d DataProviderConfig) ShouldExpandValueSets() bool {
	return d.ExpandValueSets == nil || *d.ExpandValueSets
}

// LibrariesConfig represents the include resolution settings
type LibrariesConfig struct {
	SourceDir string `yaml:"source_dir"`
}

// TranslationConfig represents translator settings
type TranslationConfig struct {
	// DumpXML is a path the translated library is written to for review. Empty disables it.
	DumpXML string `yaml:"dump_xml"`
}

// EvaluationConfig represents evaluation settings
type EvaluationConfig struct {
	DefaultPatient string        `yaml:"default_patient"`
	Timeout        time.Duration `yaml:"timeout"`
}

// LoadConfig loads configuration from the specified file
func LoadConfig(configPath string) (*Config, error) {
	// Load .env files first
	err := loadEnvFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment files: %w", err)
	}

	_, err = os.Stat(configPath)
	if os.IsNotExist(err) {
		config := getDefaultConfig()
		expandConfigEnvVars(config)

		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, validates it and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config

	// Strict mode to detect unknown fields
	err := yaml.UnmarshalWithOptions(data, &config, yaml.Strict())
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	applyDefaults(&config)
	expandConfigEnvVars(&config)

	return &config, nil
}

var validProviderTypes = map[string]bool{
	"":     true,
	"fhir": true,
	"sql":  true,
	"none": true,
}

// validateConfig validates the configuration for common errors and inconsistencies
func validateConfig(config *Config) error {
	validLevels := map[string]bool{
		"":      true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[config.Logging.Level] {
		return fmt.Errorf("%w: invalid logging.level '%s': must be one of debug, info, warn, error", ErrConfigValidation, config.Logging.Level)
	}

	if config.Logging.Format != "" && config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("%w: invalid logging.format '%s': must be json or console", ErrConfigValidation, config.Logging.Format)
	}

	if err := validateProvider(config, "terminology", config.Terminology); err != nil {
		return err
	}

	for uri, dp := range config.DataProviders {
		if uri == "" {
			return fmt.Errorf("%w: data_providers: model URI is required", ErrConfigValidation)
		}

		if err := validateProvider(config, "data_providers."+uri, dp.ProviderConfig); err != nil {
			return err
		}

		if dp.PageSize < 0 {
			return fmt.Errorf("%w: data_providers.%s.page_size must be non-negative, got %d", ErrConfigValidation, uri, dp.PageSize)
		}
	}

	for name, db := range config.Databases {
		if db.Connection == "" {
			return fmt.Errorf("%w: databases.%s.connection is required", ErrConfigValidation, name)
		}
	}

	if config.Server.ReadTimeout < 0 || config.Server.WriteTimeout < 0 || config.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: server timeouts must be >= 0", ErrConfigValidation)
	}

	if config.Evaluation.Timeout < 0 {
		return fmt.Errorf("%w: evaluation.timeout must be >= 0, got %s", ErrConfigValidation, config.Evaluation.Timeout)
	}

	return nil
}

func validateProvider(config *Config, path string, p ProviderConfig) error {
	if !validProviderTypes[p.Type] {
		return fmt.Errorf("%w: %s.type '%s' is invalid: must be one of fhir, sql, none", ErrConfigValidation, path, p.Type)
	}

	if p.Type == "sql" {
		if p.Database == "" {
			return fmt.Errorf("%w: %s.database is required for sql providers", ErrConfigValidation, path)
		}

		if _, ok := config.Databases[p.Database]; !ok {
			return fmt.Errorf("%w: %s.database '%s' is not defined in databases", ErrConfigValidation, path, p.Database)
		}
	}

	return nil
}

// getDefaultConfig returns the default configuration
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Databases: make(map[string]Database),
		Terminology: ProviderConfig{
			Type:     "fhir",
			Endpoint: DefaultEndpoint,
		},
		DataProviders: map[string]DataProviderConfig{
			FHIRModelURI: {
				ProviderConfig: ProviderConfig{
					Type:     "fhir",
					Endpoint: DefaultEndpoint,
				},
				PageSize: 50,
			},
		},
	}
}

// applyDefaults applies default values to missing configuration fields
func applyDefaults(config *Config) {
	defaults := getDefaultConfig()

	if config.Server.Listen == "" {
		config.Server.Listen = defaults.Server.Listen
	}

	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = defaults.Server.ReadTimeout
	}

	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = defaults.Server.WriteTimeout
	}

	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}

	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}

	if config.Databases == nil {
		config.Databases = make(map[string]Database)
	}

	if config.Terminology.Type == "" {
		config.Terminology.Type = "fhir"
	}

	if config.Terminology.Type == "fhir" && config.Terminology.Endpoint == "" {
		config.Terminology.Endpoint = DefaultEndpoint
	}

	if config.DataProviders == nil {
		config.DataProviders = make(map[string]DataProviderConfig)
	}

	if _, ok := config.DataProviders[FHIRModelURI]; !ok {
		config.DataProviders[FHIRModelURI] = defaults.DataProviders[FHIRModelURI]
	}

	for uri, dp := range config.DataProviders {
		if dp.Type == "" {
			dp.Type = "fhir"
		}

		if dp.Type == "fhir" && dp.Endpoint == "" {
			dp.Endpoint = DefaultEndpoint
		}

		if dp.PageSize == 0 {
			dp.PageSize = 50
		}

		config.DataProviders[uri] = dp
	}
}

// loadEnvFiles loads .env files if they exist
func loadEnvFiles() error {
	if fileExists(".env") {
		err := godotenv.Load(".env")
		if err != nil {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	return nil
}

var (
	bracedEnvPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
	plainEnvPattern  = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// expandEnvVars expands environment variables in the format ${VAR} or $VAR
func expandEnvVars(s string) string {
	s = bracedEnvPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})

	return plainEnvPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[1:])
	})
}

// expandConfigEnvVars expands environment variables in endpoints, connections and paths
func expandConfigEnvVars(config *Config) {
	for name, db := range config.Databases {
		db.Connection = expandEnvVars(db.Connection)
		db.Driver = expandEnvVars(db.Driver)
		config.Databases[name] = db
	}

	config.Terminology.Endpoint = expandEnvVars(config.Terminology.Endpoint)

	for uri, dp := range config.DataProviders {
		dp.Endpoint = expandEnvVars(dp.Endpoint)
		config.DataProviders[uri] = dp
	}

	config.Libraries.SourceDir = expandEnvVars(config.Libraries.SourceDir)
	config.Translation.DumpXML = expandEnvVars(config.Translation.DumpXML)
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return getDefaultConfig()
}

// DataProvider returns the data provider configuration for a model URI
func (c *Config) DataProvider(modelURI string) (DataProviderConfig, bool) {
	dp, ok := c.DataProviders[modelURI]
	return dp, ok
}
