// Package config provides configuration management for hashagg join operations
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Estimator names accepted by Config.Estimator.
const (
	EstimatorBitmap      = "bitmap"
	EstimatorHyperLogLog = "hyperloglog"
)

// Hash function names accepted by Config.HashFunction.
const (
	HashFibonacci = "fibonacci"
	HashXXHash    = "xxhash"
)

// Config represents the configuration of a join + group-by run
type Config struct {
	// Parallelism
	Threads    int `json:"threads" yaml:"threads"`         // Worker goroutines (0 = all logical CPUs)
	MaxThreads int `json:"max_threads" yaml:"max_threads"` // Ceiling for Threads (0 = logical CPU count)

	// Sketch and table sizing
	LogPartitions int     `json:"log_partitions" yaml:"log_partitions"` // log2 of sketch partitions
	LoadFactor    float64 `json:"load_factor" yaml:"load_factor"`       // Target load factor of both hash tables
	Calibration   float64 `json:"calibration" yaml:"calibration"`       // Probabilistic counting bias correction
	HeadroomBits  int     `json:"headroom_bits" yaml:"headroom_bits"`   // Extra log2 bits added to the aggregation table
	Estimator     string  `json:"estimator" yaml:"estimator"`           // "bitmap" or "hyperloglog"
	HashFunction  string  `json:"hash_function" yaml:"hash_function"`   // "fibonacci" or "xxhash"

	// Memory Management Configuration
	MemoryThreshold int64 `json:"memory_threshold" yaml:"memory_threshold"` // Budget for shared tables in bytes (0 = unlimited)

	// Input checks
	ValidateInput bool `json:"validate_input" yaml:"validate_input"` // Scan relations for reserved keys before spawning workers

	// Debugging Configuration
	VerboseLogging    bool `json:"verbose_logging" yaml:"verbose_logging"`       // Enable verbose logging
	MetricsCollection bool `json:"metrics_collection" yaml:"metrics_collection"` // Enable metrics collection
}

// SystemInfo contains system information for configuration validation
type SystemInfo struct {
	CPUCount     int
	Architecture string
	OSType       string
}

// ConfigValidator validates and provides recommendations for configuration
type ConfigValidator struct {
	systemInfo SystemInfo
}

// Global configuration instance
var (
	globalConfig Config
	configMutex  sync.RWMutex
)

// Default configuration values. The sizing constants come from empirical
// tuning and should be recalibrated against the target workload.
const (
	DefaultLogPartitions = 12
	DefaultLoadFactor    = 0.67
	DefaultCalibration   = 0.77351
	DefaultHeadroomBits  = 1

	// MaxLogPartitions bounds the sketch so the residual keeps at least 8 bits.
	MaxLogPartitions = 24
	// MaxHeadroomBits bounds the extra aggregation table growth.
	MaxHeadroomBits = 8
)

// Initialize global configuration with defaults
func init() {
	globalConfig = NewConfig()
}

// NewConfig creates a new configuration with default values
func NewConfig() Config {
	return Config{
		Threads:    0, // All logical CPUs
		MaxThreads: 0, // Logical CPU count

		LogPartitions: DefaultLogPartitions,
		LoadFactor:    DefaultLoadFactor,
		Calibration:   DefaultCalibration,
		HeadroomBits:  DefaultHeadroomBits,
		Estimator:     EstimatorBitmap,
		HashFunction:  HashFibonacci,

		MemoryThreshold: 0, // Unlimited

		ValidateInput: true,

		VerboseLogging:    false,
		MetricsCollection: false,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Threads < 0 {
		return fmt.Errorf("Threads must be non-negative, got %d", c.Threads)
	}

	if c.MaxThreads < 0 {
		return fmt.Errorf("MaxThreads must be non-negative, got %d", c.MaxThreads)
	}

	if c.LogPartitions < 1 || c.LogPartitions > MaxLogPartitions {
		return fmt.Errorf("LogPartitions must be between 1 and %d, got %d", MaxLogPartitions, c.LogPartitions)
	}

	if c.LoadFactor <= 0.0 || c.LoadFactor >= 1.0 {
		return fmt.Errorf("LoadFactor must be between 0 and 1, got %f", c.LoadFactor)
	}

	if c.Calibration <= 0.0 || c.Calibration > 1.0 {
		return fmt.Errorf("Calibration must be in (0, 1], got %f", c.Calibration)
	}

	if c.HeadroomBits < 0 || c.HeadroomBits > MaxHeadroomBits {
		return fmt.Errorf("HeadroomBits must be between 0 and %d, got %d", MaxHeadroomBits, c.HeadroomBits)
	}

	switch c.Estimator {
	case EstimatorBitmap, EstimatorHyperLogLog:
	default:
		return fmt.Errorf("unknown Estimator %q", c.Estimator)
	}

	switch c.HashFunction {
	case HashFibonacci, HashXXHash:
	default:
		return fmt.Errorf("unknown HashFunction %q", c.HashFunction)
	}

	if c.MemoryThreshold < 0 {
		return fmt.Errorf("MemoryThreshold must be non-negative, got %d", c.MemoryThreshold)
	}

	return nil
}

// WithDefaults returns a new configuration with default values filled in for zero values
func (c Config) WithDefaults() Config {
	defaults := NewConfig()

	if c.LogPartitions == 0 {
		c.LogPartitions = defaults.LogPartitions
	}
	if c.LoadFactor == 0.0 {
		c.LoadFactor = defaults.LoadFactor
	}
	if c.Calibration == 0.0 {
		c.Calibration = defaults.Calibration
	}
	if c.Estimator == "" {
		c.Estimator = defaults.Estimator
	}
	if c.HashFunction == "" {
		c.HashFunction = defaults.HashFunction
	}

	// Note: HeadroomBits and boolean fields are intentionally not set to defaults here
	// because zero is a meaningful value for them.
	// Use NewConfig() directly if you need those defaults

	return c
}

// EffectiveMaxThreads returns the thread ceiling, never above the logical CPU count.
func (c Config) EffectiveMaxThreads(cpus int) int {
	if c.MaxThreads == 0 || c.MaxThreads > cpus {
		return cpus
	}
	return c.MaxThreads
}

// SetGlobalConfig sets the global configuration
func SetGlobalConfig(config Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	globalConfig = config
}

// GetGlobalConfig returns the current global configuration
func GetGlobalConfig() Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return globalConfig
}

// LoadFromJSON loads configuration from JSON data
func LoadFromJSON(data []byte) (Config, error) {
	config := NewConfig()
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing JSON configuration: %w", err)
	}
	return config.WithDefaults(), nil
}

// LoadFromYAML loads configuration from YAML data
func LoadFromYAML(data []byte) (Config, error) {
	config := NewConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing YAML configuration: %w", err)
	}
	return config.WithDefaults(), nil
}

// LoadFromFile loads configuration from a file (supports JSON, YAML)
func LoadFromFile(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", filename, err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".json":
		config, err = LoadFromJSON(data)
	case ".yaml", ".yml":
		config, err = LoadFromYAML(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", filename, err)
	}

	return config, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() Config {
	config := NewConfig()

	setInt := func(name string, dst *int) {
		if val := os.Getenv(name); val != "" {
			if parsed, err := strconv.Atoi(val); err == nil {
				*dst = parsed
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if val := os.Getenv(name); val != "" {
			if parsed, err := strconv.ParseFloat(val, 64); err == nil {
				*dst = parsed
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if val := os.Getenv(name); val != "" {
			if parsed, err := strconv.ParseBool(val); err == nil {
				*dst = parsed
			}
		}
	}

	setInt("HASHAGG_THREADS", &config.Threads)
	setInt("HASHAGG_MAX_THREADS", &config.MaxThreads)
	setInt("HASHAGG_LOG_PARTITIONS", &config.LogPartitions)
	setFloat("HASHAGG_LOAD_FACTOR", &config.LoadFactor)
	setFloat("HASHAGG_CALIBRATION", &config.Calibration)
	setInt("HASHAGG_HEADROOM_BITS", &config.HeadroomBits)

	if val := os.Getenv("HASHAGG_ESTIMATOR"); val != "" {
		config.Estimator = strings.ToLower(val)
	}

	if val := os.Getenv("HASHAGG_HASH_FUNCTION"); val != "" {
		config.HashFunction = strings.ToLower(val)
	}

	if val := os.Getenv("HASHAGG_MEMORY_THRESHOLD"); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.MemoryThreshold = parsed
		}
	}

	setBool("HASHAGG_VALIDATE_INPUT", &config.ValidateInput)
	setBool("HASHAGG_VERBOSE_LOGGING", &config.VerboseLogging)
	setBool("HASHAGG_METRICS_COLLECTION", &config.MetricsCollection)

	return config
}

// GetSystemInfo returns system information for configuration validation
func GetSystemInfo() SystemInfo {
	return SystemInfo{
		CPUCount:     runtime.NumCPU(),
		Architecture: runtime.GOARCH,
		OSType:       runtime.GOOS,
	}
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		systemInfo: GetSystemInfo(),
	}
}

// NewConfigValidatorFor creates a validator for the given system description
func NewConfigValidatorFor(info SystemInfo) *ConfigValidator {
	return &ConfigValidator{systemInfo: info}
}

// SystemInfo returns the system description the validator checks against
func (cv *ConfigValidator) SystemInfo() SystemInfo {
	return cv.systemInfo
}

// Validate validates a configuration against the host and resolves the thread count
func (cv *ConfigValidator) Validate(config Config) (Config, []string, error) {
	var warnings []string
	validated := config

	// Basic validation
	if err := config.Validate(); err != nil {
		return Config{}, warnings, err
	}

	maxThreads := config.EffectiveMaxThreads(cv.systemInfo.CPUCount)
	if config.MaxThreads > cv.systemInfo.CPUCount {
		warnings = append(warnings,
			fmt.Sprintf("MaxThreads (%d) exceeds CPU count (%d), capped",
				config.MaxThreads, cv.systemInfo.CPUCount))
	}

	// Auto-adjust unset values
	if config.Threads == 0 {
		validated.Threads = maxThreads
		warnings = append(warnings,
			fmt.Sprintf("Auto-setting threads to %d", validated.Threads))
	}

	if validated.Threads > maxThreads {
		return Config{}, warnings, fmt.Errorf(
			"thread count %d exceeds available parallelism %d", validated.Threads, maxThreads)
	}

	if config.Estimator == EstimatorHyperLogLog && config.HeadroomBits == 0 {
		warnings = append(warnings, "hyperloglog estimator without headroom may undersize the aggregation table")
	}

	return validated, warnings, nil
}
