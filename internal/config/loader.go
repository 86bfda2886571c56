package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		value := os.Getenv(envName)

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Host == "" {
		errs = append(errs, "DB_HOST must not be empty")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT (%d) must be 1-65535", c.Database.Port))
	}
	if c.Database.Name == "" {
		errs = append(errs, "DB_NAME must not be empty")
	}

	// Pool validation
	if c.Pool.Size <= 0 {
		errs = append(errs, "DB_POOL_SIZE must be positive")
	}
	if c.Pool.MaxOverflow < 0 {
		errs = append(errs, "DB_MAX_OVERFLOW must be non-negative")
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, "DB_POOL_TIMEOUT must be positive")
	}

	// Query validation
	if c.Query.Timeout <= 0 {
		errs = append(errs, "DB_QUERY_TIMEOUT must be positive")
	}
	if c.Query.RetryCount < 1 {
		errs = append(errs, "QUERY_RETRY_COUNT must be at least 1")
	}
	if c.Query.RetryDelay < 0 {
		errs = append(errs, "RETRY_DELAY must be non-negative")
	}
	if c.Query.MaxFetchSize <= 0 {
		errs = append(errs, "MAX_FETCH_SIZE must be positive")
	}
	if c.Query.BatchFetchSize <= 0 {
		errs = append(errs, "BATCH_FETCH_SIZE must be positive")
	}
	if c.Query.BatchFetchSize > c.Query.MaxFetchSize {
		errs = append(errs, fmt.Sprintf("BATCH_FETCH_SIZE (%d) must not exceed MAX_FETCH_SIZE (%d)",
			c.Query.BatchFetchSize, c.Query.MaxFetchSize))
	}
	if c.Query.MaxConcurrent <= 0 {
		errs = append(errs, "MAX_CONCURRENT_QUERIES must be positive")
	}

	// Memory validation
	if c.Memory.MaxUsageMB <= 0 {
		errs = append(errs, "MAX_MEMORY_USAGE_MB must be positive")
	}

	// Import validation
	if c.Import.LogFilePrefix == "" {
		errs = append(errs, "LOG_FILE_PREFIX must not be empty")
	}
	if c.Import.InsertBatchSize <= 0 {
		errs = append(errs, "IMPORT_INSERT_BATCH_SIZE must be positive")
	}

	// Analysis validation
	if c.Analysis.WorkHourStart < 0 || c.Analysis.WorkHourStart > 23 {
		errs = append(errs, fmt.Sprintf("WORK_HOUR_START (%d) must be 0-23", c.Analysis.WorkHourStart))
	}
	if c.Analysis.WorkHourEnd <= c.Analysis.WorkHourStart || c.Analysis.WorkHourEnd > 24 {
		errs = append(errs, fmt.Sprintf("WORK_HOUR_END (%d) must be greater than WORK_HOUR_START and at most 24",
			c.Analysis.WorkHourEnd))
	}
	for name, list := range map[string][]string{
		"ALLOWED_IPS":         c.Analysis.AllowedIPs,
		"AFTER_HOURS_USERS":   c.Analysis.AfterHoursUsers,
		"PRIVILEGED_USERS":    c.Analysis.PrivilegedUsers,
		"PRIVILEGED_KEYWORDS": c.Analysis.PrivilegedKeywords,
	} {
		if len(list) > MaxFilterValues {
			errs = append(errs, fmt.Sprintf("%s has %d values; at most %d are supported", name, len(list), MaxFilterValues))
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// The database password is masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Database: {Host: %q, Port: %d, Name: %q, Password: [MASKED]}, ",
		c.Database.Host, c.Database.Port, c.Database.Name))
	b.WriteString(fmt.Sprintf("Pool: {Size: %d, MaxOverflow: %d, AcquireTimeout: %s}, ",
		c.Pool.Size, c.Pool.MaxOverflow, c.Pool.AcquireTimeout))
	b.WriteString(fmt.Sprintf("Query: {Retries: %d, MaxConcurrent: %d, MaxFetch: %d}, ",
		c.Query.RetryCount, c.Query.MaxConcurrent, c.Query.MaxFetchSize))
	b.WriteString(fmt.Sprintf("Import: {BulkLoad: %v, BatchSize: %d}, ",
		c.Import.UseBulkLoad, c.Import.InsertBatchSize))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
