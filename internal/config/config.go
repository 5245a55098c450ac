package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all engine configuration
type Config struct {
	Database   DatabaseConfig
	Compiler   CompilerConfig
	Validation ValidationConfig
	Job        JobConfig
	EdgeBuffer EdgeBufferConfig
	Scheduler  SchedulerConfig
	Retention  RetentionConfig
	Log        LogConfig
}

// DatabaseConfig holds relational store configuration
type DatabaseConfig struct {
	Driver   string // "postgres" or "sqlite3"
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Path is the database file path when Driver is "sqlite3"
	Path string
}

// ConnectionString returns the driver-specific connection string
func (d DatabaseConfig) ConnectionString() string {
	if d.Driver == "sqlite3" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// CompilerConfig holds graph compiler configuration
type CompilerConfig struct {
	// StrictJoins requires every multi-branch fork to declare its join node
	StrictJoins bool
	// AllowJoinInference permits the compiler to infer a missing join target
	AllowJoinInference bool
}

// ValidationConfig holds plan validator configuration
type ValidationConfig struct {
	// StrictJoins turns convergence violations into errors instead of warnings
	StrictJoins bool
	// StrictJoinUpstreams requires declared upstreams to match actual incomers
	StrictJoinUpstreams bool
	// RequireExplicitJoin rejects forks whose join target is undeclared
	RequireExplicitJoin bool
}

// JobConfig holds flow job configuration
type JobConfig struct {
	// Restartable selects whether a completed or failed run may be resumed
	Restartable bool
	// RequireWorkflowID refuses to build a job for a workflow without an ID
	RequireWorkflowID bool
}

// EdgeBufferConfig holds inter-node record buffer configuration
type EdgeBufferConfig struct {
	// MaxRecords caps the total buffered records across all executions
	MaxRecords int
}

// SchedulerConfig holds worker pool configuration for parallel splits
type SchedulerConfig struct {
	CorePoolSize  int
	MaxPoolSize   int
	QueueCapacity int
}

// RetentionConfig holds execution history retention configuration
type RetentionConfig struct {
	Enabled       bool
	RetentionDays int
	// Schedule is the cron schedule for the sweep (default: daily at midnight)
	Schedule string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// Load reads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "flowplan"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "flowplan"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", "flowplan.db"),
		},
		Compiler: CompilerConfig{
			StrictJoins:        getEnvBool("WORKFLOW_COMPILER_STRICT_JOINS", true),
			AllowJoinInference: getEnvBool("WORKFLOW_COMPILER_ALLOW_JOIN_INFERENCE", false),
		},
		Validation: ValidationConfig{
			StrictJoins:         getEnvBool("WORKFLOW_VALIDATION_STRICT_JOINS", false),
			StrictJoinUpstreams: getEnvBool("WORKFLOW_VALIDATION_STRICT_JOIN_UPSTREAMS", false),
			RequireExplicitJoin: getEnvBool("WORKFLOW_VALIDATION_REQUIRE_EXPLICIT_JOIN", false),
		},
		Job: JobConfig{
			Restartable:       getEnvBool("WORKFLOW_JOB_RESTARTABLE", true),
			RequireWorkflowID: getEnvBool("WORKFLOW_JOB_REQUIRE_WORKFLOW_ID", true),
		},
		EdgeBuffer: EdgeBufferConfig{
			MaxRecords: getEnvInt("WORKFLOW_EDGE_BUFFER_MAX_RECORDS", 50000),
		},
		Scheduler: SchedulerConfig{
			CorePoolSize:  getEnvInt("WORKFLOW_SCHEDULER_CORE", 4),
			MaxPoolSize:   getEnvInt("WORKFLOW_SCHEDULER_MAX", 16),
			QueueCapacity: getEnvInt("WORKFLOW_SCHEDULER_QUEUE", 100),
		},
		Retention: RetentionConfig{
			Enabled:       getEnvBool("RETENTION_ENABLED", false),
			RetentionDays: getEnvInt("RETENTION_DAYS", 90),
			Schedule:      getEnv("RETENTION_SCHEDULE", "0 0 * * *"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.EdgeBuffer.MaxRecords <= 0 {
		return fmt.Errorf("edge buffer max records must be positive, got %d", c.EdgeBuffer.MaxRecords)
	}
	if c.Scheduler.CorePoolSize <= 0 {
		return fmt.Errorf("scheduler core pool size must be positive, got %d", c.Scheduler.CorePoolSize)
	}
	if c.Scheduler.MaxPoolSize < c.Scheduler.CorePoolSize {
		return fmt.Errorf("scheduler max pool size (%d) must be >= core pool size (%d)",
			c.Scheduler.MaxPoolSize, c.Scheduler.CorePoolSize)
	}
	if c.Scheduler.QueueCapacity < 0 {
		return fmt.Errorf("scheduler queue capacity must be non-negative, got %d", c.Scheduler.QueueCapacity)
	}
	if c.Retention.Enabled && c.Retention.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive when retention is enabled, got %d", c.Retention.RetentionDays)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
