package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	PushListenAddr      string
	Timezone            string
	Sync                SyncConfig
}

// SyncConfig holds the tunable fetch/scan policy. Defaults match the
// behavior the engine was tuned for in production.
type SyncConfig struct {
	InitialBatchSize     int           // newest messages fetched on first sync of a folder
	IncrementalBatchSize int           // per-range batch size on subsequent syncs
	ShallowScanWindow    uint32        // recent-UID window when no mod-sequence filter is available
	DeepScanInterval     time.Duration // elapsed time before a deep scan replaces a shallow one
	ProcessorQueueDepth  int           // bound on the message-processor pipeline
	ThreadCandidateLimit int           // recent threads considered by subject matching
	MaxThreadLength      int           // threads at this length stop accepting members
	SnippetLength        int           // target snippet size in characters
	SnippetMaxLength     int           // hard cap after word-boundary extension
	CompletionWindow     time.Duration // rolling horizon for sync completion timestamps
	ActiveSyncInterval   time.Duration // default delay between sync cycles
	RetryBackoff         time.Duration // delay before retrying after a retryable failure
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		PushListenAddr:      getEnvOrDefault("MAILSYNC_PUSH_ADDR", ":8082"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		Sync: SyncConfig{
			InitialBatchSize:     getEnvIntOrDefault("MAILSYNC_INITIAL_BATCH", 100),
			IncrementalBatchSize: getEnvIntOrDefault("MAILSYNC_INCREMENTAL_BATCH", 200),
			ShallowScanWindow:    uint32(getEnvIntOrDefault("MAILSYNC_SHALLOW_SCAN_WINDOW", 1000)),
			DeepScanInterval:     getEnvDurationOrDefault("MAILSYNC_DEEP_SCAN_INTERVAL", 5*time.Minute),
			ProcessorQueueDepth:  getEnvIntOrDefault("MAILSYNC_PROCESSOR_QUEUE_DEPTH", 500),
			ThreadCandidateLimit: getEnvIntOrDefault("MAILSYNC_THREAD_CANDIDATES", 10),
			MaxThreadLength:      getEnvIntOrDefault("MAILSYNC_MAX_THREAD_LENGTH", 500),
			SnippetLength:        getEnvIntOrDefault("MAILSYNC_SNIPPET_LENGTH", 100),
			SnippetMaxLength:     getEnvIntOrDefault("MAILSYNC_SNIPPET_MAX_LENGTH", 255),
			CompletionWindow:     getEnvDurationOrDefault("MAILSYNC_COMPLETION_WINDOW", 30*time.Minute),
			ActiveSyncInterval:   getEnvDurationOrDefault("MAILSYNC_ACTIVE_INTERVAL", 30*time.Second),
			RetryBackoff:         getEnvDurationOrDefault("MAILSYNC_RETRY_BACKOFF", 30*time.Second),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if c.Sync.ProcessorQueueDepth <= 0 {
		return fmt.Errorf("MAILSYNC_PROCESSOR_QUEUE_DEPTH must be positive")
	}

	if c.Sync.IncrementalBatchSize <= 0 || c.Sync.InitialBatchSize <= 0 {
		return fmt.Errorf("fetch batch sizes must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("Warning: %s is not a number, using default %d\n", key, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		fmt.Printf("Warning: %s is not a duration, using default %s\n", key, defaultValue)
		return defaultValue
	}
	return d
}
