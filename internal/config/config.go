package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Redis      RedisConfig
	PocketBase PocketBaseConfig
	SMTP       SMTPConfig
	MinIO      MinIOConfig
	Consumer   ConsumerConfig
	APIURL     string
	HealthAddr string
	Debug      bool
}

// RedisConfig holds the side-state store connection configuration
type RedisConfig struct {
	URL string
}

// PocketBaseConfig holds the form metadata store endpoint and superuser
// credentials
type PocketBaseConfig struct {
	URL      string
	Email    string
	Password string
}

// SMTPConfig holds the default outbound gateway configuration
type SMTPConfig struct {
	Hostname   string
	Port       int
	Security   string
	Auth       string
	Username   string
	Password   string
	PrivateKey string
	AccessURL  string
	Pool       bool
}

// MinIOConfig holds the attachment object-store configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ConsumerConfig holds the stream consumption tunables
type ConsumerConfig struct {
	BatchSize     int
	Block         time.Duration
	RetryInterval time.Duration
	MaxRetries    int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		PocketBase: PocketBaseConfig{
			URL:      getEnv("POCKETBASE_URL", ""),
			Email:    getEnv("POCKETBASE_EMAIL", ""),
			Password: getEnv("POCKETBASE_PASS", ""),
		},
		SMTP: SMTPConfig{
			Hostname:   getEnv("SMTP_HOSTNAME", ""),
			Port:       getIntEnv("SMTP_PORT", 587),
			Security:   getEnv("SMTP_SECURITY", "starttls"),
			Auth:       getEnv("SMTP_AUTH", "plain"),
			Username:   getEnv("SMTP_USERNAME", ""),
			Password:   getEnv("SMTP_PASSWORD", ""),
			PrivateKey: getEnv("SMTP_PRIVATE_KEY", ""),
			AccessURL:  getEnv("SMTP_ACCESS_URL", ""),
			Pool:       getBoolEnv("SMTP_POOL", false),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ROOT_USER", ""),
			SecretKey: getEnv("MINIO_ROOT_PASSWORD", ""),
			Bucket:    getEnv("MINIO_BUCKET", "attachments"),
			UseSSL:    getBoolEnv("MINIO_USE_SSL", false),
		},
		Consumer: ConsumerConfig{
			BatchSize:     getIntEnv("CONSUMER_BATCH_SIZE", 5),
			Block:         getSecondsEnv("CONSUMER_BLOCK", 10*time.Second),
			RetryInterval: getMinutesEnv("RETRY_INTERVAL", 15*time.Minute),
			MaxRetries:    getIntEnv("MAILER_RETRIES", 5),
		},
		APIURL:     getEnv("API_URL", ""),
		HealthAddr: getEnv("HEALTH_ADDR", ":8085"),
		Debug:      getBoolEnv("DEBUG", false),
	}
}

// Validate checks that every required setting is present
func (c *Config) Validate() error {
	var missing []string
	if c.PocketBase.URL == "" {
		missing = append(missing, "POCKETBASE_URL")
	}
	if c.PocketBase.Email == "" {
		missing = append(missing, "POCKETBASE_EMAIL")
	}
	if c.PocketBase.Password == "" {
		missing = append(missing, "POCKETBASE_PASS")
	}
	if c.SMTP.Hostname == "" {
		missing = append(missing, "SMTP_HOSTNAME")
	}
	if c.SMTP.Username == "" {
		missing = append(missing, "SMTP_USERNAME")
	}
	if c.SMTP.Password == "" && c.SMTP.Auth == "plain" {
		missing = append(missing, "SMTP_PASSWORD")
	}
	if c.MinIO.AccessKey == "" {
		missing = append(missing, "MINIO_ROOT_USER")
	}
	if c.MinIO.SecretKey == "" {
		missing = append(missing, "MINIO_ROOT_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.SMTP.Security {
	case "none", "starttls", "ssl":
	default:
		return fmt.Errorf("invalid SMTP_SECURITY %q", c.SMTP.Security)
	}
	switch c.SMTP.Auth {
	case "plain", "gmail", "oauth2":
	default:
		return fmt.Errorf("invalid SMTP_AUTH %q", c.SMTP.Auth)
	}
	if (c.SMTP.Auth == "gmail" || c.SMTP.Auth == "oauth2") && (c.SMTP.PrivateKey == "" || c.SMTP.AccessURL == "") {
		return fmt.Errorf("SMTP_AUTH %q requires SMTP_PRIVATE_KEY and SMTP_ACCESS_URL", c.SMTP.Auth)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns an integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getSecondsEnv reads a duration given as whole seconds
func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getMinutesEnv reads a duration given as whole minutes
func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}
