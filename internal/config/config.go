package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv  string
	Port     string
	LogFile  string
	APIToken string // bearer token for the local API, empty disables the check
	Database DatabaseConfig
	Server   ServerConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is one of "sqlite", "postgres" or "embedded".
	Driver   string
	Path     string // sqlite file path
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Silent   bool
}

// ServerConfig holds the central sync server and license settings
type ServerConfig struct {
	URL          string
	FallbackURL  string
	LicenseKey   string
	HardwareID   string
	IdentityDir  string
	DeviceSecret string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		NodeEnv:  getEnv("NODE_ENV", "development"),
		Port:     getEnv("PORT", "3217"),
		LogFile:  os.Getenv("LOG_FILE"),
		APIToken: os.Getenv("LOCAL_API_TOKEN"),
		Database: DatabaseConfig{
			Driver:   strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:     getEnv("DB_PATH", "./giro.db"),
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "giro"),
			Silent:   getBoolEnv("DB_SILENT", true),
		},
		Server: ServerConfig{
			URL:          strings.TrimRight(os.Getenv("SYNC_SERVER_URL"), "/"),
			FallbackURL:  strings.TrimRight(os.Getenv("SYNC_SERVER_FALLBACK_URL"), "/"),
			LicenseKey:   os.Getenv("LICENSE_KEY"),
			HardwareID:   os.Getenv("HARDWARE_ID"),
			IdentityDir:  getEnv("IDENTITY_DIR", ".giro"),
			DeviceSecret: os.Getenv("DEVICE_SECRET"),
		},
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
