package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the agent's environment-derived configuration. Required
// fields are validated by Load; everything else falls back to the
// defaults the production fleet has run with since v2.
type Config struct {
	// Controller
	CentralServerURL string
	ClientToken      string

	// Cloud
	AWSRegion string

	// Logging
	LogLevel string
	LogJSON  bool

	// Local observability surface (health/metrics only, never dashboard traffic)
	MetricsAddr string

	// Scheduler cadences
	HeartbeatInterval       time.Duration
	ReclaimablePriceInterval time.Duration
	FixedPriceInterval      time.Duration
	CommandCheckInterval    time.Duration

	// Shutdown
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment (and a .env file, if
// present) and validates the fields the agent cannot start without.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CentralServerURL: getEnv("CENTRAL_SERVER_URL", ""),
		ClientToken:      getEnv("CLIENT_TOKEN", ""),
		AWSRegion:        getEnv("AWS_REGION", "ap-south-1"),
		LogLevel:         getEnv("LOG_LEVEL", "INFO"),
		LogJSON:          getEnvBool("LOG_JSON", false),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9110"),

		HeartbeatInterval:        getEnvSeconds("HEARTBEAT_INTERVAL", 60),
		ReclaimablePriceInterval: getEnvSeconds("SPOT_PRICE_INTERVAL", 600),
		FixedPriceInterval:       getEnvSeconds("ONDEMAND_PRICE_INTERVAL", 3600),
		CommandCheckInterval:     getEnvSeconds("COMMAND_CHECK_INTERVAL", 30),

		ShutdownTimeout: getEnvSeconds("SHUTDOWN_TIMEOUT", 5),
	}

	if cfg.CentralServerURL == "" {
		return nil, fmt.Errorf("CENTRAL_SERVER_URL not set in environment")
	}
	if cfg.ClientToken == "" {
		return nil, fmt.Errorf("CLIENT_TOKEN not set in environment")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Invalid boolean for %s, using default: %v", key, defaultValue)
			return defaultValue
		}
		return boolVal
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("Invalid integer for %s, using default: %d", key, defaultSeconds)
			return time.Duration(defaultSeconds) * time.Second
		}
		return time.Duration(intVal) * time.Second
	}
	return time.Duration(defaultSeconds) * time.Second
}
