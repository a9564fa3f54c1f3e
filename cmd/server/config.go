package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tphummel/tbm_console/internal/gateway"
)

// Config is the service configuration. Every field comes from an environment
// variable, optionally loaded from a .env file in the working directory.
type Config struct {
	Token  string
	Port   string
	DBPath string

	GatewayURL     string
	GatewayTimeout time.Duration
	HealthPath     string
	ResetPath      string
	FrequencyScale float64

	SensorInterval   time.Duration
	PowerInterval    time.Duration
	LinkInterval     time.Duration
	RegisterInterval time.Duration
	RegisterBlocks   []gateway.RegisterBlock

	// ProtectedRegisters cannot be written from the Modbus console.
	ProtectedRegisters []gateway.RegisterBlock

	JackingInterval time.Duration
	JackingStep     float64

	ConfirmTTL  time.Duration
	DataLogging bool
}

// loadConfig reads service configuration from environment variables and
// applies defaults. It returns an error when a required variable is absent or
// a value cannot be parsed.
func loadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Token:      os.Getenv("API_TOKEN"),
		Port:       getEnv("PORT", "8080"),
		DBPath:     getEnv("DB_PATH", "./tbm_console.db"),
		GatewayURL: getEnv("GATEWAY_URL", "http://127.0.0.1:8080"),
		HealthPath: getEnv("HEALTH_PATH", "/rs485"),
		ResetPath:  getEnv("ESTOP_RESET_PATH", "/api/estop/reset"),
	}
	if cfg.Token == "" {
		return Config{}, fmt.Errorf("API_TOKEN environment variable is required")
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"GATEWAY_TIMEOUT", &cfg.GatewayTimeout, 3 * time.Second},
		{"SENSOR_INTERVAL", &cfg.SensorInterval, time.Second},
		{"POWER_INTERVAL", &cfg.PowerInterval, 2 * time.Second},
		{"LINK_INTERVAL", &cfg.LinkInterval, time.Second},
		{"REGISTER_INTERVAL", &cfg.RegisterInterval, time.Second},
		{"JACKING_INTERVAL", &cfg.JackingInterval, 100 * time.Millisecond},
		{"CONFIRM_TTL", &cfg.ConfirmTTL, 30 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvAsDuration(d.key, d.def); err != nil {
			return Config{}, err
		}
	}

	if cfg.FrequencyScale, err = getEnvAsFloat("FREQUENCY_SCALE", gateway.DefaultFrequencyScale); err != nil {
		return Config{}, err
	}
	if cfg.JackingStep, err = getEnvAsFloat("JACKING_STEP", 2); err != nil {
		return Config{}, err
	}
	if cfg.DataLogging, err = getEnvAsBool("DATA_LOGGING", false); err != nil {
		return Config{}, err
	}
	if cfg.RegisterBlocks, err = gateway.ParseRegisterBlocks(getEnv("REGISTER_BLOCKS", "1:1000:10")); err != nil {
		return Config{}, fmt.Errorf("REGISTER_BLOCKS: %w", err)
	}
	if cfg.ProtectedRegisters, err = gateway.ParseRegisterBlocks(getEnv("PROTECTED_REGISTERS", "")); err != nil {
		return Config{}, fmt.Errorf("PROTECTED_REGISTERS: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

func getEnvAsFloat(key string, fallback float64) (float64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s: invalid number %q", key, raw)
	}
	return f, nil
}

func getEnvAsBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q", key, raw)
	}
	return b, nil
}
