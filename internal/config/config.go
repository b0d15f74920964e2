// Package config provides configuration for the run event log runtime.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int

	// Storage
	DataDir     string
	RegistryDSN string

	// Policy
	PolicyFile string

	// Workspace and skills
	WorkspaceRoot string
	SkillsDir     string

	// Sandbox evidence as reported to the tool ledger.
	SandboxRequested string
	SandboxEffective string
	SandboxAdapter   string
	SandboxActive    bool

	// Loop limits
	MaxTurns        int
	ShutdownTimeout time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 8080),
		InternalPort:     getEnvInt("INTERNAL_PORT", 8081),
		DataDir:          getEnv("DATA_DIR", "data/runs"),
		RegistryDSN:      getEnv("REGISTRY_DSN", "file:registry.db?cache=shared&mode=rwc"),
		PolicyFile:       getEnv("POLICY_FILE", ""),
		WorkspaceRoot:    getEnv("WORKSPACE_ROOT", "workspace"),
		SkillsDir:        getEnv("SKILLS_DIR", ""),
		SandboxRequested: getEnv("SANDBOX_REQUESTED", "none"),
		SandboxEffective: getEnv("SANDBOX_EFFECTIVE", "none"),
		SandboxAdapter:   getEnv("SANDBOX_ADAPTER", "none"),
		SandboxActive:    getEnvBool("SANDBOX_ACTIVE", false),
		MaxTurns:         getEnvInt("MAX_TURNS", 200),
		ShutdownTimeout:  time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_MS", 10000)) * time.Millisecond,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
