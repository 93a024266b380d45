// Package config reads process configuration from the environment, after loading a .env file when one
// is present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Relay struct {
	Addr           string
	DBPath         string
	BackupInterval time.Duration
	KeepVersions   int
	WarnAboveMB    float64
	Advertise      bool

	TracingEnabled bool
	JaegerEndpoint string
}

type Client struct {
	// RelayURL is the ws:// base of the relay; "mdns" looks one up on the local network.
	RelayURL      string
	PeerAddr      string
	PeerPublicURL string
	Name          string
	Color         string

	SaveInterval        time.Duration
	SnapshotTimeout     time.Duration
	RestoreDedupeWindow time.Duration

	HideAboveMB float64
	WarnAboveMB float64
	MaxSessions int
}

func LoadRelay() Relay {
	_ = godotenv.Load()
	return Relay{
		Addr:           getEnv("RELAY_ADDR", "localhost:8080"),
		DBPath:         getEnv("RELAY_DB_PATH", "layersync.sqlite3"),
		BackupInterval: getEnvDuration("RELAY_BACKUP_INTERVAL", 5*time.Second),
		KeepVersions:   getEnvInt("RELAY_KEEP_VERSIONS", 50),
		WarnAboveMB:    getEnvFloat("RELAY_WARN_MB", 50),
		Advertise:      getEnvBool("RELAY_MDNS", false),
		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}
}

func LoadClient() Client {
	_ = godotenv.Load()
	return Client{
		RelayURL:            getEnv("RELAY_URL", "ws://localhost:8080"),
		PeerAddr:            getEnv("PEER_ADDR", ""),
		PeerPublicURL:       getEnv("PEER_PUBLIC_URL", ""),
		Name:                getEnv("CLIENT_NAME", "anonymous"),
		Color:               getEnv("CLIENT_COLOR", "#000000"),
		SaveInterval:        getEnvDuration("SAVE_INTERVAL", 2*time.Second),
		SnapshotTimeout:     getEnvDuration("SNAPSHOT_TIMEOUT", 10*time.Second),
		RestoreDedupeWindow: getEnvDuration("RESTORE_DEDUPE_WINDOW", time.Second),
		HideAboveMB:         getEnvFloat("HIDE_ABOVE_MB", 100),
		WarnAboveMB:         getEnvFloat("WARN_ABOVE_MB", 50),
		MaxSessions:         getEnvInt("MAX_SESSIONS", 32),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
