package config

import (
	"fmt"

	"chatwave-callkit/pkg/env"
)

// Config holds the agent configuration, loaded from the environment.
type Config struct {
	Env           string
	ParticipantID string

	// Signaling transport
	SignalingProvider string // firestore, redis, memory
	FirebaseProjectID string
	FirebaseCredsPath string
	RedisHost         string
	RedisPort         int
	RedisPassword     string

	// Connectivity-assist servers for connection negotiation. Explicit
	// configuration, not ambient globals.
	STUNServers []string

	Port string
}

// DefaultSTUNServers is the public server set used when STUN_SERVERS is unset.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Load reads configuration from the environment (or Docker secrets).
func Load() *Config {
	return &Config{
		Env:               env.GetString("ENV", "development"),
		ParticipantID:     env.GetString("PARTICIPANT_ID", ""),
		SignalingProvider: env.GetString("SIGNALING_PROVIDER", "memory"),
		FirebaseProjectID: env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
		FirebaseCredsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
		RedisHost:         env.GetString("REDIS_HOST", "localhost"),
		RedisPort:         env.GetInt("REDIS_PORT", 6379),
		RedisPassword:     env.GetStringFromFile("REDIS_PASSWORD", ""),
		STUNServers:       env.GetStringSlice("STUN_SERVERS", DefaultSTUNServers),
		Port:              env.GetString("PORT", "8084"),
	}
}

// Validate checks the fields the agent cannot run without.
func (c *Config) Validate() error {
	if c.ParticipantID == "" {
		return fmt.Errorf("PARTICIPANT_ID is required")
	}
	if c.SignalingProvider == "firestore" && c.FirebaseProjectID == "" && c.FirebaseCredsPath == "" {
		return fmt.Errorf("firestore signaling requires FIREBASE_PROJECT_ID or FIREBASE_CREDENTIALS_PATH")
	}
	return nil
}

// RedisAddr returns the host:port address of the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
