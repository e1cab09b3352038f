package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything a peer or a directory node needs to start.
// Values come from WB_* environment variables; the CLI overrides them with flags.
type Config struct {
	PeerHost string
	PeerPort int

	DirectoryAddr   string // where peers dial the directory, host:port or ws://host:port/path
	DirectoryListen string // where the directory accepts TCP connections
	WSListen        string // optional WebSocket listener for the directory
	WSPath          string

	MetricsAddr string

	Codec        string
	MaxFrameSize int
	WriteTimeout time.Duration

	KeepAliveDelay    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	RedisAddr   string
	RedisDB     int
	RedisStream string
	RedisGroup  string

	MDNS bool
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getBool(key string) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func Load() *Config {
	return &Config{
		PeerHost:          getEnv("WB_PEER_HOST", "localhost"),
		PeerPort:          getInt("WB_PEER_PORT", 3101),
		DirectoryAddr:     getEnv("WB_DIRECTORY_ADDR", "localhost:3100"),
		DirectoryListen:   getEnv("WB_DIRECTORY_LISTEN", ":3100"),
		WSListen:          getEnv("WB_WS_LISTEN", ""),
		WSPath:            getEnv("WB_WS_PATH", "/ws"),
		MetricsAddr:       getEnv("WB_METRICS_ADDR", ""),
		Codec:             getEnv("WB_CODEC", "json"),
		MaxFrameSize:      getInt("WB_MAX_FRAME", 1<<20),
		WriteTimeout:      getDuration("WB_WRITE_TIMEOUT", 10*time.Second),
		KeepAliveDelay:    getDuration("WB_KEEPALIVE", 20*time.Second),
		ReconnectAttempts: getInt("WB_RECONNECT_ATTEMPTS", 10),
		ReconnectDelay:    getDuration("WB_RECONNECT_DELAY", 5*time.Second),
		RedisAddr:         getEnv("WB_REDIS_ADDR", ""),
		RedisDB:           getInt("WB_REDIS_DB", 0),
		RedisStream:       getEnv("WB_REDIS_STREAM", "whiteboard:directory"),
		RedisGroup:        getEnv("WB_REDIS_GROUP", "directory"),
		MDNS:              getBool("WB_MDNS"),
	}
}
