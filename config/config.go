package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Version is advertised to nodes in the Client-Name handshake header.
const Version = "0.3.1"

// Config stores the client configuration. Everything comes from the process
// environment, optionally seeded from a .env file.
type Config struct {
	// 节点配置
	NodesFile string // JSON file holding the node list, see nodes.go
	UserID    string // Bot user id sent on the websocket handshake

	// 会话配置
	SessionResume        bool
	SessionResumeTimeout time.Duration // Resume window granted to a reconnecting session
	WSReadTimeout        time.Duration // Silence longer than this counts as a stalled connection
	WSHandshakeTimeout   time.Duration
	ReconnectAttempts    int // Budget before a session goes Failed; resets on a successful ready
	BackoffBase          time.Duration
	BackoffCap           time.Duration

	// REST配置
	RestTimeout time.Duration
	RestRate    int // Requests per second per node
	RestBurst   int

	// 播放器配置
	VoiceLossGrace    time.Duration // connected=false for longer than this triggers a rebind
	PlayerIdleTimeout time.Duration // Idle players are destroyed after this, 0 disables

	// Redis配置
	CacheEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// 诊断服务配置
	DiagAddr string // Empty disables the diagnostics HTTP server

	// 日志配置
	LogLevel      string
	LogFile       string
	LogMaxSize    int // Megabytes per rotated file
	LogMaxBackups int
	LogMaxAge     int // Days
	LogCompress   bool

	// Discord 演示机器人配置
	DiscordToken string
	BotGuildID   string
	BotChannelID string
	BotQuery     string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// getEnvDuration gets an environment variable as a duration ("30s", "5m") or
// returns a default value.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// Attempt to load .env file. godotenv.Load() will not override existing env vars.
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		NodesFile: getEnv("NODES_FILE", "nodes.json"),
		UserID:    getEnv("USER_ID", ""),

		SessionResume:        getEnvBool("SESSION_RESUME", true),
		SessionResumeTimeout: getEnvDuration("SESSION_RESUME_TIMEOUT", 60*time.Second),
		WSReadTimeout:        getEnvDuration("WS_READ_TIMEOUT", 60*time.Second),
		WSHandshakeTimeout:   getEnvDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		ReconnectAttempts:    getEnvInt("RECONNECT_ATTEMPTS", 10),
		BackoffBase:          getEnvDuration("BACKOFF_BASE", time.Second),
		BackoffCap:           getEnvDuration("BACKOFF_CAP", 30*time.Second),

		RestTimeout: getEnvDuration("REST_TIMEOUT", 10*time.Second),
		RestRate:    getEnvInt("REST_RATE", 10),
		RestBurst:   getEnvInt("REST_BURST", 20),

		VoiceLossGrace:    getEnvDuration("VOICE_LOSS_GRACE", 15*time.Second),
		PlayerIdleTimeout: getEnvDuration("PLAYER_IDLE_TIMEOUT", 10*time.Minute),

		// Redis配置，使用默认值
		CacheEnabled:  getEnvBool("CACHE_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),     // 默认使用0号数据库
		CacheTTL:      getEnvDuration("CACHE_TTL", 15*time.Minute),

		DiagAddr: getEnv("DIAG_ADDR", ""),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", "logs/resona.log"),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 28),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),

		DiscordToken: os.Getenv("DISCORD_TOKEN"), // For tokens, better not to have a hardcoded default
		BotGuildID:   getEnv("BOT_GUILD_ID", ""),
		BotChannelID: getEnv("BOT_CHANNEL_ID", ""),
		BotQuery:     getEnv("BOT_QUERY", ""),
	}
}
