package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Backend   BackendConfig
	Chat      ChatConfig
	Reconnect ReconnectConfig
}

type AppConfig struct {
	Environment string
	LogFilePath string
	ChatLogPath string
}

type BackendConfig struct {
	// Base URL for REST calls, e.g. http://localhost:8000
	APIBaseURL string
	// Base URL for websocket connections, e.g. ws://localhost:8000
	WSBaseURL string
	// Bearer token of the logged-in user session
	AccessToken string
}

type ChatConfig struct {
	HeartbeatInterval time.Duration
	EstablishTimeout  time.Duration
	InitialBatchDelay time.Duration
	CompletionTimeout time.Duration
	ReviewPromptDelay time.Duration
	ProfileCacheTTL   time.Duration
}

type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	return &Config{
		App: AppConfig{
			Environment: getEnv("GO_ENV", "development"),
			LogFilePath: getEnv("LOG_FILE_PATH", "app.log"),
			ChatLogPath: getEnv("CHAT_LOG_PATH", "chat.log"),
		},
		Backend: BackendConfig{
			APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8000"),
			WSBaseURL:   getEnv("WS_BASE_URL", "ws://localhost:8000"),
			AccessToken: getEnv("ACCESS_TOKEN", ""),
		},
		Chat: ChatConfig{
			HeartbeatInterval: getEnvAsDuration("CHAT_HEARTBEAT_INTERVAL", 30*time.Second),
			EstablishTimeout:  getEnvAsDuration("CHAT_ESTABLISH_TIMEOUT", 10*time.Second),
			InitialBatchDelay: getEnvAsDuration("CHAT_INITIAL_BATCH_DELAY", 150*time.Millisecond),
			CompletionTimeout: getEnvAsDuration("CHAT_COMPLETION_TIMEOUT", 5*time.Second),
			ReviewPromptDelay: getEnvAsDuration("CHAT_REVIEW_PROMPT_DELAY", time.Second),
			ProfileCacheTTL:   getEnvAsDuration("PROFILE_CACHE_TTL", 5*time.Minute),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   getEnvAsDuration("RECONNECT_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    getEnvAsDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			MaxAttempts: getEnvAsInt("RECONNECT_MAX_ATTEMPTS", 10),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
