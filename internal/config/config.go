package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	OpenAIAPIKey  string
	SlackBotToken string

	// StoreBackend selects the vector index: "bolt" or "postgres".
	StoreBackend string
	DataDir      string
	DatabaseURL  string

	EmbeddingModel     string
	EmbeddingDimension int

	Model       string
	Temperature float64
	MaxTokens   int

	TopK             int
	MinSimilarity    float64
	MaxContextTokens int

	RequestsPerMinute int
	TokensPerMinute   int
	RateLimitMaxWait  time.Duration

	CacheCapacity int
	CachePath     string

	LogLevel    string
	LogFormat   string
	Environment string
}

func Load() *Config {
	// A missing .env is fine; real deployments set the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not read .env file", "error", err)
	}

	return &Config{
		Port:          getEnvOrDefault("PORT", "8080"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		SlackBotToken: os.Getenv("SLACK_BOT_TOKEN"),

		StoreBackend: getEnvOrDefault("STORE_BACKEND", "bolt"),
		DataDir:      getEnvOrDefault("DATA_DIR", "./data"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		EmbeddingModel:     getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimension: getEnvInt("EMBEDDING_DIMENSION", 1536),

		Model:       getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
		Temperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
		MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 1000),

		TopK:             getEnvInt("QUERY_TOP_K", 5),
		MinSimilarity:    getEnvFloat("QUERY_MIN_SIMILARITY", 0.3),
		MaxContextTokens: getEnvInt("QUERY_MAX_CONTEXT_TOKENS", 6000),

		RequestsPerMinute: getEnvInt("RATE_LIMIT_RPM", 60),
		TokensPerMinute:   getEnvInt("RATE_LIMIT_TPM", 90000),
		RateLimitMaxWait:  getEnvDuration("RATE_LIMIT_MAX_WAIT", 30*time.Second),

		CacheCapacity: getEnvInt("CACHE_CAPACITY", 512),
		CachePath:     os.Getenv("CACHE_PATH"),

		LogLevel:    getEnvOrDefault("LOG_LEVEL", "INFO"),
		LogFormat:   getEnvOrDefault("LOG_FORMAT", "text"),
		Environment: getEnvOrDefault("ENVIRONMENT", "development"),
	}
}

func (c *Config) Validate() error {
	var problems []string

	if c.OpenAIAPIKey == "" {
		problems = append(problems, "OPENAI_API_KEY is required")
	}

	switch c.StoreBackend {
	case "bolt":
		if c.DataDir == "" {
			problems = append(problems, "DATA_DIR is required with STORE_BACKEND=bolt")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required with STORE_BACKEND=postgres")
		}
	default:
		problems = append(problems, "STORE_BACKEND must be one of: bolt, postgres")
	}

	if c.EmbeddingDimension < 1 {
		problems = append(problems, "EMBEDDING_DIMENSION must be >= 1")
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		problems = append(problems, "LLM_TEMPERATURE must be in [0.0, 1.0]")
	}
	if c.TopK < 1 {
		problems = append(problems, "QUERY_TOP_K must be >= 1")
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		problems = append(problems, "QUERY_MIN_SIMILARITY must be in [0, 1]")
	}
	if c.RequestsPerMinute < 1 || c.TokensPerMinute < 1 {
		problems = append(problems, "RATE_LIMIT_RPM and RATE_LIMIT_TPM must be >= 1")
	}
	if c.CacheCapacity < 1 {
		problems = append(problems, "CACHE_CAPACITY must be >= 1")
	}

	// Optional validations
	if c.SlackBotToken != "" && !strings.HasPrefix(c.SlackBotToken, "xoxb-") {
		problems = append(problems, "SLACK_BOT_TOKEN must start with 'xoxb-'")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLogLevels, strings.ToUpper(c.LogLevel)) {
		problems = append(problems, "LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR")
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		problems = append(problems, "LOG_FORMAT must be one of: text, json")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("Invalid %s, using default", key), "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn(fmt.Sprintf("Invalid %s, using default", key), "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("Invalid %s, using default", key), "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
