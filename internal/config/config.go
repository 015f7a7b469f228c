package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// MinAuthSecretLength is the shortest AUTH_SECRET the server accepts.
const MinAuthSecretLength = 32

type Config struct {
	Port          string
	AllowedOrigin string

	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventsChannel string

	AuthSecret            string
	AccessTokenTTLMinutes int

	LogLevel        string
	ConflictRetries int
	OrderUnitPrice  decimal.Decimal
}

// Load reads the configuration from the environment. Values from an optional
// .env file (or ENV_FILE) fill in variables that are not already set.
func Load() (Config, error) {
	if err := loadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	retries, err := strconv.Atoi(getEnv("CONFLICT_RETRIES", "3"))
	if err != nil || retries < 0 {
		retries = 3
	}
	unitPrice, err := decimal.NewFromString(getEnv("ORDER_UNIT_PRICE", "2500"))
	if err != nil || !unitPrice.IsPositive() {
		unitPrice = decimal.NewFromInt(2500)
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:            strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisAddr:             strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		EventsChannel:         getEnv("EVENTS_CHANNEL", "oeufmaster:events"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		ConflictRetries:       retries,
		OrderUnitPrice:        unitPrice,
	}

	return cfg, nil
}

// Validate rejects settings the server must not start with.
func (c Config) Validate() error {
	if len(c.AuthSecret) < MinAuthSecretLength {
		return fmt.Errorf("AUTH_SECRET must be at least %d characters", MinAuthSecretLength)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
