package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the environment surface of the service. LockTimeout is the
// duration after which a processing claim counts as abandoned.
type Config struct {
	ListenAddr  string
	RedisAddr   string
	DBDriver    string
	DBDSN       string
	KeyStore    string // "sql" or "redis"
	Queue       string
	Concurrency int
	LockTimeout time.Duration
	LogLevel    string
}

// Load reads .env if present, then the process environment.
func Load() Config {
	godotenv.Load()
	return Config{
		ListenAddr:  getenv("LISTEN_ADDR", ":8080"),
		RedisAddr:   getenv("REDIS_ADDRESS", "localhost:6379"),
		DBDriver:    getenv("DB_DRIVER", "sqlite"),
		DBDSN:       getenv("DB_DSN", "file:scriptq.db"),
		KeyStore:    getenv("KEYSTORE_BACKEND", "sql"),
		Queue:       getenv("TASK_QUEUE", "default"),
		Concurrency: getenvInt("WORKER_CONCURRENCY", 10),
		LockTimeout: time.Duration(getenvInt("LOCK_TIMEOUT_SECONDS", 300)) * time.Second,
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}
}

// NewLogger builds the shared JSON logger.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
