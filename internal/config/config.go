package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// AppConfig 聚合运行时配置，全部来自环境变量（可由 .env 提供）。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	// Telegram 机器人 token；BotUsername 为空时取 getMe 返回的用户名拼续费深链。
	BotToken    string
	BotUsername string

	// /api 路由的共享令牌，为空则不校验（仅用于本地调试）。
	APIToken string

	RedisEnabled bool
	RedisAddr    string
	RedisDB      int

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox：业务侧写入生命周期事件，Relay 异步转 Kafka
	EventStream   string
	EventGroup    string
	EventConsumer string

	// 下单接口按用户限流
	OrderRateLimit  int
	OrderRateWindow time.Duration

	// 调度器
	SweepInterval     time.Duration
	ReminderWindow    time.Duration
	RevokeMaxAttempts int
	DisplayLocation   *time.Location
	LeaderLease       time.Duration

	LogLevel  string
	LogFormat string
}

// Load 先加载 .env（不存在则忽略，已有环境变量优先），再读取并校验配置。
func Load(envFiles ...string) (AppConfig, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return AppConfig{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := AppConfig{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DBPath:        getEnv("DB_PATH", "paid_channel.db"),
		BotToken:      getEnv("BOT_TOKEN", ""),
		BotUsername:   strings.TrimPrefix(getEnv("BOT_USERNAME", ""), "@"),
		APIToken:      getEnv("API_TOKEN", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:  splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "paid-channel-lifecycle"),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "paid-channel-audit"),
		EventStream:   getEnv("EVENT_STREAM", "paid_channel:lifecycle_events"),
		EventGroup:    getEnv("EVENT_GROUP", "paid-channel-relay-group"),
		EventConsumer: getEnv("EVENT_CONSUMER", "paid-channel-relay-1"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "auto"),
	}

	var err error
	if cfg.RedisEnabled, err = getEnvBool("REDIS_ENABLED", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_ENABLED: %w", err)
	}
	if cfg.KafkaEnabled, err = getEnvBool("KAFKA_ENABLED", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid KAFKA_ENABLED: %w", err)
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	if cfg.OrderRateLimit, err = getEnvInt("ORDER_RATE_LIMIT", 5); err != nil {
		return AppConfig{}, fmt.Errorf("invalid ORDER_RATE_LIMIT: %w", err)
	}
	if cfg.OrderRateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("ORDER_RATE_LIMIT must be > 0")
	}
	windowSec, err := getEnvInt("ORDER_RATE_WINDOW_SEC", 60)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid ORDER_RATE_WINDOW_SEC: %w", err)
	}
	if windowSec <= 0 {
		return AppConfig{}, fmt.Errorf("ORDER_RATE_WINDOW_SEC must be > 0")
	}
	cfg.OrderRateWindow = time.Duration(windowSec) * time.Second

	sweepSec, err := getEnvInt("SWEEP_INTERVAL_SEC", 60)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SWEEP_INTERVAL_SEC: %w", err)
	}
	if sweepSec < 1 || sweepSec > 3600 {
		return AppConfig{}, fmt.Errorf("SWEEP_INTERVAL_SEC must be in 1..3600")
	}
	cfg.SweepInterval = time.Duration(sweepSec) * time.Second

	reminderSec, err := getEnvInt("REMINDER_WINDOW_SEC", 3600)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REMINDER_WINDOW_SEC: %w", err)
	}
	if reminderSec <= 0 {
		return AppConfig{}, fmt.Errorf("REMINDER_WINDOW_SEC must be > 0")
	}
	cfg.ReminderWindow = time.Duration(reminderSec) * time.Second

	if cfg.RevokeMaxAttempts, err = getEnvInt("REVOKE_MAX_ATTEMPTS", 1); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REVOKE_MAX_ATTEMPTS: %w", err)
	}
	if cfg.RevokeMaxAttempts < 1 {
		return AppConfig{}, fmt.Errorf("REVOKE_MAX_ATTEMPTS must be >= 1")
	}

	leaseSec, err := getEnvInt("LEADER_LEASE_SEC", 0)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid LEADER_LEASE_SEC: %w", err)
	}
	if leaseSec < 0 {
		return AppConfig{}, fmt.Errorf("LEADER_LEASE_SEC must be >= 0")
	}
	// 默认租约为两个周期，持有者宕机后最多两个周期内被接管。
	if leaseSec == 0 {
		leaseSec = 2 * sweepSec
	}
	cfg.LeaderLease = time.Duration(leaseSec) * time.Second

	tz := getEnv("DISPLAY_TZ", "Europe/Moscow")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid DISPLAY_TZ: %w", err)
	}
	cfg.DisplayLocation = loc

	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if cfg.KafkaTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
		}
		if cfg.KafkaGroupID == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
		if !cfg.RedisEnabled {
			return AppConfig{}, fmt.Errorf("KAFKA_ENABLED requires REDIS_ENABLED (events are relayed from a Redis stream)")
		}
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
