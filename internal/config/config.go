package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	Session  SessionConfig
	Store    StoreConfig
	Webhook  WebhookConfig
	Metrics  MetricsConfig
	Realtime RealtimeConfig
	Driver   DriverConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	storage := loadStorageConfig()

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	webhook, err := loadWebhookConfig()
	if err != nil {
		return nil, err
	}

	metrics, err := loadMetricsConfig()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	driver, err := loadDriverConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Log:      loadLogConfig(),
		Storage:  storage,
		Session:  session,
		Store:    store,
		Webhook:  webhook,
		Metrics:  metrics,
		Realtime: realtime,
		Driver:   driver,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	APIKey      string
	CORSOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	cfg := ServerConfig{
		APIKey:      strings.TrimSpace(os.Getenv("API_KEY")),
		CORSOrigins: parseListEnv("CORS_ORIGINS", []string{"*"}),
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
		return cfg, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	cfg.Addr = ":" + port
	return cfg, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "console")),
	}
}

// StorageConfig 描述持久化路径。
type StorageConfig struct {
	DataDir      string
	DatabasePath string
	MediaDir     string
}

func loadStorageConfig() StorageConfig {
	dataDir := getEnvOrDefault("DATA_DIR", "./data")
	return StorageConfig{
		DataDir:      dataDir,
		DatabasePath: getEnvOrDefault("DATABASE_PATH", filepath.Join(dataDir, "gateway.db")),
		MediaDir:     getEnvOrDefault("MEDIA_DIR", filepath.Join(dataDir, "media")),
	}
}

// SessionConfig 描述会话生命周期相关的超时与限制。
type SessionConfig struct {
	SendTimeout       time.Duration
	LogoutTimeout     time.Duration
	RecipientDomain   string
	MaxMediaBytes     int64
	MediaFetchTimeout time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	sendTimeout, err := parseDurationEnv("SEND_TIMEOUT", 30*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	logoutTimeout, err := parseDurationEnv("LOGOUT_TIMEOUT", 10*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	fetchTimeout, err := parseDurationEnv("MEDIA_FETCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	maxBytes := int64(50 << 20)
	if override, err := parseOptionalIntEnv("MEDIA_MAX_BYTES"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		maxBytes = int64(*override)
	}

	return SessionConfig{
		SendTimeout:       sendTimeout,
		LogoutTimeout:     logoutTimeout,
		RecipientDomain:   getEnvOrDefault("RECIPIENT_DOMAIN", "c.us"),
		MaxMediaBytes:     maxBytes,
		MediaFetchTimeout: fetchTimeout,
	}, nil
}

// StoreConfig 描述消息环形缓冲区。
type StoreConfig struct {
	RingSize        int
	InlineThreshold int
}

func loadStoreConfig() (StoreConfig, error) {
	ringSize, err := parsePositiveIntEnv("MESSAGE_RING_SIZE", 1000)
	if err != nil {
		return StoreConfig{}, err
	}

	threshold := 0
	if override, err := parseOptionalIntEnv("MEDIA_INLINE_THRESHOLD"); err != nil {
		return StoreConfig{}, err
	} else if override != nil && *override > 0 {
		threshold = *override
	}

	return StoreConfig{RingSize: ringSize, InlineThreshold: threshold}, nil
}

// WebhookConfig 描述 webhook 投递参数。
type WebhookConfig struct {
	URL       string
	Events    []string
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

func loadWebhookConfig() (WebhookConfig, error) {
	timeout, err := parseDurationEnv("WEBHOOK_TIMEOUT", 10*time.Second)
	if err != nil {
		return WebhookConfig{}, err
	}

	workers, err := parsePositiveIntEnv("WEBHOOK_WORKERS", 4)
	if err != nil {
		return WebhookConfig{}, err
	}

	queueSize, err := parsePositiveIntEnv("WEBHOOK_QUEUE_SIZE", 256)
	if err != nil {
		return WebhookConfig{}, err
	}

	return WebhookConfig{
		URL:       strings.TrimSpace(os.Getenv("WEBHOOK_URL")),
		Events:    parseListEnv("WEBHOOK_EVENTS", []string{"all"}),
		Timeout:   timeout,
		Workers:   workers,
		QueueSize: queueSize,
	}, nil
}

// MetricsConfig 描述采样周期与健康阈值。
type MetricsConfig struct {
	Interval        time.Duration
	Capacity        int
	FlushInterval   time.Duration
	SessionInterval time.Duration
	SessionCapacity int
	WarnPercent     float64
	CriticalPercent float64
}

func loadMetricsConfig() (MetricsConfig, error) {
	interval, err := parseDurationEnv("METRICS_INTERVAL", 30*time.Second)
	if err != nil {
		return MetricsConfig{}, err
	}

	capacity, err := parsePositiveIntEnv("METRICS_CAPACITY", 2880)
	if err != nil {
		return MetricsConfig{}, err
	}

	flush, err := parseDurationEnv("METRICS_FLUSH_INTERVAL", 5*time.Minute)
	if err != nil {
		return MetricsConfig{}, err
	}

	sessionInterval, err := parseDurationEnv("SESSION_METRICS_INTERVAL", time.Minute)
	if err != nil {
		return MetricsConfig{}, err
	}

	sessionCapacity, err := parsePositiveIntEnv("SESSION_METRICS_CAPACITY", 1440)
	if err != nil {
		return MetricsConfig{}, err
	}

	warn := 80.0
	if v, err := parseOptionalFloatEnv("HEALTH_WARN_PERCENT"); err != nil {
		return MetricsConfig{}, err
	} else if v != nil {
		warn = *v
	}

	critical := 90.0
	if v, err := parseOptionalFloatEnv("HEALTH_CRITICAL_PERCENT"); err != nil {
		return MetricsConfig{}, err
	} else if v != nil {
		critical = *v
	}

	if warn > critical {
		return MetricsConfig{}, fmt.Errorf("HEALTH_WARN_PERCENT (%.1f) exceeds HEALTH_CRITICAL_PERCENT (%.1f)", warn, critical)
	}

	return MetricsConfig{
		Interval:        interval,
		Capacity:        capacity,
		FlushInterval:   flush,
		SessionInterval: sessionInterval,
		SessionCapacity: sessionCapacity,
		WarnPercent:     warn,
		CriticalPercent: critical,
	}, nil
}

// RealtimeConfig 描述实时推送的订阅者缓冲。
type RealtimeConfig struct {
	Buffer int
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	buffer, err := parsePositiveIntEnv("REALTIME_BUFFER", 64)
	if err != nil {
		return RealtimeConfig{}, err
	}
	return RealtimeConfig{Buffer: buffer}, nil
}

// DriverConfig 选择传输驱动。
type DriverConfig struct {
	Name          string
	AutoPairAfter time.Duration
	Echo          bool
}

func loadDriverConfig() (DriverConfig, error) {
	autoPair, err := parseDurationEnv("SIM_AUTO_PAIR_AFTER", 0)
	if err != nil {
		return DriverConfig{}, err
	}

	echo, err := parseBoolEnv("SIM_ECHO", false)
	if err != nil {
		return DriverConfig{}, err
	}

	name := strings.ToLower(getEnvOrDefault("DRIVER", "sim"))
	if name != "sim" {
		return DriverConfig{}, fmt.Errorf("unsupported DRIVER value %q", name)
	}

	return DriverConfig{Name: name, AutoPairAfter: autoPair, Echo: echo}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parsePositiveIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < 1 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *val)
	}
	return *val, nil
}

// parseDurationEnv 接受 Go duration 字符串，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
