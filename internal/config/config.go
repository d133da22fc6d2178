package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Relay   RelayConfig
	Engine  EngineConfig
	Storage StorageConfig
	Answer  AnswerConfig
	AI      AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig("PORT", "8080")
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	engine, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}

	answer, err := loadAnswerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Relay:   relay,
		Engine:  engine,
		Storage: loadStorageConfig(),
		Answer:  answer,
		AI:      ai,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(key, fallback string) (ServerConfig, error) {
	addr, err := parseAddr(key, fallback)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Addr:           addr,
		AllowedOrigins: parseListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}, nil
}

func parseAddr(key, fallback string) (string, error) {
	port := strings.TrimSpace(os.Getenv(key))
	if port == "" {
		port = fallback
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, port)
	}

	return ":" + port, nil
}

// RelayConfig 描述中继到后端问答服务的配置。
type RelayConfig struct {
	BackendURL     string
	ChunkSize      int
	BackendTimeout time.Duration
}

// DefaultRelayConfig matches the values the browser client was built against.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BackendURL:     "http://localhost:8000/chat",
		ChunkSize:      512,
		BackendTimeout: 120 * time.Second,
	}
}

func loadRelayConfig() (RelayConfig, error) {
	cfg := DefaultRelayConfig()

	if url := getEnvOrDefault("CHAT_BACKEND_URL", getEnvOrDefault("LOCAL_CHAT_API_URL", "")); url != "" {
		cfg.BackendURL = url
	}

	chunk, err := parseOptionalIntEnv("RELAY_CHUNK_SIZE")
	if err != nil {
		return RelayConfig{}, err
	}
	if chunk != nil {
		if *chunk < 1 {
			return RelayConfig{}, fmt.Errorf("invalid RELAY_CHUNK_SIZE value %d: must be positive", *chunk)
		}
		cfg.ChunkSize = *chunk
	}

	timeout, err := parseOptionalIntEnv("RELAY_BACKEND_TIMEOUT_SECONDS")
	if err != nil {
		return RelayConfig{}, err
	}
	if timeout != nil && *timeout > 0 {
		cfg.BackendTimeout = time.Duration(*timeout) * time.Second
	}

	return cfg, nil
}

// EngineConfig 描述流式接收引擎（打字机效果）的配置。
type EngineConfig struct {
	RelayURL           string
	BatchSize          int
	Delay              time.Duration
	DefaultModel       string
	DefaultTemperature float64
}

// DefaultEngineConfig reveals four characters every 12ms.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RelayURL:           "http://localhost:8080/chat-proxy",
		BatchSize:          4,
		Delay:              12 * time.Millisecond,
		DefaultModel:       "gpt-4o-mini",
		DefaultTemperature: 0.7,
	}
}

func loadEngineConfig() (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	cfg.RelayURL = getEnvOrDefault("RELAY_URL", cfg.RelayURL)
	cfg.DefaultModel = getEnvOrDefault("CHAT_DEFAULT_MODEL", cfg.DefaultModel)

	batch, err := parseOptionalIntEnv("TYPING_BATCH_SIZE")
	if err != nil {
		return EngineConfig{}, err
	}
	if batch != nil {
		if *batch < 0 {
			return EngineConfig{}, fmt.Errorf("invalid TYPING_BATCH_SIZE value %d", *batch)
		}
		cfg.BatchSize = *batch
	}

	delay, err := parseOptionalIntEnv("TYPING_DELAY_MS")
	if err != nil {
		return EngineConfig{}, err
	}
	if delay != nil {
		if *delay < 0 {
			return EngineConfig{}, fmt.Errorf("invalid TYPING_DELAY_MS value %d", *delay)
		}
		cfg.Delay = time.Duration(*delay) * time.Millisecond
	}

	temperature, err := parseOptionalFloatEnv("CHAT_DEFAULT_TEMPERATURE")
	if err != nil {
		return EngineConfig{}, err
	}
	if temperature != nil {
		cfg.DefaultTemperature = *temperature
	}

	return cfg, nil
}

// StorageConfig 描述本地持久化配置。空路径或 ":memory:" 表示仅使用内存。
type StorageConfig struct {
	Path string
}

// InMemory reports whether persistence is disabled.
func (c StorageConfig) InMemory() bool {
	return c.Path == "" || c.Path == ":memory:"
}

func loadStorageConfig() StorageConfig {
	path, ok := os.LookupEnv("STORAGE_PATH")
	if !ok {
		path = "markchat.db"
	}
	return StorageConfig{Path: strings.TrimSpace(path)}
}

// AnswerConfig 描述参考问答后端（cmd/answer）的配置。
type AnswerConfig struct {
	Addr         string
	HistoryLimit int
}

func loadAnswerConfig() (AnswerConfig, error) {
	addr, err := parseAddr("ANSWER_PORT", "8000")
	if err != nil {
		return AnswerConfig{}, err
	}

	history := 10
	if override, err := parseOptionalIntEnv("ANSWER_HISTORY_LIMIT"); err != nil {
		return AnswerConfig{}, err
	} else if override != nil {
		if *override < 0 {
			history = 0
		} else {
			history = *override
		}
	}

	return AnswerConfig{Addr: addr, HistoryLimit: history}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
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
