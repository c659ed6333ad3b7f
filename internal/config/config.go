package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	AI        AIConfig
	Humanizer HumanizerConfig
	Startup   StartupConfig
	Persona   PersonaConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	database, err := loadDatabaseConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	humanizer, err := loadHumanizerConfig()
	if err != nil {
		return nil, err
	}

	startup, err := loadStartupConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Database:  database,
		AI:        ai,
		Humanizer: humanizer,
		Startup:   startup,
		Persona:   loadPersonaConfig(),
		Log:       loadLogConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8000" 或 "127.0.0.1:8000"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// DatabaseConfig 描述消息存储配置。
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// loadDatabaseConfig 优先使用 DB_URL，否则由 DB_HOST 等字段拼出 Postgres DSN，
// 都未设置时落到本地 SQLite 文件。
func loadDatabaseConfig() (DatabaseConfig, error) {
	maxConns, err := parseOptionalIntEnv("DB_MAX_CONNS")
	if err != nil {
		return DatabaseConfig{}, err
	}
	cfg := DatabaseConfig{}
	if maxConns != nil {
		if *maxConns < 1 {
			return DatabaseConfig{}, fmt.Errorf("invalid DB_MAX_CONNS value %d: must be positive", *maxConns)
		}
		cfg.MaxConns = *maxConns
	}

	if raw := strings.TrimSpace(os.Getenv("DB_URL")); raw != "" {
		cfg.URL = raw
		return cfg, nil
	}

	host := strings.TrimSpace(os.Getenv("DB_HOST"))
	if host == "" {
		cfg.URL = "sqlite://data/relay.db"
		return cfg, nil
	}

	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD")),
		Host:   host + ":" + getEnvOrDefault("DB_PORT", "5432"),
		Path:   "/" + getEnvOrDefault("DB_NAME", "postgres"),
	}
	query := url.Values{}
	query.Set("sslmode", getEnvOrDefault("DB_SSLMODE", "disable"))
	dsn.RawQuery = query.Encode()

	cfg.URL = dsn.String()
	return cfg, nil
}

// Provider 选择远程生成的后端。
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderArk    Provider = "ark"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider Provider
	Model    string
	Timeout  time.Duration

	// OpenAI 兼容后端：密钥 + 出站代理地址。
	APIKey   string
	ProxyURL string
	BaseURL  string

	// Ark 后端。
	ArkAPIKey    string
	ArkAccessKey string
	ArkSecretKey string
	ArkBaseURL   string
	ArkRegion    string

	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的凭证与路由地址。缺任意一项即进入占位回复模式。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderArk:
		hasCredential := c.ArkAPIKey != "" || (c.ArkAccessKey != "" && c.ArkSecretKey != "")
		return hasCredential && c.ArkBaseURL != "" && c.Model != ""
	default:
		return c.APIKey != "" && c.ProxyURL != ""
	}
}

// NewChatModel 使用 Ark 配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Provider != ProviderArk || !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY (or ARK_ACCESS_KEY + ARK_SECRET_KEY) and AI_MODEL")
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
		BaseURL:     c.ArkBaseURL,
		Region:      c.ArkRegion,
		APIKey:      c.ArkAPIKey,
		AccessKey:   c.ArkAccessKey,
		SecretKey:   c.ArkSecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	provider := Provider(strings.ToLower(getEnvOrDefault("AI_PROVIDER", string(ProviderOpenAI))))
	if provider != ProviderOpenAI && provider != ProviderArk {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q: want openai or ark", provider)
	}

	timeout, err := parseDurationEnv("AI_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}
	if timeout <= 0 {
		return AIConfig{}, fmt.Errorf("invalid AI_TIMEOUT value %s: must be positive", timeout)
	}

	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPEN_AI_API_KEY"))
	}

	proxyURL := strings.TrimSpace(os.Getenv("PROXY_URL"))
	if proxyURL != "" {
		if _, err := url.Parse(proxyURL); err != nil {
			return AIConfig{}, fmt.Errorf("invalid PROXY_URL value %q: %w", proxyURL, err)
		}
	}

	return AIConfig{
		Provider:     provider,
		Model:        strings.TrimSpace(os.Getenv("AI_MODEL")),
		Timeout:      timeout,
		APIKey:       apiKey,
		ProxyURL:     proxyURL,
		BaseURL:      strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		ArkAPIKey:    strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		ArkAccessKey: strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		ArkSecretKey: strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		ArkBaseURL:   getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		ArkRegion:    getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
	}, nil
}

// HumanizerConfig 描述回复“拟人化”处理：错字注入与打字延迟。
type HumanizerConfig struct {
	TypoProbability float64
	Alphabet        string
	DelayEnabled    bool
	MinDelay        time.Duration
	MaxDelay        time.Duration
	CharsPerSecond  float64
}

// DefaultTypoAlphabet 是错字替换使用的 32 个西里尔字母。
const DefaultTypoAlphabet = "йцукенгшщзхъфывапролджэячсмитьбю"

func loadHumanizerConfig() (HumanizerConfig, error) {
	cfg := HumanizerConfig{
		TypoProbability: 0.05,
		Alphabet:        getEnvOrDefault("HUMANIZER_ALPHABET", DefaultTypoAlphabet),
		CharsPerSecond:  20,
	}

	if p, err := parseOptionalFloatEnv("HUMANIZER_TYPO_PROBABILITY"); err != nil {
		return HumanizerConfig{}, err
	} else if p != nil {
		if *p < 0 || *p > 1 {
			return HumanizerConfig{}, fmt.Errorf("invalid HUMANIZER_TYPO_PROBABILITY value %v: must be within [0, 1]", *p)
		}
		cfg.TypoProbability = *p
	}

	if cps, err := parseOptionalFloatEnv("HUMANIZER_CHARS_PER_SECOND"); err != nil {
		return HumanizerConfig{}, err
	} else if cps != nil {
		if *cps <= 0 {
			return HumanizerConfig{}, fmt.Errorf("invalid HUMANIZER_CHARS_PER_SECOND value %v: must be positive", *cps)
		}
		cfg.CharsPerSecond = *cps
	}

	enabled, err := parseBoolEnv("HUMANIZER_DELAY_ENABLED", true)
	if err != nil {
		return HumanizerConfig{}, err
	}
	cfg.DelayEnabled = enabled

	if cfg.MinDelay, err = parseDurationEnv("HUMANIZER_MIN_DELAY", time.Second); err != nil {
		return HumanizerConfig{}, err
	}
	if cfg.MaxDelay, err = parseDurationEnv("HUMANIZER_MAX_DELAY", 5*time.Second); err != nil {
		return HumanizerConfig{}, err
	}
	if cfg.MinDelay < 0 || cfg.MaxDelay < cfg.MinDelay {
		return HumanizerConfig{}, fmt.Errorf("invalid humanizer delay bounds [%s, %s]", cfg.MinDelay, cfg.MaxDelay)
	}

	if len([]rune(cfg.Alphabet)) == 0 {
		return HumanizerConfig{}, fmt.Errorf("HUMANIZER_ALPHABET must not be empty")
	}

	return cfg, nil
}

// StartupConfig 描述启动时等待存储可用的重试策略。
type StartupConfig struct {
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
	// RetryMaxAttempts 为 0 表示无限重试。
	RetryMaxAttempts int
}

func loadStartupConfig() (StartupConfig, error) {
	interval, err := parseDurationEnv("STARTUP_RETRY_INTERVAL", 2*time.Second)
	if err != nil {
		return StartupConfig{}, err
	}
	if interval <= 0 {
		return StartupConfig{}, fmt.Errorf("invalid STARTUP_RETRY_INTERVAL value %s: must be positive", interval)
	}

	maxInterval, err := parseDurationEnv("STARTUP_RETRY_MAX_INTERVAL", interval)
	if err != nil {
		return StartupConfig{}, err
	}

	attempts := 0
	if override, err := parseOptionalIntEnv("STARTUP_RETRY_MAX_ATTEMPTS"); err != nil {
		return StartupConfig{}, err
	} else if override != nil {
		attempts = *override
	}

	return StartupConfig{
		RetryInterval:    interval,
		RetryMaxInterval: maxInterval,
		RetryMaxAttempts: attempts,
	}, nil
}

// PersonaConfig 描述角色设定来源。
type PersonaConfig struct {
	File         string
	ID           string
	SystemPrompt string
}

func loadPersonaConfig() PersonaConfig {
	return PersonaConfig{
		File:         strings.TrimSpace(os.Getenv("PERSONA_FILE")),
		ID:           strings.TrimSpace(os.Getenv("PERSONA_ID")),
		SystemPrompt: strings.TrimSpace(os.Getenv("SYS_PROMPT")),
	}
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}
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

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
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
