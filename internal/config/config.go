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

	"github.com/zhouzirui/tcm-fusion/backend/internal/analysis/fusion"
	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Collection CollectionConfig
	Modalities map[diagnosis.Modality]ModalityConfig
	Fusion     fusion.Config
	Store      StoreConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	collection, err := loadCollectionConfig()
	if err != nil {
		return nil, err
	}

	modalities, err := loadModalityConfigs()
	if err != nil {
		return nil, err
	}

	rules, err := loadFusionConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		AI:         ai,
		Collection: collection,
		Modalities: modalities,
		Fusion:     rules,
		Store:      store,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// PublicBaseURL 是诊法服务回调本服务时使用的地址。
	PublicBaseURL string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	var addr string
	switch {
	case strings.Contains(port, ":"):
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		addr = ":" + port
	}

	public := "http://" + addr
	if strings.HasPrefix(addr, ":") {
		public = "http://localhost" + addr
	}
	public = getEnvOrDefault("PUBLIC_BASE_URL", public)

	return ServerConfig{Addr: addr, PublicBaseURL: strings.TrimRight(public, "/")}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey                   string
	AccessKey                string
	SecretKey                string
	Model                    string
	BaseURL                  string
	Region                   string
	Temperature              *float64
	TopP                     *float64
	MaxTokens                *int
	RecommendationLLMEnabled bool
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

	llmEnabled, err := parseBoolEnv("RECOMMENDATION_LLM_ENABLED", false)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:                   strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:                strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:                strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:                    strings.TrimSpace(os.Getenv("Model")),
		BaseURL:                  getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:                   getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:              temperature,
		TopP:                     topP,
		MaxTokens:                maxTokens,
		RecommendationLLMEnabled: llmEnabled,
	}, nil
}

// CollectionConfig 描述四诊数据收集的方式与时限。
type CollectionConfig struct {
	Mode         string
	Deadline     time.Duration
	PullInterval time.Duration
	Workers      int
	SessionTTL   time.Duration
	AutoStart    bool
	FusionLease  time.Duration
}

func loadCollectionConfig() (CollectionConfig, error) {
	mode := strings.ToLower(getEnvOrDefault("COLLECTION_MODE", "push"))
	switch mode {
	case "push", "pull", "webhook":
	default:
		return CollectionConfig{}, fmt.Errorf("invalid COLLECTION_MODE value %q", mode)
	}

	deadline, err := parseDurationEnv("COLLECTION_DEADLINE", 90*time.Second)
	if err != nil {
		return CollectionConfig{}, err
	}
	interval, err := parseDurationEnv("PULL_INTERVAL", 2*time.Second)
	if err != nil {
		return CollectionConfig{}, err
	}
	ttl, err := parseDurationEnv("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return CollectionConfig{}, err
	}
	lease, err := parseDurationEnv("FUSION_LEASE", 30*time.Second)
	if err != nil {
		return CollectionConfig{}, err
	}

	workers := 4
	if override, err := parseOptionalIntEnv("COLLECTOR_WORKERS"); err != nil {
		return CollectionConfig{}, err
	} else if override != nil {
		if *override < 1 {
			workers = 1
		} else {
			workers = *override
		}
	}

	autoStart, err := parseBoolEnv("AUTO_START_COLLECTION", false)
	if err != nil {
		return CollectionConfig{}, err
	}

	return CollectionConfig{
		Mode:         mode,
		Deadline:     deadline,
		PullInterval: interval,
		Workers:      workers,
		SessionTTL:   ttl,
		AutoStart:    autoStart,
		FusionLease:  lease,
	}, nil
}

// ModalityConfig 描述单个诊法服务。
type ModalityConfig struct {
	URL     string
	// Timeout 是单个诊法在一次收集中的总时限，包含所有重试。
	Timeout time.Duration
	Retries int
	// Token 是该诊法服务推送结果时使用的服务令牌。
	Token   string
}

// AttemptTimeout bounds one upstream call so that every attempt fits
// inside Timeout.
func (m ModalityConfig) AttemptTimeout() time.Duration {
	if m.Retries <= 1 {
		return m.Timeout
	}
	return m.Timeout / time.Duration(m.Retries)
}

func loadModalityConfigs() (map[diagnosis.Modality]ModalityConfig, error) {
	out := make(map[diagnosis.Modality]ModalityConfig, 4)
	for _, m := range diagnosis.AllModalities() {
		prefix := strings.ToUpper(string(m))

		timeout, err := parseDurationEnv(prefix+"_TIMEOUT", 30*time.Second)
		if err != nil {
			return nil, err
		}

		retries := 3
		if override, err := parseOptionalIntEnv(prefix + "_RETRY_COUNT"); err != nil {
			return nil, err
		} else if override != nil {
			if *override < 1 {
				retries = 1
			} else {
				retries = *override
			}
		}

		out[m] = ModalityConfig{
			URL:     strings.TrimSpace(os.Getenv(prefix + "_SERVICE_URL")),
			Timeout: timeout,
			Retries: retries,
			Token:   strings.TrimSpace(os.Getenv(prefix + "_SERVICE_TOKEN")),
		}
	}
	return out, nil
}

// ServiceTokens maps each configured push token to its modality.
func (c *Config) ServiceTokens() map[string]diagnosis.Modality {
	tokens := make(map[string]diagnosis.Modality, len(c.Modalities))
	for m, mc := range c.Modalities {
		if mc.Token != "" {
			tokens[mc.Token] = m
		}
	}
	return tokens
}

// CollectionTimeouts returns each modality's collection budget.
func (c *Config) CollectionTimeouts() map[diagnosis.Modality]time.Duration {
	out := make(map[diagnosis.Modality]time.Duration, len(c.Modalities))
	for m, mc := range c.Modalities {
		out[m] = mc.Timeout
	}
	return out
}

// StoreConfig 描述会话存储。
type StoreConfig struct {
	Driver     string
	SQLitePath string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", "memory"))
	switch driver {
	case "memory", "sqlite":
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q", driver)
	}
	return StoreConfig{
		Driver:     driver,
		SQLitePath: getEnvOrDefault("SQLITE_PATH", "data/sessions.db"),
	}, nil
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

// parseDurationEnv 接受 "90s" 形式，也接受纯数字秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
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
