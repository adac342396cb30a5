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
	Server    ServerConfig
	Session   SessionConfig
	Stream    StreamConfig
	Audio     AudioConfig
	Telephony TelephonyConfig
	Agent     AgentConfig
	AI        AIConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	stream, err := loadStreamConfig()
	if err != nil {
		return nil, err
	}

	audio, err := loadAudioConfig()
	if err != nil {
		return nil, err
	}

	agent, err := loadAgentConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Session:   session,
		Stream:    stream,
		Audio:     audio,
		Telephony: loadTelephonyConfig(server),
		Agent:     agent,
		AI:        ai,
		Log:       loadLogConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// PublicHost 是运营商回连时使用的外部主机名（不含协议）。
	PublicHost string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	host := strings.TrimSpace(os.Getenv("PUBLIC_HOST"))
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	host = strings.TrimSuffix(host, "/")

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, PublicHost: host}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, PublicHost: host}, nil
}

// SessionConfig 描述会话存储与清理策略。
type SessionConfig struct {
	Timeout       time.Duration
	LazyTimeout   time.Duration
	SweepInterval time.Duration
	TranscriptCap int
	// RemoveOnCallEnd 为 true 时，通话进入终态后立即删除会话。
	RemoveOnCallEnd bool
}

func loadSessionConfig() (SessionConfig, error) {
	timeout, err := parseDurationEnv("SESSION_TIMEOUT", 30*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	lazy, err := parseDurationEnv("SESSION_LAZY_TIMEOUT", 5*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	sweep, err := parseDurationEnv("SESSION_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	transcriptCap := 200
	if override, err := parseOptionalIntEnv("SESSION_TRANSCRIPT_CAP"); err != nil {
		return SessionConfig{}, err
	} else if override != nil {
		if *override < 1 {
			transcriptCap = 1
		} else {
			transcriptCap = *override
		}
	}

	removeOnEnd, err := parseBoolEnv("SESSION_REMOVE_ON_CALL_END", false)
	if err != nil {
		return SessionConfig{}, err
	}

	if lazy > timeout {
		lazy = timeout
	}

	return SessionConfig{
		Timeout:         timeout,
		LazyTimeout:     lazy,
		SweepInterval:   sweep,
		TranscriptCap:   transcriptCap,
		RemoveOnCallEnd: removeOnEnd,
	}, nil
}

// StreamConfig 描述连接写入与读取队列。
type StreamConfig struct {
	AudioQueue   int
	InboundQueue int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func loadStreamConfig() (StreamConfig, error) {
	audioQueue, err := parsePositiveIntEnv("STREAM_AUDIO_QUEUE", 64)
	if err != nil {
		return StreamConfig{}, err
	}

	inboundQueue, err := parsePositiveIntEnv("STREAM_INBOUND_QUEUE", 128)
	if err != nil {
		return StreamConfig{}, err
	}

	writeTimeout, err := parseDurationEnv("STREAM_WRITE_TIMEOUT", 5*time.Second)
	if err != nil {
		return StreamConfig{}, err
	}

	ping, err := parseDurationEnv("STREAM_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return StreamConfig{}, err
	}

	return StreamConfig{
		AudioQueue:   audioQueue,
		InboundQueue: inboundQueue,
		WriteTimeout: writeTimeout,
		PingInterval: ping,
	}, nil
}

// AudioConfig 描述音频去重与延迟统计。
type AudioConfig struct {
	DedupWindow   time.Duration
	LatencyWindow int
}

func loadAudioConfig() (AudioConfig, error) {
	window, err := parseDurationEnv("AUDIO_DEDUP_WINDOW", 3*time.Second)
	if err != nil {
		return AudioConfig{}, err
	}

	latency, err := parsePositiveIntEnv("AUDIO_LATENCY_WINDOW", 50)
	if err != nil {
		return AudioConfig{}, err
	}

	return AudioConfig{DedupWindow: window, LatencyWindow: latency}, nil
}

// TelephonyConfig 描述 Twilio 账号配置。
type TelephonyConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// StreamURL 是 <Stream> 指令使用的 wss 地址。
	StreamURL string
	// StatusCallbackURL 接收运营商的通话状态回调。
	StatusCallbackURL string
}

// Enabled 表示是否可以发起真实外呼。
func (c TelephonyConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

func loadTelephonyConfig(server ServerConfig) TelephonyConfig {
	cfg := TelephonyConfig{
		AccountSID: strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
		AuthToken:  strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
		FromNumber: strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER")),
	}
	if server.PublicHost != "" {
		cfg.StreamURL = "wss://" + server.PublicHost + "/api/telephony/media"
		cfg.StatusCallbackURL = "https://" + server.PublicHost + "/api/telephony/status"
	}
	return cfg
}

// AgentConfig 描述 ElevenLabs 对话代理配置。
type AgentConfig struct {
	APIKey       string
	AgentID      string
	BaseURL      string
	InputFormat  string
	OutputFormat string
	DialRetries  int
}

// Enabled 表示是否可以连接 AI 对话代理。
func (c AgentConfig) Enabled() bool {
	return c.AgentID != ""
}

func loadAgentConfig() (AgentConfig, error) {
	retries, err := parsePositiveIntEnv("ELEVENLABS_DIAL_RETRIES", 3)
	if err != nil {
		return AgentConfig{}, err
	}

	return AgentConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		AgentID:      strings.TrimSpace(os.Getenv("ELEVENLABS_AGENT_ID")),
		BaseURL:      getEnvOrDefault("ELEVENLABS_BASE_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
		InputFormat:  getEnvOrDefault("ELEVENLABS_INPUT_FORMAT", "ulaw_8000"),
		OutputFormat: getEnvOrDefault("ELEVENLABS_OUTPUT_FORMAT", "ulaw_8000"),
		DialRetries:  retries,
	}, nil
}

// AIConfig 描述用于通话摘要的大模型配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	SummaryEnabled bool
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
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

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
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

	cfg := AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}

	// 未显式配置时，只要凭证齐全就启用摘要。
	summary, err := parseBoolEnv("SUMMARY_ENABLED", cfg.Enabled())
	if err != nil {
		return AIConfig{}, err
	}
	cfg.SummaryEnabled = summary && cfg.Enabled()

	return cfg, nil
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level       string
	Development bool
}

func loadLogConfig() LogConfig {
	env := strings.ToLower(getEnvOrDefault("GO_ENV", "development"))
	return LogConfig{
		Level:       strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Development: env != "production",
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
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
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
