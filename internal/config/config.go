// Package config loads the gateway's configuration from environment
// variables. No configuration file is required; every field has a default.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ObsConfig configures optional OpenTelemetry export.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// HTTPPool configures the shared upstream HTTP transport.
type HTTPPool struct {
	MaxConnections  int
	MaxKeepalive    int
	KeepaliveExpiry time.Duration
	ConnectTimeout  time.Duration
	UseHTTP2        bool
}

// Continuation configures the truncation/continuation engine.
type Continuation struct {
	Enabled               bool
	MaxContinuations      int
	ContinuationMaxTokens int
	TruncatedEndingChars  int
	MinTextLength         int
	MaxConsecutiveFailures int
}

// AsyncSummary configures the background summary worker pool.
type AsyncSummary struct {
	Enabled             bool
	SummaryModel        string
	MaxPendingTasks     int
	TaskTimeout         time.Duration
	UpdateIntervalMsgs  int
}

// ContextEnhancement configures the async project-context worker pool.
type ContextEnhancement struct {
	Enabled         bool
	MaxPendingTasks int
}

// Routing configures the model router.
type Routing struct {
	Enabled                     bool
	OpusModel                   string
	SonnetModel                 string
	BaseOpusProbability         int
	FirstTurnMaxMessages        int
	FirstTurnOpusProbability    int
	ExecutionToolThreshold      int
	ExecutionSonnetProbability  int
	OpusMaxConcurrent           int
	ForceOpusOnPlanMode         bool
	ForceOpusOnThinking         bool
	OpusKeywords                []string
	SonnetKeywords              []string
}

// History configures the history manager's bounded-context strategies.
// JSON tags let it round-trip through the admin history-config mutation
// endpoint body.
type History struct {
	MaxMessages       int `json:"max_messages"`
	MaxChars          int `json:"max_chars"`
	SummaryThreshold  int `json:"summary_threshold"`
	SummaryKeepRecent int `json:"summary_keep_recent"`
	EstimateThreshold int `json:"estimate_threshold"`
	RetryMaxMessages  int `json:"retry_max_messages"`
	MaxRetries        int `json:"max_retries"`
}

// Streaming configures SSE chunk sizing.
type Streaming struct {
	TextChunkSize     int
	ToolJSONChunkSize int
	ThinkingChunkSize int
}

// Config is the gateway's full runtime configuration.
type Config struct {
	ServicePort      string
	RequestTimeout   time.Duration
	KiroAPIKey       string
	KiroProxyBase    string
	// KiroDialect selects which upstream wire dialect requests are translated
	// to: "openai" (default, fully supported, the only one continuation and
	// streaming operate over) or "native" (the Kiro-native conversationState
	// shape, single-shot only).
	KiroDialect        string
	NativeToolsEnabled bool
	AdminBearerToken string

	LogLevel  string
	LogPretty bool

	HTTPPool     HTTPPool
	Continuation Continuation
	AsyncSummary AsyncSummary
	ContextEnh   ContextEnhancement
	Routing      Routing
	History      History
	Streaming    Streaming
	Obs          ObsConfig
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationSecondsOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func envListOr(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var defaultOpusKeywords = []string{
	"design", "architect", "refactor", "analyze", "plan", "review architecture",
	"设计", "架构", "重构", "分析", "规划",
}

var defaultSonnetKeywords = []string{
	"show", "list", "fix", "run", "continue", "execute",
	"显示", "列出", "修复", "运行", "继续", "执行",
}

// fileOverrides mirrors a subset of Config fields an operator may want to
// pin in a checked-in YAML file rather than an env var per deploy target.
// Every field is optional; a zero value leaves the env-derived default in
// place.
type fileOverrides struct {
	Routing *struct {
		Enabled             *bool    `yaml:"enabled"`
		OpusModel           string   `yaml:"opus_model"`
		SonnetModel         string   `yaml:"sonnet_model"`
		BaseOpusProbability *int     `yaml:"base_opus_probability"`
		OpusKeywords        []string `yaml:"opus_keywords"`
		SonnetKeywords      []string `yaml:"sonnet_keywords"`
	} `yaml:"routing"`
	History *struct {
		MaxMessages       *int `yaml:"max_messages"`
		MaxChars          *int `yaml:"max_chars"`
		SummaryThreshold  *int `yaml:"summary_threshold"`
		SummaryKeepRecent *int `yaml:"summary_keep_recent"`
	} `yaml:"history"`
}

// applyFileOverrides reads a YAML overrides file at path, if present, and
// layers its values onto cfg. A missing file is not an error; a malformed
// one is, since an operator-supplied file that fails to parse should not
// silently fall back to defaults.
func applyFileOverrides(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var overrides fileOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return err
	}
	if r := overrides.Routing; r != nil {
		if r.Enabled != nil {
			cfg.Routing.Enabled = *r.Enabled
		}
		if r.OpusModel != "" {
			cfg.Routing.OpusModel = r.OpusModel
		}
		if r.SonnetModel != "" {
			cfg.Routing.SonnetModel = r.SonnetModel
		}
		if r.BaseOpusProbability != nil {
			cfg.Routing.BaseOpusProbability = *r.BaseOpusProbability
		}
		if r.OpusKeywords != nil {
			cfg.Routing.OpusKeywords = r.OpusKeywords
		}
		if r.SonnetKeywords != nil {
			cfg.Routing.SonnetKeywords = r.SonnetKeywords
		}
	}
	if h := overrides.History; h != nil {
		if h.MaxMessages != nil {
			cfg.History.MaxMessages = *h.MaxMessages
		}
		if h.MaxChars != nil {
			cfg.History.MaxChars = *h.MaxChars
		}
		if h.SummaryThreshold != nil {
			cfg.History.SummaryThreshold = *h.SummaryThreshold
		}
		if h.SummaryKeepRecent != nil {
			cfg.History.SummaryKeepRecent = *h.SummaryKeepRecent
		}
	}
	return nil
}

// Load reads configuration from the environment, loading a .env file first
// if one is present in the working directory (a convenience for local
// development; never required in production), then layers optional YAML
// overrides from CONFIG_FILE on top, for operators who prefer a checked-in
// file over per-deploy env vars for routing and history tuning.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ServicePort:        envOr("SERVICE_PORT", "8080"),
		RequestTimeout:     envDurationSecondsOr("REQUEST_TIMEOUT", 300*time.Second),
		KiroAPIKey:         firstNonEmpty(os.Getenv("KIRO_API_KEY")),
		KiroProxyBase:      envOr("KIRO_PROXY_BASE", "http://localhost:8989"),
		KiroDialect:        envOr("KIRO_DIALECT", "openai"),
		NativeToolsEnabled: envBoolOr("NATIVE_TOOLS_ENABLED", false),
		AdminBearerToken:   os.Getenv("ADMIN_BEARER_TOKEN"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogPretty: envBoolOr("LOG_PRETTY", false),

		HTTPPool: HTTPPool{
			MaxConnections:  envIntOr("HTTP_POOL_MAX_CONNECTIONS", 1000),
			MaxKeepalive:    envIntOr("HTTP_POOL_MAX_KEEPALIVE", 200),
			KeepaliveExpiry: envDurationSecondsOr("HTTP_POOL_KEEPALIVE_EXPIRY", 30*time.Second),
			ConnectTimeout:  envDurationSecondsOr("HTTP_POOL_CONNECT_TIMEOUT", 10*time.Second),
			UseHTTP2:        envBoolOr("HTTP_USE_HTTP2", false),
		},

		Continuation: Continuation{
			Enabled:                envBoolOr("CONTINUATION_ENABLED", true),
			MaxContinuations:       envIntOr("MAX_CONTINUATIONS", 5),
			ContinuationMaxTokens:  envIntOr("CONTINUATION_MAX_TOKENS", 8192),
			TruncatedEndingChars:   envIntOr("CONTINUATION_TRUNCATED_ENDING_CHARS", 500),
			MinTextLength:          envIntOr("CONTINUATION_MIN_TEXT_LENGTH", 10),
			MaxConsecutiveFailures: envIntOr("CONTINUATION_MAX_CONSECUTIVE_FAILURES", 3),
		},

		AsyncSummary: AsyncSummary{
			Enabled:            envBoolOr("ASYNC_SUMMARY_ENABLED", true),
			SummaryModel:       envOr("SUMMARY_MODEL", "claude-sonnet-4-5-20250929"),
			MaxPendingTasks:    envIntOr("ASYNC_SUMMARY_MAX_PENDING_TASKS", 100),
			TaskTimeout:        envDurationSecondsOr("ASYNC_SUMMARY_TASK_TIMEOUT", 30*time.Second),
			UpdateIntervalMsgs: envIntOr("ASYNC_SUMMARY_UPDATE_INTERVAL_MESSAGES", 5),
		},

		ContextEnh: ContextEnhancement{
			Enabled:         envBoolOr("CONTEXT_ENHANCEMENT_ENABLED", true),
			MaxPendingTasks: envIntOr("CONTEXT_ENHANCEMENT_MAX_PENDING_TASKS", 50),
		},

		Routing: Routing{
			Enabled:                    envBoolOr("MODEL_ROUTING_ENABLED", true),
			OpusModel:                  envOr("ROUTING_OPUS_MODEL", "claude-opus-4-5-20251101"),
			SonnetModel:                envOr("ROUTING_SONNET_MODEL", "claude-sonnet-4-5-20250929"),
			BaseOpusProbability:        envIntOr("BASE_OPUS_PROBABILITY", 20),
			FirstTurnMaxMessages:       envIntOr("ROUTING_FIRST_TURN_MAX_MESSAGES", 2),
			FirstTurnOpusProbability:   envIntOr("ROUTING_FIRST_TURN_OPUS_PROBABILITY", 50),
			ExecutionToolThreshold:     envIntOr("ROUTING_EXECUTION_TOOL_THRESHOLD", 3),
			ExecutionSonnetProbability: envIntOr("ROUTING_EXECUTION_SONNET_PROBABILITY", 90),
			OpusMaxConcurrent:          envIntOr("ROUTING_OPUS_MAX_CONCURRENT", 15),
			ForceOpusOnPlanMode:        envBoolOr("ROUTING_FORCE_OPUS_ON_PLAN_MODE", true),
			ForceOpusOnThinking:        envBoolOr("ROUTING_FORCE_OPUS_ON_THINKING", true),
			OpusKeywords:               envListOr("ROUTING_OPUS_KEYWORDS", defaultOpusKeywords),
			SonnetKeywords:             envListOr("ROUTING_SONNET_KEYWORDS", defaultSonnetKeywords),
		},

		History: History{
			MaxMessages:       envIntOr("HISTORY_MAX_MESSAGES", 100),
			MaxChars:          envIntOr("HISTORY_MAX_CHARS", 200000),
			SummaryThreshold:  envIntOr("HISTORY_SUMMARY_THRESHOLD", 60000),
			SummaryKeepRecent: envIntOr("HISTORY_SUMMARY_KEEP_RECENT", 10),
			EstimateThreshold: envIntOr("HISTORY_ESTIMATE_THRESHOLD", 150000),
			RetryMaxMessages:  envIntOr("HISTORY_RETRY_MAX_MESSAGES", 50),
			MaxRetries:        envIntOr("HISTORY_MAX_RETRIES", 2),
		},

		Streaming: Streaming{
			TextChunkSize:     envIntOr("STREAM_TEXT_CHUNK_SIZE", 2000),
			ToolJSONChunkSize: envIntOr("STREAM_TOOL_JSON_CHUNK_SIZE", 2000),
			ThinkingChunkSize: envIntOr("STREAM_THINKING_CHUNK_SIZE", 2000),
		},

		Obs: ObsConfig{
			OTLP:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:    envOr("OTEL_SERVICE_NAME", "kiro-gateway"),
			ServiceVersion: envOr("SERVICE_VERSION", "dev"),
			Environment:    envOr("DEPLOY_ENVIRONMENT", "development"),
		},
	}

	if err := applyFileOverrides(&cfg, os.Getenv("CONFIG_FILE")); err != nil {
		panic("config: failed to apply CONFIG_FILE overrides: " + err.Error())
	}

	return cfg
}
