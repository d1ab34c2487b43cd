package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the keychain account name of a secret key.
func (s keySpec) account() string {
	return strings.ReplaceAll(s.key, ".", "_")
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LECTERN_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "LECTERN_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "log.level", typ: kString, env: "LECTERN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LECTERN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.backend", typ: kString, env: "LECTERN_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "LECTERN_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.sweep_interval", typ: kDuration, env: "LECTERN_CACHE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.SweepInterval },
	},
	{
		key: "redis.addr", typ: kString, env: "LECTERN_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "session.ttl", typ: kDuration, env: "LECTERN_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "session.history_k", typ: kInt, env: "LECTERN_SESSION_HISTORY_K",
		apply:   func(cfg *Config, v any) { cfg.Session.HistoryK = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.HistoryK },
	},
	{
		key: "session.sweep_interval", typ: kDuration, env: "LECTERN_SESSION_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Session.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.SweepInterval },
	},
	{
		key: "pregen.workers", typ: kInt, env: "LECTERN_PREGEN_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pregen.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pregen.Workers },
	},
	{
		key: "pregen.delay", typ: kDuration, env: "LECTERN_PREGEN_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Pregen.Delay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pregen.Delay },
	},
	{
		key: "pregen.lookahead", typ: kInt, env: "LECTERN_PREGEN_LOOKAHEAD",
		apply:   func(cfg *Config, v any) { cfg.Pregen.Lookahead = v.(int) },
		extract: func(cfg Config) any { return cfg.Pregen.Lookahead },
	},
	{
		key: "provider.timeout", typ: kDuration, env: "LECTERN_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "provider.text_order", typ: kString, env: "LECTERN_PROVIDER_TEXT_ORDER",
		apply:   func(cfg *Config, v any) { cfg.Provider.TextOrder = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.TextOrder },
	},
	{
		key: "provider.speech_order", typ: kString, env: "LECTERN_PROVIDER_SPEECH_ORDER",
		apply:   func(cfg *Config, v any) { cfg.Provider.SpeechOrder = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.SpeechOrder },
	},
	{
		key: "narration.timeout", typ: kDuration, env: "LECTERN_NARRATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Narration.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Narration.Timeout },
	},
	{
		key: "breaker.max_failures", typ: kInt, env: "LECTERN_BREAKER_MAX_FAILURES",
		apply:   func(cfg *Config, v any) { cfg.Breaker.MaxFailures = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.MaxFailures },
	},
	{
		key: "breaker.reset_timeout", typ: kDuration, env: "LECTERN_BREAKER_RESET_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Breaker.ResetTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Breaker.ResetTimeout },
	},
	{
		key: "openai.api_key", typ: kString, env: "LECTERN_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.model", typ: kString, env: "LECTERN_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Model },
	},
	{
		key: "openai.speech_model", typ: kString, env: "LECTERN_OPENAI_SPEECH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.SpeechModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.SpeechModel },
	},
	{
		key: "openai.voice", typ: kString, env: "LECTERN_OPENAI_VOICE",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Voice = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Voice },
	},
	{
		key: "openai.base_url", typ: kString, env: "LECTERN_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "LECTERN_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.model", typ: kString, env: "LECTERN_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.Model },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LECTERN_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "LECTERN_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.vision_model", typ: kString, env: "LECTERN_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.VisionModel },
	},
	{
		key: "deepgram.api_key", typ: kString, env: "LECTERN_DEEPGRAM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Deepgram.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Deepgram.APIKey },
	},
	{
		key: "deepgram.model", typ: kString, env: "LECTERN_DEEPGRAM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Deepgram.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Deepgram.Model },
	},
	{
		key: "ranking.timeout", typ: kDuration, env: "LECTERN_RANKING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ranking.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ranking.Timeout },
	},
	{
		key: "ranking.use_llm", typ: kBool, env: "LECTERN_RANKING_USE_LLM",
		apply:   func(cfg *Config, v any) { cfg.Ranking.UseLLM = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ranking.UseLLM },
	},
	{
		key: "slides.image_dir", typ: kString, env: "LECTERN_SLIDES_IMAGE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Slides.ImageDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Slides.ImageDir },
	},
}

// parse converts raw into the Go value for s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := b.Get(s.key, s.typ)
		if errors.Is(err, errBadValue) {
			fmt.Fprintf(os.Stderr, "[WARN] %v. Using default value.\n", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets not set through the environment from the
// platform secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(service, s.account()); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
