package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// service is the keychain service name secrets are stored under.
const service = "lectern"

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Cache      CacheConfig
	Redis      RedisConfig
	Session    SessionConfig
	Pregen     PregenConfig
	Provider   ProviderConfig
	Narration  NarrationConfig
	Breaker    BreakerConfig
	OpenAI     OpenAIConfig
	OpenRouter OpenRouterConfig
	Ollama     OllamaConfig
	Deepgram   DeepgramConfig
	Ranking    RankingConfig
	Slides     SlidesConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	// Backend is one of memory, disk or redis.
	Backend       string
	TTL           time.Duration
	SweepInterval time.Duration
}

type RedisConfig struct {
	Addr string
}

type SessionConfig struct {
	TTL           time.Duration
	HistoryK      int
	SweepInterval time.Duration
}

type PregenConfig struct {
	Workers   int
	Delay     time.Duration
	Lookahead int
}

type ProviderConfig struct {
	Timeout time.Duration
	// TextOrder and SpeechOrder are comma-separated provider ids in fallback
	// order. Providers without credentials are skipped.
	TextOrder   string
	SpeechOrder string
}

type NarrationConfig struct {
	// Timeout bounds one whole narration: vision, text and speech, each of
	// which may fall back across providers.
	Timeout time.Duration
}

type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

type OpenAIConfig struct {
	APIKey      string
	Model       string
	SpeechModel string
	Voice       string
	BaseURL     string
}

type OpenRouterConfig struct {
	APIKey string
	Model  string
}

type OllamaConfig struct {
	BaseURL     string
	Model       string
	VisionModel string
}

type DeepgramConfig struct {
	APIKey string
	Model  string
}

type RankingConfig struct {
	Timeout time.Duration
	// UseLLM enables model-based ranking; keyword overlap is always the fallback.
	UseLLM bool
}

type SlidesConfig struct {
	// ImageDir is where converted slide images live. Empty means
	// <data_dir>/slides.
	ImageDir string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100, MCPPort: 4101},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Cache: CacheConfig{
			Backend:       "disk",
			TTL:           720 * time.Hour,
			SweepInterval: time.Hour,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Session: SessionConfig{
			TTL:           24 * time.Hour,
			HistoryK:      3,
			SweepInterval: 10 * time.Minute,
		},
		Pregen: PregenConfig{Workers: 4, Delay: 2 * time.Second, Lookahead: 2},
		Provider: ProviderConfig{
			Timeout:     30 * time.Second,
			TextOrder:   "openai,openrouter,ollama",
			SpeechOrder: "openai,deepgram",
		},
		Narration: NarrationConfig{Timeout: 2 * time.Minute},
		Breaker:   BreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			SpeechModel: "tts-1",
			Voice:       "alloy",
		},
		OpenRouter: OpenRouterConfig{Model: "anthropic/claude-3.5-haiku"},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "llama3.2",
			VisionModel: "llava",
		},
		Deepgram: DeepgramConfig{Model: "aura-asteria-en"},
		Ranking:  RankingConfig{Timeout: 5 * time.Second, UseLLM: true},
	}
}

// Load reads configuration from a .env file in the working directory, the
// platform-native backend, environment variables and the platform secret
// store.
//
// On macOS the backend is UserDefaults (domain: com.lectern.app) and secrets
// fall back to the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/lectern/config.json
// and secrets fall back to $XDG_DATA_HOME/lectern/secrets.json.
//
// Environment variables (LECTERN_*) override backend values on all platforms.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadWith(newPlatformBackend(), newPlatformSecrets())
}

// errNoSecret is returned by a secret store for an account it does not hold.
var errNoSecret = errors.New("secret not found")

// keychain reads provider credentials.
type keychain interface {
	Get(service, account string) (string, error)
}

// secretStore is the platform store for provider credentials, keyed by
// service and account.
type secretStore interface {
	keychain
	Set(service, account, value string) error
	Delete(service, account string) error
}

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if cfg.Slides.ImageDir == "" {
		cfg.Slides.ImageDir = filepath.Join(cfg.Storage.DataDir, "slides")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Cache.Backend {
	case "memory", "disk", "redis":
	default:
		return fmt.Errorf("invalid cache.backend %q: want memory, disk or redis", c.Cache.Backend)
	}
	if c.Pregen.Workers < 1 {
		return fmt.Errorf("pregen.workers must be >= 1, got %d", c.Pregen.Workers)
	}
	if c.Narration.Timeout < c.Provider.Timeout {
		return fmt.Errorf("narration.timeout (%s) must be >= provider.timeout (%s)", c.Narration.Timeout, c.Provider.Timeout)
	}
	if c.Session.HistoryK < 0 {
		return fmt.Errorf("session.history_k must be >= 0, got %d", c.Session.HistoryK)
	}
	return nil
}

// Order splits a comma-separated provider list.
func Order(list string) []string {
	var out []string
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(strings.ToLower(id)); id != "" {
			out = append(out, id)
		}
	}
	return out
}
