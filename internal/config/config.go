package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Gemini  GeminiConfig
	Chat    ChatConfig
	Prompts PromptsConfig
	Notify  NotifyConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout string // duration string, e.g. "300s"
}

type ChatConfig struct {
	HistoryLimit    int
	Temperature     float64
	MaxOutputTokens int
}

type PromptsConfig struct {
	AssistantDefault string
	URLDefault       string
}

type NotifyConfig struct {
	WebhookURL      string
	FailedQueuePath string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Gemini: GeminiConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Model:   "gemini-2.0-flash",
			Timeout: "300s",
		},
		Chat: ChatConfig{
			HistoryLimit:    10,
			Temperature:     0.7,
			MaxOutputTokens: 8192,
		},
		Prompts: PromptsConfig{
			AssistantDefault: "You are a helpful, concise assistant. Answer in the language the user writes in.",
			URLDefault:       "You are a research assistant. Ground every claim in the provided URLs and cite them.",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional .env file, the platform-native
// backend, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.loom.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/loom/config.json
// and secrets fall back to $XDG_DATA_HOME/loom/secrets.json.
//
// Environment variables (LOOM_*) override backend values on all platforms.
func Load() (Config, error) {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform keychain for the API key if still empty.
	if cfg.Gemini.APIKey == "" {
		if key, err := kc.Get("loom", "gemini_api_key"); err == nil && key != "" {
			cfg.Gemini.APIKey = key
		}
	}

	if cfg.Gemini.APIKey == "" {
		msg := "missing required config: Gemini API key. " +
			"Set it via environment variable LOOM_GEMINI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if cfg.Notify.FailedQueuePath == "" {
		cfg.Notify.FailedQueuePath = filepath.Join(cfg.Storage.DataDir, "failed_notifications.json")
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
