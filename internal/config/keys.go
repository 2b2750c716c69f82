package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LOOM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "gemini.api_key", typ: kString, env: "LOOM_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.base_url", typ: kString, env: "LOOM_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "gemini.model", typ: kString, env: "LOOM_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "gemini.timeout", typ: kString, env: "LOOM_GEMINI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Timeout },
	},
	{
		key: "chat.history_limit", typ: kInt, env: "LOOM_CHAT_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryLimit },
	},
	{
		key: "chat.temperature", typ: kFloat, env: "LOOM_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Temperature },
	},
	{
		key: "chat.max_output_tokens", typ: kInt, env: "LOOM_CHAT_MAX_OUTPUT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxOutputTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxOutputTokens },
	},
	{
		key: "prompts.assistant_default", typ: kString, env: "LOOM_PROMPTS_ASSISTANT_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Prompts.AssistantDefault = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompts.AssistantDefault },
	},
	{
		key: "prompts.url_default", typ: kString, env: "LOOM_PROMPTS_URL_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Prompts.URLDefault = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompts.URLDefault },
	},
	{
		key: "notify.webhook_url", typ: kString, env: "LOOM_NOTIFY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookURL },
	},
	{
		key: "notify.failed_queue_path", typ: kString, env: "LOOM_NOTIFY_FAILED_QUEUE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Notify.FailedQueuePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.FailedQueuePath },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LOOM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LOOM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
