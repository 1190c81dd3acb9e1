package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQPURL string `envconfig:"AMQP_URL"`

	Feed struct {
		BaseURL string        `envconfig:"FEED_BASE_URL"`
		Timeout time.Duration `envconfig:"FEED_TIMEOUT" default:"10s"`
	} `envconfig:""`

	Content struct {
		BaseURL string        `envconfig:"CONTENT_BASE_URL"`
		Timeout time.Duration `envconfig:"CONTENT_TIMEOUT" default:"15s"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	LLMRetry struct {
		MaxAttempts int           `envconfig:"LLM_MAX_ATTEMPTS" default:"3"`
		BackoffBase time.Duration `envconfig:"LLM_BACKOFF_BASE" default:"1s"`
	} `envconfig:""`

	Summarize struct {
		ChunkSize     int           `envconfig:"SUMMARIZE_CHUNK_SIZE" default:"8000"`
		Workers       int           `envconfig:"SUMMARIZE_WORKERS" default:"4"`
		BatchCap      int           `envconfig:"SUMMARIZE_BATCH_CAP" default:"200"`
		DefaultWindow int           `envconfig:"SUMMARIZE_DEFAULT_WINDOW" default:"20"`
		CycleEvery    time.Duration `envconfig:"SUMMARIZE_CYCLE_EVERY" default:"10m"`
	} `envconfig:""`

	Delivery struct {
		Workers    int           `envconfig:"DELIVERY_WORKERS" default:"8"`
		SendDelay  time.Duration `envconfig:"DELIVERY_SEND_DELAY" default:"1100ms"`
		CycleEvery time.Duration `envconfig:"DELIVERY_CYCLE_EVERY" default:"10m"`
	} `envconfig:""`

	Conversation struct {
		IdleTimeout   time.Duration `envconfig:"CONV_IDLE_TIMEOUT" default:"30m"`
		SweepInterval time.Duration `envconfig:"CONV_SWEEP_INTERVAL" default:"5m"`
		MaxHistory    int           `envconfig:"CONV_MAX_HISTORY" default:"40"`
		MemoryLimit   int           `envconfig:"CONV_MEMORY_LIMIT" default:"10"`
	} `envconfig:""`

	Extraction struct {
		QueueKey   string        `envconfig:"EXTRACTION_QUEUE_KEY" default:"memory_extraction_jobs"`
		BatchEvery time.Duration `envconfig:"EXTRACTION_BATCH_EVERY" default:"1h"`
		BatchSize  int           `envconfig:"EXTRACTION_BATCH_SIZE" default:"50"`
	} `envconfig:""`

	Ledger struct {
		PromptCostPer1K     float64 `envconfig:"LEDGER_PROMPT_COST_PER_1K" default:"0.0004"`
		CompletionCostPer1K float64 `envconfig:"LEDGER_COMPLETION_COST_PER_1K" default:"0.0016"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
