package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-reader-bot/internal/adapters/bot"
	"tg-reader-bot/internal/adapters/content"
	"tg-reader-bot/internal/adapters/feed"
	"tg-reader-bot/internal/adapters/llm"
	"tg-reader-bot/internal/adapters/repo"
	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/cache"
	"tg-reader-bot/internal/infra/config"
	"tg-reader-bot/internal/infra/db"
	"tg-reader-bot/internal/infra/log"
	"tg-reader-bot/internal/infra/metrics"
	"tg-reader-bot/internal/infra/openai"
	"tg-reader-bot/internal/infra/queue"
	"tg-reader-bot/internal/infra/sched"
	"tg-reader-bot/internal/usecase/conversation"
	"tg-reader-bot/internal/usecase/delivery"
	"tg-reader-bot/internal/usecase/ledger"
	"tg-reader-bot/internal/usecase/memory"
	"tg-reader-bot/internal/usecase/selector"
	"tg-reader-bot/internal/usecase/summarize"
	"tg-reader-bot/internal/usecase/timeout"
)

// sharedVariants — варианты, которые строятся один раз на элемент.
var sharedVariants = []domain.SummaryVariant{domain.VariantBasic, domain.VariantTechnical}

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()
	pg := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	var extractionQueue domain.ExtractionQueue
	if cfg.AMQPURL != "" {
		rabbit, err := queue.NewRabbitExtractionQueue(cfg.AMQPURL, cfg.Extraction.QueueKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("не удалось подключиться к брокеру")
		}
		defer rabbit.Close()
		extractionQueue = rabbit
	} else {
		extractionQueue = queue.NewRedisExtractionQueue(redisClient, cfg.Extraction.QueueKey)
	}

	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	llmService := llm.NewService(openaiClient, logger, llm.Config{
		Model:       cfg.OpenAI.Model,
		CallTimeout: cfg.OpenAI.Timeout,
		MaxAttempts: cfg.LLMRetry.MaxAttempts,
		BackoffBase: cfg.LLMRetry.BackoffBase,
	})
	feedClient := feed.NewClient(cfg.Feed.BaseURL, cfg.Feed.Timeout)
	contentClient := content.NewClient(cfg.Content.BaseURL, cfg.Content.Timeout)

	ledgerService := ledger.NewService(pg, ledger.Config{
		PromptCostPer1K:     cfg.Ledger.PromptCostPer1K,
		CompletionCostPer1K: cfg.Ledger.CompletionCostPer1K,
	})
	selectorService := selector.NewService(pg, pg, feedClient, logger, selector.Config{
		BatchCap:      cfg.Summarize.BatchCap,
		DefaultWindow: cfg.Summarize.DefaultWindow,
	})
	summarizeService := summarize.NewService(pg, contentClient, llmService, ledgerService, logger, summarize.Config{
		ChunkSize: cfg.Summarize.ChunkSize,
		Workers:   cfg.Summarize.Workers,
	})

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	sender := bot.NewSender(botAPI, logger)
	deliveryService := delivery.NewService(pg, pg, pg, sender, summarizeService, logger, delivery.Config{
		Workers:   cfg.Delivery.Workers,
		SendDelay: cfg.Delivery.SendDelay,
	})
	assembler := conversation.NewAssembler(pg, pg, repo.MemoryStore{Postgres: pg}, contentClient, redisCache, logger, conversation.AssemblerConfig{
		MemoryLimit: cfg.Conversation.MemoryLimit,
		CacheTTL:    cfg.Conversation.IdleTimeout,
	})
	timeoutService := timeout.NewService(repo.ConversationStore{Postgres: pg}, pg, extractionQueue, sender, assembler, logger, timeout.Config{
		IdleTimeout: cfg.Conversation.IdleTimeout,
	})
	memoryService := memory.NewService(repo.ConversationStore{Postgres: pg}, repo.MemoryStore{Postgres: pg}, llmService, ledgerService, extractionQueue, logger, memory.Config{
		BatchSize: cfg.Extraction.BatchSize,
		ListLimit: cfg.Conversation.MemoryLimit,
	})

	registry := sched.NewRegistry(logger)
	registry.Register(sched.Job{
		Name:     "summarize-cycle",
		Interval: cfg.Summarize.CycleEvery,
		Run: func(ctx context.Context) error {
			if err := selectorService.Ingest(ctx); err != nil {
				return err
			}
			items, err := selectorService.SelectCandidates(ctx)
			if err != nil {
				return err
			}
			return summarizeService.ProcessItems(ctx, items, sharedVariants)
		},
	})
	registry.Register(sched.Job{
		Name:     "delivery-cycle",
		Interval: cfg.Delivery.CycleEvery,
		Run: func(ctx context.Context) error {
			items, err := selectorService.SelectCandidates(ctx)
			if err != nil {
				return err
			}
			return deliveryService.Run(ctx, items)
		},
	})
	registry.Register(sched.Job{
		Name:     "timeout-sweep",
		Interval: cfg.Conversation.SweepInterval,
		Run: func(ctx context.Context) error {
			// Замок в Redis: при нескольких репликах планировщика проход
			// выполняет одна, закрытие при этом само по себе идемпотентно.
			return redisCache.Once(ctx, "lock:timeout-sweep", cfg.Conversation.SweepInterval/2, func() error {
				_, err := timeoutService.Sweep(ctx)
				return err
			})
		},
	})
	registry.Register(sched.Job{
		Name:     "extraction-batch",
		Interval: cfg.Extraction.BatchEvery,
		Run:      memoryService.RunBatch,
	})

	go func() {
		if err := memoryService.Consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("консьюмер извлечения остановлен")
		}
	}()

	metrics.StartServer(ctx, logger, fmt.Sprintf(":%d", cfg.Port))

	logger.Info().Msg("планировщик запущен")
	registry.Start(ctx)
	logger.Info().Msg("остановка планировщика")
}
