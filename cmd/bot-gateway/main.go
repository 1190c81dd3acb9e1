package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"tg-reader-bot/internal/adapters/bot"
	"tg-reader-bot/internal/adapters/content"
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
	"tg-reader-bot/internal/usecase/conversation"
	"tg-reader-bot/internal/usecase/delivery"
	"tg-reader-bot/internal/usecase/ledger"
	"tg-reader-bot/internal/usecase/memory"
	"tg-reader-bot/internal/usecase/summarize"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

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
	contentClient := content.NewClient(cfg.Content.BaseURL, cfg.Content.Timeout)

	ledgerService := ledger.NewService(pg, ledger.Config{
		PromptCostPer1K:     cfg.Ledger.PromptCostPer1K,
		CompletionCostPer1K: cfg.Ledger.CompletionCostPer1K,
	})
	summarizeService := summarize.NewService(pg, contentClient, llmService, ledgerService, logger, summarize.Config{
		ChunkSize: cfg.Summarize.ChunkSize,
		Workers:   cfg.Summarize.Workers,
	})
	assembler := conversation.NewAssembler(pg, pg, repo.MemoryStore{Postgres: pg}, contentClient, redisCache, logger, conversation.AssemblerConfig{
		MemoryLimit: cfg.Conversation.MemoryLimit,
		CacheTTL:    cfg.Conversation.IdleTimeout,
	})
	conversationService := conversation.NewService(repo.ConversationStore{Postgres: pg}, llmService, ledgerService, extractionQueue, assembler, redisCache, logger, conversation.Config{
		MaxHistory:  cfg.Conversation.MaxHistory,
		IdleTimeout: cfg.Conversation.IdleTimeout,
	})
	memoryService := memory.NewService(repo.ConversationStore{Postgres: pg}, repo.MemoryStore{Postgres: pg}, llmService, ledgerService, extractionQueue, logger, memory.Config{
		BatchSize: cfg.Extraction.BatchSize,
		ListLimit: cfg.Conversation.MemoryLimit,
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

	h := bot.NewHandler(botAPI, sender, logger, pg, conversationService, memoryService, deliveryService, ledgerService)

	r := chi.NewRouter()
	r.Post("/bot/webhook", func(w http.ResponseWriter, req *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(req.Context(), update)
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("бот-гейтвей запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка бота")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
