package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SummarizeCycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "summarize_cycle_seconds",
		Help:    "Время одного цикла суммаризации",
		Buckets: prometheus.DefBuckets,
	})
	SummarizeChunkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "summarize_chunk_failures_total",
		Help: "Чанки, пропущенные после исчерпания повторов",
	})
	SummarizeItemFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "summarize_item_failures_total",
		Help: "Элементы, оставшиеся без резюме в цикле",
	})
	DeliverySendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_send_errors_total",
		Help: "Ошибки отправки сообщений при доставке",
	})
	DeliveriesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveries_sent_total",
		Help: "Успешно созданные записи доставки",
	})
	ConversationsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conversations_started_total",
		Help: "Открытые сессии обсуждения",
	})
	ConversationsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conversations_closed_total",
		Help: "Закрытые сессии обсуждения по причинам",
	}, []string{"cause"})
	TimeoutSweepClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timeout_sweep_closed_total",
		Help: "Сессии, закрытые таймаут-надзирателем",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})

	DiscussionTurnsByUser = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discussion_turns_by_user_total",
		Help: "Количество реплик обсуждения по пользователям",
	}, []string{"user_id"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SummarizeCycleSeconds,
		SummarizeChunkFailures,
		SummarizeItemFailures,
		DeliverySendErrors,
		DeliveriesSent,
		ConversationsStarted,
		ConversationsClosed,
		TimeoutSweepClosed,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
		DiscussionTurnsByUser,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// IncDiscussionTurn увеличивает счётчик реплик обсуждения для пользователя.
func IncDiscussionTurn(userID int64) {
	DiscussionTurnsByUser.WithLabelValues(strconv.FormatInt(userID, 10)).Inc()
}

// IncConversationClosed увеличивает счётчик закрытых сессий.
func IncConversationClosed(cause string) {
	ConversationsClosed.WithLabelValues(cause).Inc()
}
