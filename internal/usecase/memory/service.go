package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/usecase/ledger"
)

const extractionSystemPrompt = "Ты извлекаешь долговременные факты о читателе из диалога. " +
	"Верни JSON-массив объектов {\"kind\": \"interest|preference|context|note\", \"text\": \"...\", \"confidence\": 0..1}. " +
	"Только устойчивые факты о человеке, не пересказ диалога. Пустой массив, если фактов нет."

// Config задаёт границы извлечения памяти.
type Config struct {
	// BatchSize ограничивает один пакетный проход по неизвлечённым сессиям.
	BatchSize int
	// ListLimit — сколько записей показывать пользователю.
	ListLimit int
}

// Service извлекает долговременную память из закрытых обсуждений. Основной
// путь — задачи из очереди; пакетный проход по неизвлечённым сессиям
// подбирает потерянные задачи.
type Service struct {
	conversations domain.ConversationRepo
	memory        domain.MemoryRepo
	llm           domain.LLMService
	ledger        *ledger.Service
	queue         domain.ExtractionQueue
	log           zerolog.Logger
	cfg           Config

	now func() time.Time
	// retryDelay — пауза перед повтором после сбоя очереди.
	retryDelay time.Duration
}

// NewService создаёт извлекатель памяти.
func NewService(conversations domain.ConversationRepo, memoryRepo domain.MemoryRepo, llm domain.LLMService, ledgerSvc *ledger.Service, queue domain.ExtractionQueue, log zerolog.Logger, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 10
	}
	return &Service{
		conversations: conversations,
		memory:        memoryRepo,
		llm:           llm,
		ledger:        ledgerSvc,
		queue:         queue,
		log:           log,
		cfg:           cfg,
		now:           time.Now,
		retryDelay:    5 * time.Second,
	}
}

// Consume обрабатывает задачи очереди до отмены контекста. После сбоя
// очереди повтор идёт с паузой, чтобы не крутиться вхолостую.
func (s *Service) Consume(ctx context.Context) error {
	for {
		job, err := s.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Msg("memory: очередь недоступна")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
			continue
		}
		conv, err := s.conversations.GetByID(job.ConversationID)
		if err != nil {
			s.log.Warn().Err(err).Int64("conversation", job.ConversationID).Msg("memory: сессия задачи не найдена")
			continue
		}
		if err := s.Extract(ctx, conv); err != nil {
			// Сессия остаётся неизвлечённой, пакетный проход вернётся к ней.
			s.log.Warn().Err(err).Int64("conversation", conv.ID).Msg("memory: извлечение не удалось")
		}
	}
}

// RunBatch извлекает память из закрытых сессий, до которых не дошла очередь.
func (s *Service) RunBatch(ctx context.Context) error {
	pending, err := s.conversations.ListClosedUnextracted(s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("неизвлечённые сессии: %w", err)
	}
	for _, conv := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Extract(ctx, conv); err != nil {
			s.log.Warn().Err(err).Int64("conversation", conv.ID).Msg("memory: извлечение не удалось")
		}
	}
	return nil
}

// Extract строит записи памяти из одной закрытой сессии. Повторный вызов
// для уже извлечённой сессии — no-op. Сессия без реплик пользователя
// помечается извлечённой без вызова LLM.
func (s *Service) Extract(ctx context.Context, conv domain.Conversation) error {
	if conv.Active() {
		return errors.New("сессия ещё активна")
	}
	if conv.ExtractedAt != nil {
		return nil
	}

	transcript := buildTranscript(conv.Messages)
	if transcript == "" {
		return s.conversations.MarkExtracted(conv.ID, s.now())
	}

	res, err := s.llm.Generate(ctx, domain.GenerationRequest{
		System: extractionSystemPrompt,
		Prompt: transcript,
	})
	if err != nil {
		return fmt.Errorf("извлечение из сессии %d: %w", conv.ID, err)
	}
	if err := s.ledger.Record(conv.UserID, res.PromptTokens, res.CompletionTokens); err != nil {
		s.log.Warn().Err(err).Int64("user", conv.UserID).Msg("memory: токены не записаны")
	}

	entries := parseEntries(res.Text, conv.UserID, conv.ID)
	if len(entries) > 0 {
		if err := s.memory.SaveEntries(entries); err != nil {
			return fmt.Errorf("сохранение памяти: %w", err)
		}
	}
	if err := s.conversations.MarkExtracted(conv.ID, s.now()); err != nil {
		return fmt.Errorf("отметка извлечения: %w", err)
	}
	s.log.Debug().Int64("conversation", conv.ID).Int("entries", len(entries)).Msg("memory: извлечение завершено")
	return nil
}

// List возвращает активные записи памяти пользователя.
func (s *Service) List(userID int64) ([]domain.MemoryEntry, error) {
	return s.memory.ListActive(userID, s.cfg.ListLimit)
}

// Forget деактивирует запись памяти по просьбе пользователя.
func (s *Service) Forget(userID, entryID int64) error {
	return s.memory.Deactivate(userID, entryID)
}

// buildTranscript собирает диалог без системного контекста. Возвращает
// пустую строку, если пользователь ничего не написал.
func buildTranscript(messages domain.MessageList) string {
	var b strings.Builder
	userSpoke := false
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleUser:
			userSpoke = true
			fmt.Fprintf(&b, "Читатель: %s\n", msg.Text)
		case domain.RoleAssistant:
			fmt.Fprintf(&b, "Помощник: %s\n", msg.Text)
		}
	}
	if !userSpoke {
		return ""
	}
	return b.String()
}

type rawEntry struct {
	Kind       string  `json:"kind"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

var validKinds = map[domain.MemoryKind]bool{
	domain.MemoryInterest:   true,
	domain.MemoryPreference: true,
	domain.MemoryContext:    true,
	domain.MemoryNote:       true,
}

// parseEntries разбирает ответ модели. Обрамляющий текст вокруг JSON
// отбрасывается; некорректные элементы пропускаются молча.
func parseEntries(text string, userID, conversationID int64) []domain.MemoryEntry {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var raw []rawEntry
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil
	}

	var entries []domain.MemoryEntry
	for _, r := range raw {
		kind := domain.MemoryKind(r.Kind)
		if !validKinds[kind] || strings.TrimSpace(r.Text) == "" {
			continue
		}
		confidence := r.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		convID := conversationID
		entries = append(entries, domain.MemoryEntry{
			UserID:         userID,
			Kind:           kind,
			Text:           strings.TrimSpace(r.Text),
			Confidence:     confidence,
			Active:         true,
			ConversationID: &convID,
		})
	}
	return entries
}
