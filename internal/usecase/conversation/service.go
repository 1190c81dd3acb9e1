package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
	"tg-reader-bot/internal/usecase/ledger"
)

// replyRetry отправляется пользователю при сбое генерации; само обсуждение
// при этом не меняется.
const replyRetry = "Не получилось ответить, попробуйте ещё раз."

// Config задаёт границы обсуждений.
type Config struct {
	// MaxHistory — максимум сообщений в истории обсуждения.
	MaxHistory int
	// IdleTimeout — простой, после которого обсуждение закрывается.
	IdleTimeout time.Duration
}

// Service ведёт обсуждения: у пользователя в любой момент не более одной
// активной сессии, это гарантирует ограничение БД. Быстрая проекция режима
// живёт в кеше и восстанавливается из БД при промахе.
type Service struct {
	conversations domain.ConversationRepo
	llm           domain.LLMService
	ledger        *ledger.Service
	queue         domain.ExtractionQueue
	assembler     *Assembler
	cache         domain.Cache
	log           zerolog.Logger
	cfg           Config

	now func() time.Time
}

// NewService создаёт машину состояний обсуждений.
func NewService(conversations domain.ConversationRepo, llm domain.LLMService, ledgerSvc *ledger.Service, queue domain.ExtractionQueue, assembler *Assembler, cache domain.Cache, log zerolog.Logger, cfg Config) *Service {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 40
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Service{
		conversations: conversations,
		llm:           llm,
		ledger:        ledgerSvc,
		queue:         queue,
		assembler:     assembler,
		cache:         cache,
		log:           log,
		cfg:           cfg,
		now:           time.Now,
	}
}

func stateKey(userID int64) string { return fmt.Sprintf("userstate:%d", userID) }

// State возвращает текущий режим пользователя. Промах кеша восстанавливается
// из активной сессии в БД; без сессии пользователь считается пассивным.
func (s *Service) State(ctx context.Context, userID int64) (domain.UserState, error) {
	raw, err := s.cache.Get(ctx, stateKey(userID))
	if err == nil {
		var state domain.UserState
		if jsonErr := json.Unmarshal(raw, &state); jsonErr == nil {
			return state, nil
		}
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		s.log.Warn().Err(err).Int64("user", userID).Msg("conversation: кеш состояния недоступен")
	}

	conv, err := s.conversations.GetActive(userID)
	if errors.Is(err, domain.ErrNoActiveConversation) {
		return domain.UserState{Mode: domain.ModeIdle}, nil
	}
	if err != nil {
		return domain.UserState{}, fmt.Errorf("активная сессия: %w", err)
	}
	state := domain.UserState{
		Mode:           domain.ModeDiscussion,
		ItemID:         conv.ItemID,
		ConversationID: conv.ID,
		LastActivityAt: conv.LastActivityAt,
	}
	s.saveState(ctx, userID, state)
	return state, nil
}

// SetMode переводит пользователя в режим без активной сессии (idle или
// onboarding). Режим обсуждения задаётся только через StartDiscussion.
func (s *Service) SetMode(ctx context.Context, userID int64, mode domain.UserMode) {
	s.saveState(ctx, userID, domain.UserState{Mode: mode, LastActivityAt: s.now()})
}

func (s *Service) saveState(ctx context.Context, userID int64, state domain.UserState) {
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, stateKey(userID), raw, 2*s.cfg.IdleTimeout); err != nil {
		s.log.Warn().Err(err).Int64("user", userID).Msg("conversation: состояние не закешировано")
	}
}

// StartDiscussion открывает обсуждение элемента. Активное обсуждение того же
// элемента продолжается как есть; обсуждение другого элемента закрывается и
// уходит на извлечение памяти, после чего сразу открывается новое:
// пользователь не проходит через пассивный режим.
func (s *Service) StartDiscussion(ctx context.Context, user domain.User, itemID int64) (string, error) {
	system, err := s.assembler.SystemPrompt(ctx, user, itemID)
	if err != nil {
		return "", err
	}

	now := s.now()
	conv := domain.Conversation{
		UserID:         user.ID,
		ItemID:         itemID,
		Messages:       domain.MessageList{}.Append(domain.RoleSystem, system, now),
		StartedAt:      now,
		LastActivityAt: now,
	}

	created, err := s.conversations.Create(conv)
	if errors.Is(err, domain.ErrConversationActive) {
		active, getErr := s.conversations.GetActive(user.ID)
		if getErr != nil && !errors.Is(getErr, domain.ErrNoActiveConversation) {
			return "", fmt.Errorf("активная сессия: %w", getErr)
		}
		if getErr == nil {
			if active.ItemID == itemID {
				// Тот же материал: продолжаем сессию, история сохраняется.
				s.saveState(ctx, user.ID, domain.UserState{
					Mode:           domain.ModeDiscussion,
					ItemID:         itemID,
					ConversationID: active.ID,
					LastActivityAt: active.LastActivityAt,
				})
				return "Продолжаем обсуждение этого материала. Спрашивайте — отвечу по тексту.", nil
			}
			if closed, closeErr := s.conversations.Close(active.ID, now); closeErr != nil {
				return "", fmt.Errorf("закрытие сессии %d: %w", active.ID, closeErr)
			} else if closed {
				metrics.IncConversationClosed("switched")
				s.enqueueExtraction(ctx, active)
				s.assembler.Invalidate(ctx, user.ID, active.ItemID)
			}
		}
		created, err = s.conversations.Create(conv)
	}
	if err != nil {
		return "", fmt.Errorf("открытие обсуждения: %w", err)
	}

	metrics.ConversationsStarted.Inc()
	s.saveState(ctx, user.ID, domain.UserState{
		Mode:           domain.ModeDiscussion,
		ItemID:         itemID,
		ConversationID: created.ID,
		LastActivityAt: now,
	})
	return "Обсуждаем этот материал. Спрашивайте — отвечу по тексту.", nil
}

// HandleTurn обрабатывает реплику пользователя в активном обсуждении.
// Возвращает ErrNoActiveConversation, если обсуждения нет. Сбой генерации
// не меняет историю: пользователь получает просьбу повторить.
func (s *Service) HandleTurn(ctx context.Context, user domain.User, text string) (string, error) {
	conv, err := s.conversations.GetActive(user.ID)
	if errors.Is(err, domain.ErrNoActiveConversation) {
		// Кеш мог пережить закрытие по таймауту.
		s.saveState(ctx, user.ID, domain.UserState{Mode: domain.ModeIdle, LastActivityAt: s.now()})
		return "", err
	}
	if err != nil {
		return "", err
	}

	system := ""
	history := conv.Messages
	if len(history) > 0 && history[0].Role == domain.RoleSystem {
		system = history[0].Text
		history = history[1:]
	}

	res, err := s.llm.Generate(ctx, domain.GenerationRequest{
		System:  system,
		History: history,
		Prompt:  text,
	})
	if err != nil {
		s.log.Warn().Err(err).Int64("conversation", conv.ID).Msg("conversation: генерация ответа не удалась")
		return replyRetry, nil
	}

	now := s.now()
	messages := conv.Messages.
		Append(domain.RoleUser, text, now).
		Append(domain.RoleAssistant, res.Text, now).
		Truncate(s.cfg.MaxHistory)
	if err := s.conversations.UpdateMessages(conv.ID, messages,
		conv.PromptTokens+res.PromptTokens, conv.CompletionTokens+res.CompletionTokens, now); err != nil {
		return "", fmt.Errorf("сохранение обсуждения %d: %w", conv.ID, err)
	}

	if err := s.ledger.Record(user.ID, res.PromptTokens, res.CompletionTokens); err != nil {
		s.log.Warn().Err(err).Int64("user", user.ID).Msg("conversation: токены не записаны")
	}
	metrics.IncDiscussionTurn(user.ID)
	s.saveState(ctx, user.ID, domain.UserState{
		Mode:           domain.ModeDiscussion,
		ItemID:         conv.ItemID,
		ConversationID: conv.ID,
		LastActivityAt: now,
	})
	return res.Text, nil
}

// EndDiscussion закрывает активное обсуждение по команде пользователя.
func (s *Service) EndDiscussion(ctx context.Context, user domain.User) error {
	conv, err := s.conversations.GetActive(user.ID)
	if err != nil {
		return err
	}
	closed, err := s.conversations.Close(conv.ID, s.now())
	if err != nil {
		return fmt.Errorf("закрытие обсуждения %d: %w", conv.ID, err)
	}
	if closed {
		metrics.IncConversationClosed("user")
		s.enqueueExtraction(ctx, conv)
	}
	s.assembler.Invalidate(ctx, user.ID, conv.ItemID)
	s.SetMode(ctx, user.ID, domain.ModeIdle)
	return nil
}

// enqueueExtraction ставит закрытую сессию в очередь извлечения памяти.
// Сбой очереди не фатален: пакетный проход по неизвлечённым сессиям
// подберёт её позже.
func (s *Service) enqueueExtraction(ctx context.Context, conv domain.Conversation) {
	job := domain.ExtractionJob{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		RequestedAt:    s.now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.log.Warn().Err(err).Int64("conversation", conv.ID).Msg("conversation: задача извлечения не поставлена")
	}
}
