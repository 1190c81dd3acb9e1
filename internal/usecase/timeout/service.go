package timeout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
)

// Config задаёт порог простоя обсуждений.
type Config struct {
	// IdleTimeout — простой, после которого обсуждение закрывается.
	IdleTimeout time.Duration
}

// closedNotice отправляется пользователю один раз при закрытии по простою.
const closedNotice = "Обсуждение закрыто: долго не было сообщений. Нажмите «Обсудить» под материалом, чтобы продолжить."

// contextCache сбрасывает собранный контекст обсуждения после закрытия.
type contextCache interface {
	Invalidate(ctx context.Context, userID, itemID int64)
}

// Service закрывает простаивающие обсуждения. Между выборкой кандидатов и
// закрытием пользователь мог ответить, поэтому закрытие перепроверяет
// активность атомарно: гонка с новой репликой решается в пользу реплики.
type Service struct {
	conversations domain.ConversationRepo
	users         domain.UserRepo
	queue         domain.ExtractionQueue
	messenger     domain.Messenger
	contexts      contextCache
	log           zerolog.Logger
	cfg           Config

	now func() time.Time
}

// NewService создаёт таймаут-надзиратель.
func NewService(conversations domain.ConversationRepo, users domain.UserRepo, queue domain.ExtractionQueue, messenger domain.Messenger, contexts contextCache, log zerolog.Logger, cfg Config) *Service {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Service{conversations: conversations, users: users, queue: queue, messenger: messenger, contexts: contexts, log: log, cfg: cfg, now: time.Now}
}

// Sweep закрывает обсуждения, простаивающие дольше порога. Возвращает число
// закрытых этим проходом сессий.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.IdleTimeout)
	idle, err := s.conversations.ListIdleActive(cutoff)
	if err != nil {
		return 0, fmt.Errorf("кандидаты на закрытие: %w", err)
	}

	closed := 0
	for _, conv := range idle {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		ok, err := s.conversations.CloseIfIdle(conv.ID, conv.LastActivityAt, now)
		if err != nil {
			s.log.Error().Err(err).Int64("conversation", conv.ID).Msg("timeout: закрытие не удалось")
			continue
		}
		if !ok {
			// Пользователь успел ответить после выборки.
			continue
		}
		closed++
		metrics.TimeoutSweepClosed.Inc()
		metrics.IncConversationClosed("timeout")
		s.enqueueExtraction(ctx, conv)
		s.contexts.Invalidate(ctx, conv.UserID, conv.ItemID)
		s.notify(ctx, conv)
	}
	if closed > 0 {
		s.log.Info().Int("closed", closed).Msg("timeout: простаивающие обсуждения закрыты")
	}
	return closed, nil
}

// notify шлёт уведомление о закрытии. Победитель CloseIfIdle ровно один,
// поэтому дубликатов уведомлений не бывает даже при нескольких свиперах.
func (s *Service) notify(ctx context.Context, conv domain.Conversation) {
	user, err := s.users.GetByID(conv.UserID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user", conv.UserID).Msg("timeout: пользователь для уведомления не найден")
		return
	}
	if _, err := s.messenger.Send(ctx, user.ChatID, closedNotice, nil); err != nil {
		s.log.Warn().Err(err).Int64("user", conv.UserID).Msg("timeout: уведомление не отправлено")
	}
}

func (s *Service) enqueueExtraction(ctx context.Context, conv domain.Conversation) {
	job := domain.ExtractionJob{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		RequestedAt:    s.now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.log.Warn().Err(err).Int64("conversation", conv.ID).Msg("timeout: задача извлечения не поставлена")
	}
}
