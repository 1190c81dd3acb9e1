package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
)

// summaryBuilder строит недостающее персональное резюме по запросу.
type summaryBuilder interface {
	SummarizeItem(ctx context.Context, item domain.Item, variant domain.SummaryVariant, userID *int64) error
}

// Config задаёт параллелизм и темп рассылки.
type Config struct {
	// Workers ограничивает число пользователей, обрабатываемых одновременно.
	Workers int
	// SendDelay — пауза между сообщениями одному пользователю.
	SendDelay time.Duration
}

// Service рассылает резюме пользователям. Пользователи обрабатываются
// параллельно ограниченным пулом, сообщения одному пользователю идут
// строго последовательно по возрастанию id элемента. Вотермарк
// пользователя двигается только вслед за подтверждённой доставкой.
type Service struct {
	users      domain.UserRepo
	summaries  domain.SummaryRepo
	deliveries domain.DeliveryRepo
	messenger  domain.Messenger
	builder    summaryBuilder
	log        zerolog.Logger
	cfg        Config

	sleep func(time.Duration)
	now   func() time.Time
}

// NewService создаёт батчер рассылки.
func NewService(users domain.UserRepo, summaries domain.SummaryRepo, deliveries domain.DeliveryRepo, messenger domain.Messenger, builder summaryBuilder, log zerolog.Logger, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = 1100 * time.Millisecond
	}
	return &Service{
		users:      users,
		summaries:  summaries,
		deliveries: deliveries,
		messenger:  messenger,
		builder:    builder,
		log:        log,
		cfg:        cfg,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// Run рассылает переданные элементы всем активным пользователям одним
// батчем. Ошибка одного пользователя не прерывает остальных.
func (s *Service) Run(ctx context.Context, items []domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	users, err := s.users.ListActive()
	if err != nil {
		return fmt.Errorf("активные получатели: %w", err)
	}
	if len(users) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	jobs := make(chan domain.User)
	var wg sync.WaitGroup

	workers := s.cfg.Workers
	if workers > len(users) {
		workers = len(users)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for user := range jobs {
				if err := s.deliverToUser(ctx, batchID, user, items); err != nil {
					s.log.Warn().Err(err).Int64("user", user.ID).Str("batch", batchID).
						Msg("delivery: рассылка пользователю прервана")
				}
			}
		}()
	}
	for _, user := range users {
		jobs <- user
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// deliverToUser шлёт пользователю его хвост элементов по возрастанию id.
// Остановка на первом сбое сохраняет монотонность вотермарка: пропуск
// элемента с последующей доставкой более нового потерял бы пропущенный
// навсегда.
func (s *Service) deliverToUser(ctx context.Context, batchID string, user domain.User, items []domain.Item) error {
	delivered := int64(0)
	defer func() {
		if delivered > 0 {
			if err := s.users.UpdateWatermark(user.ID, delivered); err != nil {
				s.log.Error().Err(err).Int64("user", user.ID).Msg("delivery: вотермарк не обновлён")
			}
		}
	}()

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if item.ID <= user.LastSeenItemID {
			continue
		}

		summary, err := s.summaryFor(ctx, user, item)
		if errors.Is(err, domain.ErrSummaryNotFound) {
			// Резюме ещё не готово: хвост пользователя ждёт следующего цикла.
			return nil
		}
		if err != nil {
			return err
		}

		sent, err := s.sendOne(ctx, batchID, user, item, summary)
		if errors.Is(err, domain.ErrRecipientUnreachable) {
			if stErr := s.users.SetStatus(user.ID, domain.UserStatusBlocked); stErr != nil {
				s.log.Error().Err(stErr).Int64("user", user.ID).Msg("delivery: статус не обновлён")
			}
			s.log.Info().Int64("user", user.ID).Msg("delivery: получатель недоступен, рассылка остановлена")
			return nil
		}
		if err != nil {
			metrics.DeliverySendErrors.Inc()
			return err
		}
		delivered = item.ID
		if sent {
			s.sleep(s.cfg.SendDelay)
		}
	}
	return nil
}

// summaryFor возвращает текст для пользователя в его варианте. Персональное
// резюме достраивается на месте, если его ещё нет.
func (s *Service) summaryFor(ctx context.Context, user domain.User, item domain.Item) (domain.Summary, error) {
	variant := user.Variant
	if variant == "" {
		variant = domain.VariantBasic
	}
	if !variant.IsPersonal() {
		return s.summaries.GetShared(item.ID, variant)
	}

	summary, err := s.summaries.GetPersonal(item.ID, user.ID)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, domain.ErrSummaryNotFound) {
		return domain.Summary{}, err
	}
	if err := s.builder.SummarizeItem(ctx, item, domain.VariantPersonal, &user.ID); err != nil {
		return domain.Summary{}, fmt.Errorf("персональное резюме элемента %d: %w", item.ID, err)
	}
	return s.summaries.GetPersonal(item.ID, user.ID)
}

// sendOne доставляет одно резюме: строка доставки создаётся до отправки и
// служит идемпотентным замком. Существующая строка с заполненным MessageRef
// означает уже отправленное сообщение. Временный сбой отправки повторяется
// один раз после паузы.
func (s *Service) sendOne(ctx context.Context, batchID string, user domain.User, item domain.Item, summary domain.Summary) (bool, error) {
	row, created, err := s.deliveries.Create(domain.Delivery{
		UserID:  user.ID,
		ItemID:  item.ID,
		BatchID: batchID,
		Variant: summary.Variant,
	})
	if err != nil {
		return false, fmt.Errorf("строка доставки: %w", err)
	}
	if !created && row.MessageRef != "" {
		return false, nil
	}

	text := fmt.Sprintf("*%s*\n\n%s", item.Title, summary.Text)
	if item.URL != "" {
		text += "\n\n" + item.URL
	}
	actions := []domain.MessageAction{
		{Label: "Обсудить", Data: fmt.Sprintf("discuss:%d", item.ID)},
		{Label: "Сохранить", Data: fmt.Sprintf("save:%d", item.ID)},
	}

	ref, err := s.messenger.Send(ctx, user.ChatID, text, actions)
	if errors.Is(err, domain.ErrRateLimited) {
		s.sleep(s.cfg.SendDelay)
		ref, err = s.messenger.Send(ctx, user.ChatID, text, actions)
	} else if err != nil && !errors.Is(err, domain.ErrRecipientUnreachable) {
		// Одиночный повтор для временных сбоев сети.
		s.sleep(s.cfg.SendDelay)
		ref, err = s.messenger.Send(ctx, user.ChatID, text, actions)
	}
	if err != nil {
		return false, fmt.Errorf("отправка элемента %d: %w", item.ID, err)
	}

	if err := s.deliveries.SetMessageRef(row.ID, ref, s.now()); err != nil {
		s.log.Error().Err(err).Int64("delivery", row.ID).Msg("delivery: ссылка на сообщение не записана")
	}
	metrics.DeliveriesSent.Inc()
	return true, nil
}

// MarkSaved помечает доставку сохранённой пользователем.
func (s *Service) MarkSaved(userID, itemID int64) error {
	return s.deliveries.SetSaved(userID, itemID, true)
}

// SetReaction записывает реакцию пользователя на доставку.
func (s *Service) SetReaction(userID, itemID int64, reaction string) error {
	return s.deliveries.SetReaction(userID, itemID, reaction)
}
