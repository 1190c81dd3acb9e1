package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
)

// Config задаёт границы выборки кандидатов.
type Config struct {
	// BatchCap ограничивает число элементов за цикл.
	BatchCap int
	// DefaultWindow — сколько последних элементов брать, если ни у кого
	// из получателей нет вотермарка.
	DefaultWindow int
	// IngestLimit ограничивает одну догрузку из ленты.
	IngestLimit int
}

// Service выбирает необработанные элементы по вотермаркам получателей.
// Сравнение идёт по монотонным id ленты, а не по времени: id назначаются
// последовательно и не зависят от рассинхрона часов.
type Service struct {
	items domain.ItemRepo
	users domain.UserRepo
	feed  domain.FeedSource
	log   zerolog.Logger
	cfg   Config
}

// NewService создаёт селектор кандидатов.
func NewService(items domain.ItemRepo, users domain.UserRepo, feed domain.FeedSource, log zerolog.Logger, cfg Config) *Service {
	if cfg.BatchCap <= 0 {
		cfg.BatchCap = 200
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = 20
	}
	if cfg.IngestLimit <= 0 {
		cfg.IngestLimit = cfg.BatchCap
	}
	return &Service{items: items, users: users, feed: feed, log: log, cfg: cfg}
}

// Ingest догружает новые элементы из ленты в хранилище.
func (s *Service) Ingest(ctx context.Context) error {
	maxID, err := s.items.MaxID()
	if err != nil {
		return fmt.Errorf("максимальный id элементов: %w", err)
	}
	fetched, err := s.feed.FetchAfter(ctx, maxID, s.cfg.IngestLimit)
	if err != nil {
		return fmt.Errorf("догрузка ленты: %w", err)
	}
	if len(fetched) == 0 {
		return nil
	}
	if err := s.items.SaveItems(fetched); err != nil {
		return fmt.Errorf("сохранение элементов: %w", err)
	}
	s.log.Debug().Int("count", len(fetched)).Msg("selector: лента догружена")
	return nil
}

// SelectCandidates возвращает элементы этого цикла по возрастанию id.
// floor — минимальный вотермарк среди активных получателей; при полном
// отсутствии вотермарков берётся ограниченное окно последних элементов,
// а не вся история. Пропуски в нумерации id допустимы.
func (s *Service) SelectCandidates(ctx context.Context) ([]domain.Item, error) {
	users, err := s.users.ListActive()
	if err != nil {
		return nil, fmt.Errorf("активные получатели: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	floor, hasWatermark := int64(0), false
	for _, u := range users {
		if u.LastSeenItemID <= 0 {
			continue
		}
		if !hasWatermark || u.LastSeenItemID < floor {
			floor = u.LastSeenItemID
			hasWatermark = true
		}
	}

	if !hasWatermark {
		latest, err := s.items.ListLatest(s.cfg.DefaultWindow)
		if err != nil {
			return nil, fmt.Errorf("окно по умолчанию: %w", err)
		}
		sort.Slice(latest, func(i, j int) bool { return latest[i].ID < latest[j].ID })
		return latest, nil
	}

	items, err := s.items.ListAfter(floor, s.cfg.BatchCap)
	if err != nil {
		return nil, fmt.Errorf("элементы после вотермарка: %w", err)
	}
	return items, nil
}
