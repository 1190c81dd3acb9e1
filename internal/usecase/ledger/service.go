package ledger

import (
	"fmt"
	"time"

	"tg-reader-bot/internal/domain"
)

// Config задаёт стоимость токенов.
type Config struct {
	PromptCostPer1K     float64
	CompletionCostPer1K float64
}

// Service ведёт учёт токенов и стоимости LLM-вызовов.
type Service struct {
	repo domain.TokenLedgerRepo
	cfg  Config
	now  func() time.Time
}

// NewService создаёт леджер.
func NewService(repo domain.TokenLedgerRepo, cfg Config) *Service {
	return &Service{repo: repo, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Cost вычисляет стоимость вызова по числу токенов.
func (s *Service) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*s.cfg.PromptCostPer1K +
		float64(completionTokens)/1000*s.cfg.CompletionCostPer1K
}

// Record прибавляет токены вызова к суточному агрегату пользователя.
func (s *Service) Record(userID int64, promptTokens, completionTokens int) error {
	if promptTokens <= 0 && completionTokens <= 0 {
		return nil
	}
	rec := domain.TokenUsageRecord{
		UserID:           userID,
		Day:              s.now().Truncate(24 * time.Hour),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             s.Cost(promptTokens, completionTokens),
	}
	if err := s.repo.Add(rec); err != nil {
		return fmt.Errorf("запись токенов: %w", err)
	}
	return nil
}

// DailyTotal возвращает суточный агрегат пользователя.
func (s *Service) DailyTotal(userID int64, day time.Time) (domain.TokenUsageRecord, error) {
	return s.repo.DailyTotal(userID, day.UTC().Truncate(24*time.Hour))
}
