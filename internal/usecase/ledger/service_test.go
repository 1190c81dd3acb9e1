package ledger

import (
	"testing"
	"time"

	"tg-reader-bot/internal/domain"
)

type stubLedgerRepo struct {
	records []domain.TokenUsageRecord
}

func (s *stubLedgerRepo) Add(rec domain.TokenUsageRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *stubLedgerRepo) DailyTotal(userID int64, day time.Time) (domain.TokenUsageRecord, error) {
	total := domain.TokenUsageRecord{UserID: userID, Day: day}
	for _, rec := range s.records {
		if rec.UserID == userID && rec.Day.Equal(day) {
			total.PromptTokens += rec.PromptTokens
			total.CompletionTokens += rec.CompletionTokens
			total.Cost += rec.Cost
		}
	}
	return total, nil
}

func TestRecordAggregatesDaily(t *testing.T) {
	repo := &stubLedgerRepo{}
	svc := NewService(repo, Config{PromptCostPer1K: 1, CompletionCostPer1K: 2})
	day := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return day }

	if err := svc.Record(7, 1000, 500); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Record(7, 500, 500); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	total, err := svc.DailyTotal(7, day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if total.PromptTokens != 1500 || total.CompletionTokens != 1000 {
		t.Fatalf("ожидали аддитивный агрегат, получили %+v", total)
	}
	want := 1.5*1 + 1.0*2
	if total.Cost != want {
		t.Fatalf("ожидали стоимость %f, получили %f", want, total.Cost)
	}
}

func TestRecordSkipsEmpty(t *testing.T) {
	repo := &stubLedgerRepo{}
	svc := NewService(repo, Config{})
	if err := svc.Record(7, 0, 0); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.records) != 0 {
		t.Fatalf("ожидали отсутствие записей для нулевых токенов")
	}
}
