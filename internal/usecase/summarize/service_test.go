package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/usecase/ledger"
)

type stubSummaryRepo struct {
	mu      sync.Mutex
	saved   []domain.Summary
	existed map[string]bool
}

func summaryKey(itemID int64, userID *int64, variant domain.SummaryVariant) string {
	uid := int64(-1)
	if userID != nil {
		uid = *userID
	}
	return fmt.Sprintf("%d:%d:%s", itemID, uid, variant)
}

func (s *stubSummaryRepo) SaveSummary(sum domain.Summary) (domain.Summary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existed == nil {
		s.existed = make(map[string]bool)
	}
	key := summaryKey(sum.ItemID, sum.UserID, sum.Variant)
	if s.existed[key] {
		return sum, false, nil
	}
	s.existed[key] = true
	s.saved = append(s.saved, sum)
	return sum, true, nil
}

func (s *stubSummaryRepo) GetShared(itemID int64, variant domain.SummaryVariant) (domain.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sum := range s.saved {
		if sum.ItemID == itemID && sum.UserID == nil && sum.Variant == variant {
			return sum, nil
		}
	}
	return domain.Summary{}, domain.ErrSummaryNotFound
}

func (s *stubSummaryRepo) GetPersonal(itemID, userID int64) (domain.Summary, error) {
	return domain.Summary{}, domain.ErrSummaryNotFound
}

func (s *stubSummaryRepo) ListMissingShared(itemIDs []int64, variant domain.SummaryVariant) ([]int64, error) {
	return itemIDs, nil
}

type stubContent struct {
	text string
	err  error
}

func (s *stubContent) FetchContent(context.Context, int64) (string, error) {
	return s.text, s.err
}

type scriptedLLM struct {
	mu        sync.Mutex
	calls     []string
	failChunk int
	delays    map[int]time.Duration
}

func (s *scriptedLLM) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Prompt)
	s.mu.Unlock()

	var idx, total int
	if _, err := fmt.Sscanf(req.Prompt, "Кратко перескажи фрагмент %d из %d", &idx, &total); err == nil {
		if d, ok := s.delays[idx]; ok {
			time.Sleep(d)
		}
		if idx == s.failChunk {
			return domain.GenerationResult{}, domain.ErrLLMUnavailable
		}
		return domain.GenerationResult{Text: fmt.Sprintf("S%d", idx), PromptTokens: 100, CompletionTokens: 10}, nil
	}
	if strings.HasPrefix(req.Prompt, "Ниже пересказы") {
		return domain.GenerationResult{Text: "итог: " + req.Prompt, PromptTokens: 50, CompletionTokens: 20}, nil
	}
	return domain.GenerationResult{Text: "прямое резюме", PromptTokens: 30, CompletionTokens: 15}, nil
}

func longText(chars int) string {
	sentence := "Это предложение занимает ровно сколько-то символов и заканчивается точкой. "
	var b strings.Builder
	for b.Len() < chars*2 { // грубая оценка: кириллица по 2 байта
		b.WriteString(sentence)
	}
	runes := []rune(b.String())
	if len(runes) > chars {
		runes = runes[:chars]
	}
	return string(runes)
}

func newTestService(repo *stubSummaryRepo, content *stubContent, llm domain.LLMService) *Service {
	led := ledger.NewService(&nopLedgerRepo{}, ledger.Config{})
	return NewService(repo, content, llm, led, zerolog.Nop(), Config{ChunkSize: 8000, Workers: 3})
}

type nopLedgerRepo struct{}

func (n *nopLedgerRepo) Add(domain.TokenUsageRecord) error { return nil }
func (n *nopLedgerRepo) DailyTotal(int64, time.Time) (domain.TokenUsageRecord, error) {
	return domain.TokenUsageRecord{}, nil
}

func TestSummarizeDirectUnderThreshold(t *testing.T) {
	repo := &stubSummaryRepo{}
	llm := &scriptedLLM{}
	svc := newTestService(repo, &stubContent{text: "Короткий текст."}, llm)

	err := svc.SummarizeItem(context.Background(), domain.Item{ID: 1, Title: "тест"}, domain.VariantBasic, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(llm.calls) != 1 {
		t.Fatalf("ожидали один прямой вызов без map-reduce, было %d", len(llm.calls))
	}
	if len(repo.saved) != 1 || repo.saved[0].Text != "прямое резюме" {
		t.Fatalf("ожидали сохранённое прямое резюме, получили %+v", repo.saved)
	}
}

func TestMapReduceThreeChunksOrdered(t *testing.T) {
	repo := &stubSummaryRepo{}
	// Задержки инвертированы: последний кусок завершается первым.
	llm := &scriptedLLM{delays: map[int]time.Duration{1: 30 * time.Millisecond, 2: 15 * time.Millisecond, 3: 0}}
	svc := newTestService(repo, &stubContent{text: longText(20000)}, llm)

	err := svc.SummarizeItem(context.Background(), domain.Item{ID: 2, Title: "длинный"}, domain.VariantBasic, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(llm.calls) != 4 {
		t.Fatalf("ожидали 3 куска и один reduce, было %d вызовов", len(llm.calls))
	}
	reduce := llm.calls[len(llm.calls)-1]
	p1, p2, p3 := strings.Index(reduce, "S1"), strings.Index(reduce, "S2"), strings.Index(reduce, "S3")
	if p1 < 0 || p2 < 0 || p3 < 0 {
		t.Fatalf("reduce не получил все куски: %q", reduce)
	}
	if !(p1 < p2 && p2 < p3) {
		t.Fatalf("куски пришли в reduce не в исходном порядке: %d %d %d", p1, p2, p3)
	}
}

func TestMapReduceOmitsFailedChunk(t *testing.T) {
	repo := &stubSummaryRepo{}
	llm := &scriptedLLM{failChunk: 2}
	svc := newTestService(repo, &stubContent{text: longText(20000)}, llm)

	err := svc.SummarizeItem(context.Background(), domain.Item{ID: 3, Title: "длинный"}, domain.VariantBasic, nil)
	if err != nil {
		t.Fatalf("частичное резюме не должно быть ошибкой: %v", err)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("ожидали сохранённое резюме из уцелевших кусков")
	}
	reduce := llm.calls[len(llm.calls)-1]
	if strings.Contains(reduce, "S2") {
		t.Fatalf("упавший кусок не должен попасть в reduce")
	}
	if !strings.Contains(reduce, "S1") || !strings.Contains(reduce, "S3") {
		t.Fatalf("уцелевшие куски обязаны попасть в reduce: %q", reduce)
	}
}

type failingLLM struct{}

func (f *failingLLM) Generate(context.Context, domain.GenerationRequest) (domain.GenerationResult, error) {
	return domain.GenerationResult{}, domain.ErrLLMUnavailable
}

func TestSummarizeItemTotalFailureLeavesRetryable(t *testing.T) {
	repo := &stubSummaryRepo{}
	svc := newTestService(repo, &stubContent{text: longText(20000)}, &failingLLM{})

	err := svc.SummarizeItem(context.Background(), domain.Item{ID: 4, Title: "x"}, domain.VariantBasic, nil)
	if err == nil {
		t.Fatal("ожидали ошибку при полном провале")
	}
	if len(repo.saved) != 0 {
		t.Fatalf("резюме не должно сохраняться при провале")
	}
	if _, getErr := repo.GetShared(4, domain.VariantBasic); !errors.Is(getErr, domain.ErrSummaryNotFound) {
		t.Fatalf("элемент обязан остаться кандидатом на повтор")
	}
}

func TestProcessItemsSkipsExisting(t *testing.T) {
	repo := &stubSummaryRepo{}
	repo.saved = append(repo.saved, domain.Summary{ItemID: 5, Variant: domain.VariantBasic})
	repo.existed = map[string]bool{summaryKey(5, nil, domain.VariantBasic): true}
	llm := &scriptedLLM{}
	svc := newTestService(repo, &stubContent{text: "Текст."}, llm)

	err := svc.ProcessItems(context.Background(), []domain.Item{{ID: 5}, {ID: 6}}, []domain.SummaryVariant{domain.VariantBasic, domain.VariantPersonal})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Элемент 5 уже готов, персональный вариант в общем цикле не строится.
	if len(llm.calls) != 1 {
		t.Fatalf("ожидали один вызов для элемента 6, было %d", len(llm.calls))
	}
}

func TestProcessItemsContinuesAfterItemFailure(t *testing.T) {
	repo := &stubSummaryRepo{}
	content := &stubContent{err: domain.ErrContentNotFound}
	svc := newTestService(repo, content, &scriptedLLM{})

	err := svc.ProcessItems(context.Background(), []domain.Item{{ID: 7}, {ID: 8}}, []domain.SummaryVariant{domain.VariantBasic})
	if err != nil {
		t.Fatalf("ошибки элементов не должны прерывать цикл: %v", err)
	}
}

func TestSplitChunksRespectsSentences(t *testing.T) {
	text := strings.Repeat("Первое предложение. Второе предложение! Третье предложение? ", 200)
	chunks := SplitChunks(text, 500)
	if len(chunks) < 2 {
		t.Fatalf("ожидали несколько кусков")
	}
	for i, chunk := range chunks {
		if len([]rune(chunk)) > 500 {
			t.Fatalf("кусок %d превышает лимит", i)
		}
		last := []rune(chunk)[len([]rune(chunk))-1]
		if last != '.' && last != '!' && last != '?' {
			t.Fatalf("кусок %d оборван посреди предложения: %q", i, chunk)
		}
	}
}

func TestSplitChunksShortText(t *testing.T) {
	chunks := SplitChunks("Короткий текст.", 8000)
	if len(chunks) != 1 {
		t.Fatalf("короткий текст не должен делиться, получили %d", len(chunks))
	}
}
