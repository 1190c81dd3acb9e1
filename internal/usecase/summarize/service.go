package summarize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
	"tg-reader-bot/internal/usecase/ledger"
)

// systemUserID — получатель учёта токенов для общих резюме.
const systemUserID = 0

// Config задаёт границы map-reduce суммаризации.
type Config struct {
	// ChunkSize — максимальный размер куска в рунах; он же порог,
	// ниже которого элемент суммируется одним вызовом.
	ChunkSize int
	// Workers ограничивает параллельную суммаризацию кусков.
	Workers int
}

// Service строит резюме элементов. Длинный контент проходит map-reduce:
// куски суммируются независимо, затем сводятся вторым вызовом в исходном
// порядке. Прогресс фиксируется по завершённым элементам.
type Service struct {
	summaries domain.SummaryRepo
	content   domain.ContentStore
	llm       domain.LLMService
	ledger    *ledger.Service
	log       zerolog.Logger
	cfg       Config
}

// NewService создаёт оркестратор суммаризации.
func NewService(summaries domain.SummaryRepo, content domain.ContentStore, llm domain.LLMService, ledgerSvc *ledger.Service, log zerolog.Logger, cfg Config) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Service{summaries: summaries, content: content, llm: llm, ledger: ledgerSvc, log: log, cfg: cfg}
}

// ProcessItems строит общие резюме для всех (элемент, вариант). Ошибка
// одного элемента логируется и не прерывает цикл; элемент без резюме
// останется кандидатом следующего цикла.
func (s *Service) ProcessItems(ctx context.Context, items []domain.Item, variants []domain.SummaryVariant) error {
	start := time.Now()
	defer func() { metrics.SummarizeCycleSeconds.Observe(time.Since(start).Seconds()) }()

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, variant := range variants {
			if variant.IsPersonal() {
				continue
			}
			if _, err := s.summaries.GetShared(item.ID, variant); err == nil {
				continue
			}
			if err := s.SummarizeItem(ctx, item, variant, nil); err != nil {
				metrics.SummarizeItemFailures.Inc()
				s.log.Warn().Err(err).Int64("item", item.ID).Str("variant", string(variant)).
					Msg("summarize: элемент остался без резюме, будет повторён")
			}
		}
	}
	return nil
}

// SummarizeItem строит одно резюме. userID != nil означает персональный
// вариант. Дубликат в хранилище трактуется как уже сделанная работа.
func (s *Service) SummarizeItem(ctx context.Context, item domain.Item, variant domain.SummaryVariant, userID *int64) error {
	text, err := s.content.FetchContent(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("контент элемента %d: %w", item.ID, err)
	}

	var result domain.GenerationResult
	chunks := SplitChunks(text, s.cfg.ChunkSize)
	if len(chunks) <= 1 {
		result, err = s.summarizeDirect(ctx, item, variant, text)
	} else {
		result, err = s.mapReduce(ctx, item, variant, chunks)
	}
	if err != nil {
		return err
	}

	ledgerUser := int64(systemUserID)
	if userID != nil {
		ledgerUser = *userID
	}
	if err := s.ledger.Record(ledgerUser, result.PromptTokens, result.CompletionTokens); err != nil {
		s.log.Warn().Err(err).Int64("item", item.ID).Msg("summarize: не удалось записать токены")
	}

	summary := domain.Summary{
		ItemID:           item.ID,
		UserID:           userID,
		Variant:          variant,
		Text:             result.Text,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		Cost:             s.ledger.Cost(result.PromptTokens, result.CompletionTokens),
	}
	if _, created, err := s.summaries.SaveSummary(summary); err != nil {
		return fmt.Errorf("сохранение резюме: %w", err)
	} else if !created {
		s.log.Debug().Int64("item", item.ID).Str("variant", string(variant)).Msg("summarize: резюме уже существует")
	}
	return nil
}

func (s *Service) summarizeDirect(ctx context.Context, item domain.Item, variant domain.SummaryVariant, text string) (domain.GenerationResult, error) {
	res, err := s.llm.Generate(ctx, domain.GenerationRequest{
		System: variantSystemPrompt(variant),
		Prompt: fmt.Sprintf("Сделай резюме материала «%s».\n\n%s", item.Title, text),
	})
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("суммаризация элемента %d: %w", item.ID, err)
	}
	return res, nil
}

type chunkResult struct {
	index   int
	summary string
	tokens  [2]int
	err     error
}

func (s *Service) mapReduce(ctx context.Context, item domain.Item, variant domain.SummaryVariant, chunks []string) (domain.GenerationResult, error) {
	results := make([]chunkResult, len(chunks))
	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := s.cfg.Workers
	if workers > len(chunks) {
		workers = len(chunks)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				res, err := s.llm.Generate(ctx, domain.GenerationRequest{
					System: variantSystemPrompt(variant),
					Prompt: fmt.Sprintf("Кратко перескажи фрагмент %d из %d материала «%s», сохраняя факты.\n\n%s",
						idx+1, len(chunks), item.Title, chunks[idx]),
				})
				results[idx] = chunkResult{index: idx, summary: res.Text, tokens: [2]int{res.PromptTokens, res.CompletionTokens}, err: err}
			}
		}()
	}
	for idx := range chunks {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return domain.GenerationResult{}, err
	}

	// Сбор в исходном порядке независимо от порядка завершения воркеров.
	var ordered []string
	promptTokens, completionTokens := 0, 0
	for _, res := range results {
		if res.err != nil {
			metrics.SummarizeChunkFailures.Inc()
			s.log.Warn().Err(res.err).Int64("item", item.ID).Int("chunk", res.index+1).
				Msg("summarize: кусок пропущен после исчерпания повторов")
			continue
		}
		ordered = append(ordered, res.summary)
		promptTokens += res.tokens[0]
		completionTokens += res.tokens[1]
	}
	if len(ordered) == 0 {
		return domain.GenerationResult{}, fmt.Errorf("элемент %d: все куски завершились ошибкой", item.ID)
	}

	var b strings.Builder
	for i, part := range ordered {
		fmt.Fprintf(&b, "Фрагмент %d:\n%s\n\n", i+1, part)
	}
	reduced, err := s.llm.Generate(ctx, domain.GenerationRequest{
		System: variantSystemPrompt(variant),
		Prompt: fmt.Sprintf("Ниже пересказы фрагментов материала «%s» в исходном порядке. Сведи их в одно связное резюме.\n\n%s",
			item.Title, b.String()),
	})
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("сведение резюме элемента %d: %w", item.ID, err)
	}
	reduced.PromptTokens += promptTokens
	reduced.CompletionTokens += completionTokens
	return reduced, nil
}

func variantSystemPrompt(variant domain.SummaryVariant) string {
	switch variant {
	case domain.VariantTechnical:
		return "Ты редактор технического дайджеста. Сохраняй термины, цифры и детали реализации."
	case domain.VariantPersonal:
		return "Ты персональный редактор. Учитывай интересы читателя из контекста."
	default:
		return "Ты редактор дайджеста. Пиши кратко, сохраняй факты и не выдумывай нового."
	}
}
