package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
)

// AssemblerConfig задаёт границы сборки контекста обсуждения.
type AssemblerConfig struct {
	// MemoryLimit — сколько последних записей памяти попадает в контекст.
	MemoryLimit int
	// ContentLimit — максимум рун исходного текста в контексте.
	ContentLimit int
	// CacheTTL — время жизни собранного контекста в кеше.
	CacheTTL time.Duration
}

// Assembler собирает системный контекст обсуждения элемента: материал,
// резюме и память о пользователе. Собранный контекст кешируется на время
// жизни обсуждения. Недоступность исходного текста деградирует до резюме,
// недоступность памяти — до пустого блока; обсуждение не блокируется.
type Assembler struct {
	items     domain.ItemRepo
	summaries domain.SummaryRepo
	memory    domain.MemoryRepo
	content   domain.ContentStore
	cache     domain.Cache
	log       zerolog.Logger
	cfg       AssemblerConfig
}

// NewAssembler создаёт сборщик контекста.
func NewAssembler(items domain.ItemRepo, summaries domain.SummaryRepo, memory domain.MemoryRepo, content domain.ContentStore, cache domain.Cache, log zerolog.Logger, cfg AssemblerConfig) *Assembler {
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 10
	}
	if cfg.ContentLimit <= 0 {
		cfg.ContentLimit = 12000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	return &Assembler{items: items, summaries: summaries, memory: memory, content: content, cache: cache, log: log, cfg: cfg}
}

func contextKey(userID, itemID int64) string {
	return fmt.Sprintf("convctx:%d:%d", userID, itemID)
}

// SystemPrompt возвращает системный контекст обсуждения, из кеша или собрав
// заново. Ошибка возможна только если сам элемент не найден.
func (a *Assembler) SystemPrompt(ctx context.Context, user domain.User, itemID int64) (string, error) {
	key := contextKey(user.ID, itemID)
	if cached, err := a.cache.Get(ctx, key); err == nil {
		return string(cached), nil
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		a.log.Warn().Err(err).Str("key", key).Msg("assembler: кеш недоступен, собираем заново")
	}

	item, err := a.items.GetItem(itemID)
	if err != nil {
		return "", fmt.Errorf("элемент %d: %w", itemID, err)
	}

	prompt := a.build(ctx, user, item)
	if err := a.cache.Set(ctx, key, []byte(prompt), a.cfg.CacheTTL); err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("assembler: контекст не закеширован")
	}
	return prompt, nil
}

// Invalidate сбрасывает закешированный контекст обсуждения.
func (a *Assembler) Invalidate(ctx context.Context, userID, itemID int64) {
	if err := a.cache.Delete(ctx, contextKey(userID, itemID)); err != nil {
		a.log.Warn().Err(err).Int64("user", userID).Int64("item", itemID).Msg("assembler: кеш не сброшен")
	}
}

func (a *Assembler) build(ctx context.Context, user domain.User, item domain.Item) string {
	var b strings.Builder
	b.WriteString("Ты помощник читателя: обсуждаешь с ним один материал, отвечаешь кратко и по существу, не выдумываешь фактов сверх контекста.\n\n")
	fmt.Fprintf(&b, "Материал: «%s»", item.Title)
	if item.URL != "" {
		fmt.Fprintf(&b, " (%s)", item.URL)
	}
	b.WriteString("\n\n")

	b.WriteString(a.materialBlock(ctx, user, item))

	if entries := a.memoryBlock(user.ID); entries != "" {
		b.WriteString("\nЧто известно о читателе:\n")
		b.WriteString(entries)
	}
	return b.String()
}

// materialBlock возвращает текст материала с деградацией: полный текст,
// иначе резюме, иначе только заголовок.
func (a *Assembler) materialBlock(ctx context.Context, user domain.User, item domain.Item) string {
	text, err := a.content.FetchContent(ctx, item.ID)
	if err == nil {
		runes := []rune(text)
		if len(runes) > a.cfg.ContentLimit {
			runes = runes[:a.cfg.ContentLimit]
		}
		return "Текст материала:\n" + string(runes) + "\n"
	}
	a.log.Warn().Err(err).Int64("item", item.ID).Msg("assembler: текст недоступен, деградация до резюме")

	variant := user.Variant
	if variant == "" || variant.IsPersonal() {
		variant = domain.VariantBasic
	}
	if summary, err := a.summaries.GetShared(item.ID, variant); err == nil {
		return "Резюме материала (полный текст недоступен):\n" + summary.Text + "\n"
	}
	if summary, err := a.summaries.GetPersonal(item.ID, user.ID); err == nil {
		return "Резюме материала (полный текст недоступен):\n" + summary.Text + "\n"
	}
	return "Полный текст и резюме недоступны, опирайся на заголовок и отвечай осторожно.\n"
}

func (a *Assembler) memoryBlock(userID int64) string {
	entries, err := a.memory.ListActive(userID, a.cfg.MemoryLimit)
	if err != nil {
		a.log.Warn().Err(err).Int64("user", userID).Msg("assembler: память недоступна")
		return ""
	}
	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "- [%s] %s\n", entry.Kind, entry.Text)
	}
	return b.String()
}
