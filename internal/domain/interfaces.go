package domain

import (
	"context"
	"time"
)

// UserRepo управляет пользователями и их вотермарками.
type UserRepo interface {
	UpsertByTGID(profile TelegramProfile) (User, bool, error)
	GetByID(id int64) (User, error)
	GetByTGID(tgUserID int64) (User, error)
	ListActive() ([]User, error)
	UpdateWatermark(userID, itemID int64) error
	UpdateVariant(userID int64, variant SummaryVariant) error
	SetStatus(userID int64, status UserStatus) error
}

// ItemRepo управляет элементами ленты.
type ItemRepo interface {
	SaveItems(items []Item) error
	GetItem(id int64) (Item, error)
	ListAfter(afterID int64, limit int) ([]Item, error)
	ListLatest(limit int) ([]Item, error)
	MaxID() (int64, error)
}

// SummaryRepo хранит резюме. Дубликат (item, user, variant) не ошибка:
// SaveSummary возвращает created=false.
type SummaryRepo interface {
	SaveSummary(s Summary) (Summary, bool, error)
	GetShared(itemID int64, variant SummaryVariant) (Summary, error)
	GetPersonal(itemID, userID int64) (Summary, error)
	ListMissingShared(itemIDs []int64, variant SummaryVariant) ([]int64, error)
}

// DeliveryRepo хранит факты доставки. Create идемпотентен по (user, item):
// при конфликте возвращает существующую строку и created=false.
type DeliveryRepo interface {
	Create(d Delivery) (Delivery, bool, error)
	SetMessageRef(deliveryID int64, ref string, sentAt time.Time) error
	SetSaved(userID, itemID int64, saved bool) error
	SetReaction(userID, itemID int64, reaction string) error
}

// ConversationRepo управляет сессиями обсуждений. Create обязан атомарно
// отклонять вторую активную сессию пользователя через ограничение БД.
type ConversationRepo interface {
	Create(c Conversation) (Conversation, error)
	GetByID(id int64) (Conversation, error)
	GetActive(userID int64) (Conversation, error)
	UpdateMessages(id int64, messages MessageList, promptTokens, completionTokens int, lastActivity time.Time) error
	// CloseIfIdle закрывает сессию, только если активность не сдвинулась
	// после lastSeen. Возвращает true, если закрытие выполнено этим вызовом.
	CloseIfIdle(id int64, lastSeen, now time.Time) (bool, error)
	// Close закрывает сессию идемпотентно; true — закрыта этим вызовом.
	Close(id int64, now time.Time) (bool, error)
	ListIdleActive(before time.Time) ([]Conversation, error)
	ListClosedUnextracted(limit int) ([]Conversation, error)
	MarkExtracted(id int64, at time.Time) error
}

// MemoryRepo хранит долговременные факты о пользователях.
type MemoryRepo interface {
	SaveEntries(entries []MemoryEntry) error
	ListActive(userID int64, limit int) ([]MemoryEntry, error)
	Deactivate(userID, entryID int64) error
}

// TokenLedgerRepo ведёт суточные агрегаты токенов. Add только прибавляет.
type TokenLedgerRepo interface {
	Add(rec TokenUsageRecord) error
	DailyTotal(userID int64, day time.Time) (TokenUsageRecord, error)
}

// FeedSource отдаёт элементы ленты с id больше указанного.
type FeedSource interface {
	FetchAfter(ctx context.Context, afterID int64, limit int) ([]Item, error)
}

// ContentStore возвращает извлечённый текст элемента по id.
type ContentStore interface {
	FetchContent(ctx context.Context, itemID int64) (string, error)
}

// GenerationRequest описывает один вызов LLM.
type GenerationRequest struct {
	System    string
	Prompt    string
	History   MessageList
	MaxTokens int
}

// GenerationResult содержит текст ответа и статистику токенов.
type GenerationResult struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// LLMService выполняет генерацию с повторами и таймаутом на вызов.
type LLMService interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// MessageAction — интерактивная кнопка под сообщением.
type MessageAction struct {
	Label string
	Data  string
}

// Messenger отправляет сообщения пользователям. Ошибки классифицируются
// через ErrRateLimited и ErrRecipientUnreachable; остальное — временный сбой.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, actions []MessageAction) (string, error)
}

// Cache используется для простых TTL-хранилищ и проекции UserState.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
