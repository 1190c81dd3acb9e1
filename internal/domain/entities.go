package domain

import "time"

// UserStatus описывает состояние получателя рассылки.
type UserStatus string

const (
	// UserStatusActive — пользователь получает дайджесты.
	UserStatusActive UserStatus = "active"
	// UserStatusBlocked — доставка невозможна, пользователь пропускается.
	UserStatusBlocked UserStatus = "blocked"
)

// SummaryVariant задаёт стиль резюме.
type SummaryVariant string

const (
	// VariantBasic — короткое резюме для всех.
	VariantBasic SummaryVariant = "basic"
	// VariantTechnical — резюме с техническими деталями.
	VariantTechnical SummaryVariant = "technical"
	// VariantPersonal — персональное резюме, строится отдельно для каждого пользователя.
	VariantPersonal SummaryVariant = "personal"
)

// IsPersonal сообщает, требует ли вариант отдельной генерации на пользователя.
func (v SummaryVariant) IsPersonal() bool { return v == VariantPersonal }

// User описывает пользователя Telegram в системе.
type User struct {
	ID             int64
	TGUserID       int64
	ChatID         int64
	Locale         string
	Variant        SummaryVariant
	Status         UserStatus
	LastSeenItemID int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TelegramProfile содержит данные профиля из апдейта.
type TelegramProfile struct {
	TGUserID int64
	ChatID   int64
	Locale   string
}

// Item представляет единицу контента из ленты. Идентификатор назначается
// лентой, растёт монотонно и никогда не переиспользуется.
type Item struct {
	ID         int64
	Title      string
	URL        string
	Source     string
	IngestedAt time.Time
}

// Summary содержит резюме одного элемента в одном варианте.
// Уникально по (ItemID, UserID, Variant); UserID == nil означает общее резюме.
type Summary struct {
	ID               int64
	ItemID           int64
	UserID           *int64
	Variant          SummaryVariant
	Text             string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	CreatedAt        time.Time
}

// Delivery фиксирует отправку элемента пользователю. Повторная доставка
// запрещена уникальностью (UserID, ItemID).
type Delivery struct {
	ID         int64
	UserID     int64
	ItemID     int64
	BatchID    string
	Variant    SummaryVariant
	MessageRef string
	Saved      bool
	Reaction   string
	SentAt     time.Time
}

// MemoryKind классифицирует запись памяти о пользователе.
type MemoryKind string

const (
	// MemoryInterest — интерес пользователя.
	MemoryInterest MemoryKind = "interest"
	// MemoryPreference — предпочтение по подаче материала.
	MemoryPreference MemoryKind = "preference"
	// MemoryContext — рабочий контекст пользователя.
	MemoryContext MemoryKind = "context"
	// MemoryNote — заметка из обсуждения.
	MemoryNote MemoryKind = "note"
)

// MemoryEntry — долговременный факт о пользователе.
type MemoryEntry struct {
	ID             int64
	UserID         int64
	Kind           MemoryKind
	Text           string
	Confidence     float64
	Active         bool
	ConversationID *int64
	CreatedAt      time.Time
}

// UserMode описывает текущий режим пользователя.
type UserMode string

const (
	// ModeIdle — пользователь пассивно получает дайджесты.
	ModeIdle UserMode = "idle"
	// ModeDiscussion — пользователь обсуждает конкретный элемент.
	ModeDiscussion UserMode = "discussion"
	// ModeOnboarding — первый контакт, настройка профиля.
	ModeOnboarding UserMode = "onboarding"
)

// UserState — быстрая проекция состояния пользователя. Восстанавливается из
// строк Conversation с EndedAt == nil, хранится в эфемерном сторе.
type UserState struct {
	Mode           UserMode  `json:"mode"`
	ItemID         int64     `json:"item_id,omitempty"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// TokenUsageRecord — суточный агрегат токенов и стоимости по пользователю.
type TokenUsageRecord struct {
	UserID           int64
	Day              time.Time
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}
