package domain

import "time"

// MessageRole описывает автора сообщения в обсуждении.
type MessageRole string

const (
	// RoleSystem — системный контекст, никогда не вытесняется.
	RoleSystem MessageRole = "system"
	// RoleUser — сообщение пользователя.
	RoleUser MessageRole = "user"
	// RoleAssistant — ответ модели.
	RoleAssistant MessageRole = "assistant"
)

// ConversationMessage — одно сообщение обсуждения.
type ConversationMessage struct {
	Role   MessageRole `json:"role"`
	Text   string      `json:"text"`
	SentAt time.Time   `json:"sent_at"`
}

// MessageList — упорядоченный список сообщений обсуждения. Только добавление
// в конец и ограниченное вытеснение с головы.
type MessageList []ConversationMessage

// Append добавляет сообщение в конец списка.
func (l MessageList) Append(role MessageRole, text string, at time.Time) MessageList {
	return append(l, ConversationMessage{Role: role, Text: text, SentAt: at})
}

// Truncate вытесняет старейшие сообщения до максимума max. Первое системное
// сообщение сохраняется всегда.
func (l MessageList) Truncate(max int) MessageList {
	if max <= 0 || len(l) <= max {
		return l
	}
	if len(l) > 0 && l[0].Role == RoleSystem {
		keep := max - 1
		if keep < 0 {
			keep = 0
		}
		tail := l[len(l)-keep:]
		out := make(MessageList, 0, max)
		out = append(out, l[0])
		out = append(out, tail...)
		return out
	}
	return append(MessageList(nil), l[len(l)-max:]...)
}

// Conversation — одна сессия обсуждения элемента. У пользователя может быть
// не более одной строки с EndedAt == nil.
type Conversation struct {
	ID               int64
	UserID           int64
	ItemID           int64
	Messages         MessageList
	PromptTokens     int
	CompletionTokens int
	StartedAt        time.Time
	LastActivityAt   time.Time
	EndedAt          *time.Time
	ExtractedAt      *time.Time
}

// Active сообщает, открыта ли сессия.
func (c Conversation) Active() bool { return c.EndedAt == nil }
