package repo

import (
	"testing"

	"tg-reader-bot/internal/domain"
)

// Имена Create, ListActive и GetByID совпадают у разных контрактов, но
// с разными сигнатурами: один получатель не может реализовать оба. Тест
// фиксирует, что типы-представления разводят их и каждый вариант GetByID
// возвращает свой тип.
func TestStoreViewsResolveMethodCollisions(t *testing.T) {
	var pg *Postgres

	var _ domain.UserRepo = pg
	var _ domain.DeliveryRepo = pg
	var _ domain.ConversationRepo = ConversationStore{Postgres: pg}
	var _ domain.MemoryRepo = MemoryStore{Postgres: pg}

	var _ func(int64) (domain.User, error) = pg.GetByID
	var _ func(int64) (domain.Conversation, error) = ConversationStore{Postgres: pg}.GetByID
	var _ func(int64) (domain.Conversation, error) = pg.GetConversation
}
