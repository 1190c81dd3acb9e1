package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo         = (*Postgres)(nil)
	_ domain.ItemRepo         = (*Postgres)(nil)
	_ domain.SummaryRepo      = (*Postgres)(nil)
	_ domain.DeliveryRepo     = (*Postgres)(nil)
	_ domain.TokenLedgerRepo  = (*Postgres)(nil)
	_ domain.ConversationRepo = ConversationStore{}
	_ domain.MemoryRepo       = MemoryStore{}
)

// ConversationStore — представление Postgres как domain.ConversationRepo.
// Отдельный тип нужен из-за совпадения имён Create (domain.DeliveryRepo)
// и GetByID (domain.UserRepo).
type ConversationStore struct {
	*Postgres
}

// Create реализует domain.ConversationRepo.
func (s ConversationStore) Create(c domain.Conversation) (domain.Conversation, error) {
	return s.CreateConversation(c)
}

// GetByID реализует domain.ConversationRepo.
func (s ConversationStore) GetByID(id int64) (domain.Conversation, error) {
	return s.GetConversation(id)
}

// MemoryStore — представление Postgres как domain.MemoryRepo. Отдельный тип
// нужен из-за совпадения имени ListActive с domain.UserRepo.
type MemoryStore struct {
	*Postgres
}

// ListActive реализует domain.MemoryRepo.
func (s MemoryStore) ListActive(userID int64, limit int) ([]domain.MemoryEntry, error) {
	return s.ListActiveMemory(userID, limit)
}

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// UpsertByTGID реализует domain.UserRepo.
func (p *Postgres) UpsertByTGID(profile domain.TelegramProfile) (domain.User, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	locale := strings.TrimSpace(profile.Locale)

	var (
		user    domain.User
		created bool
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO users (tg_user_id, chat_id, locale, variant, status)
VALUES ($1, $2, COALESCE(NULLIF($3,''),'ru-RU'), 'basic', 'active')
ON CONFLICT (tg_user_id) DO UPDATE SET chat_id = EXCLUDED.chat_id, locale = EXCLUDED.locale, updated_at = now()
RETURNING id, tg_user_id, chat_id, locale, variant, status, last_seen_item_id, created_at, updated_at, (xmax = 0) AS inserted
`, profile.TGUserID, profile.ChatID, locale).
		Scan(&user.ID, &user.TGUserID, &user.ChatID, &user.Locale, &user.Variant, &user.Status, &user.LastSeenItemID, &user.CreatedAt, &user.UpdatedAt, &created)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, false, err
	}
	return user, created, nil
}

// GetByID реализует domain.UserRepo.
func (p *Postgres) GetByID(id int64) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var user domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, tg_user_id, chat_id, locale, variant, status, last_seen_item_id, created_at, updated_at
FROM users WHERE id = $1
`, id).
		Scan(&user.ID, &user.TGUserID, &user.ChatID, &user.Locale, &user.Variant, &user.Status, &user.LastSeenItemID, &user.CreatedAt, &user.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "users_get_by_id", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// GetByTGID реализует domain.UserRepo.
func (p *Postgres) GetByTGID(tgUserID int64) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var user domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, tg_user_id, chat_id, locale, variant, status, last_seen_item_id, created_at, updated_at
FROM users WHERE tg_user_id = $1
`, tgUserID).
		Scan(&user.ID, &user.TGUserID, &user.ChatID, &user.Locale, &user.Variant, &user.Status, &user.LastSeenItemID, &user.CreatedAt, &user.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// ListActive реализует domain.UserRepo.
func (p *Postgres) ListActive() ([]domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, tg_user_id, chat_id, locale, variant, status, last_seen_item_id, created_at, updated_at
FROM users WHERE status = 'active' ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "users_list_active", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.ID, &user.TGUserID, &user.ChatID, &user.Locale, &user.Variant, &user.Status, &user.LastSeenItemID, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdateWatermark реализует domain.UserRepo. Вотермарк только растёт.
func (p *Postgres) UpdateWatermark(userID, itemID int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE users SET last_seen_item_id = $2, updated_at = now()
WHERE id = $1 AND last_seen_item_id < $2
`, userID, itemID)
	metrics.ObserveNetworkRequest("postgres", "users_watermark", "users", start, err)
	return err
}

// UpdateVariant реализует domain.UserRepo.
func (p *Postgres) UpdateVariant(userID int64, variant domain.SummaryVariant) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE users SET variant = $2, updated_at = now() WHERE id = $1`, userID, string(variant))
	metrics.ObserveNetworkRequest("postgres", "users_variant", "users", start, err)
	return err
}

// SetStatus реализует domain.UserRepo.
func (p *Postgres) SetStatus(userID int64, status domain.UserStatus) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE users SET status = $2, updated_at = now() WHERE id = $1`, userID, string(status))
	metrics.ObserveNetworkRequest("postgres", "users_status", "users", start, err)
	return err
}

// SaveItems реализует domain.ItemRepo. Повторная загрузка тех же id — no-op.
func (p *Postgres) SaveItems(items []domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
INSERT INTO items (id, title, url, source, ingested_at)
VALUES ($1, $2, $3, $4, COALESCE($5, now()))
ON CONFLICT (id) DO NOTHING
`, item.ID, item.Title, item.URL, item.Source, nullTime(item.IngestedAt))
	}

	start := time.Now()
	results := p.pool.SendBatch(ctx, batch)
	err := func() error {
		defer results.Close()
		for range items {
			if _, err := results.Exec(); err != nil {
				return err
			}
		}
		return nil
	}()
	metrics.ObserveNetworkRequest("postgres", "items_save", "items", start, err)
	return err
}

// GetItem реализует domain.ItemRepo.
func (p *Postgres) GetItem(id int64) (domain.Item, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var item domain.Item
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT id, title, url, source, ingested_at FROM items WHERE id = $1`, id).
		Scan(&item.ID, &item.Title, &item.URL, &item.Source, &item.IngestedAt)
	metrics.ObserveNetworkRequest("postgres", "items_get", "items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, domain.ErrItemNotFound
	}
	if err != nil {
		return domain.Item{}, err
	}
	return item, nil
}

// ListAfter реализует domain.ItemRepo.
func (p *Postgres) ListAfter(afterID int64, limit int) ([]domain.Item, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, title, url, source, ingested_at FROM items WHERE id > $1 ORDER BY id LIMIT $2
`, afterID, limit)
	metrics.ObserveNetworkRequest("postgres", "items_list_after", "items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListLatest реализует domain.ItemRepo. Результат по возрастанию id.
func (p *Postgres) ListLatest(limit int) ([]domain.Item, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, title, url, source, ingested_at FROM (
    SELECT id, title, url, source, ingested_at FROM items ORDER BY id DESC LIMIT $1
) latest ORDER BY id
`, limit)
	metrics.ObserveNetworkRequest("postgres", "items_list_latest", "items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// MaxID реализует domain.ItemRepo.
func (p *Postgres) MaxID() (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var maxID int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM items`).Scan(&maxID)
	metrics.ObserveNetworkRequest("postgres", "items_max_id", "items", start, err)
	return maxID, err
}

func scanItems(rows pgx.Rows) ([]domain.Item, error) {
	var items []domain.Item
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ID, &item.Title, &item.URL, &item.Source, &item.IngestedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SaveSummary реализует domain.SummaryRepo. Уникальность общих резюме
// держит частичный индекс (item_id, variant) WHERE user_id IS NULL,
// персональных — (item_id, user_id, variant) WHERE user_id IS NOT NULL.
func (p *Postgres) SaveSummary(s domain.Summary) (domain.Summary, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var userID sql.NullInt64
	if s.UserID != nil {
		userID = sql.NullInt64{Int64: *s.UserID, Valid: true}
	}

	query := `
INSERT INTO summaries (item_id, user_id, variant, text, prompt_tokens, completion_tokens, cost)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (item_id, variant) WHERE user_id IS NULL DO NOTHING
RETURNING id, created_at
`
	operation := "summaries_insert_shared"
	if s.UserID != nil {
		query = `
INSERT INTO summaries (item_id, user_id, variant, text, prompt_tokens, completion_tokens, cost)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (item_id, user_id, variant) WHERE user_id IS NOT NULL DO NOTHING
RETURNING id, created_at
`
		operation = "summaries_insert_personal"
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, query, s.ItemID, userID, string(s.Variant), s.Text, s.PromptTokens, s.CompletionTokens, s.Cost).
		Scan(&s.ID, &s.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", operation, "summaries", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, false, nil
	}
	if err != nil {
		return domain.Summary{}, false, err
	}
	return s, true, nil
}

// GetShared реализует domain.SummaryRepo.
func (p *Postgres) GetShared(itemID int64, variant domain.SummaryVariant) (domain.Summary, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var s domain.Summary
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, item_id, variant, text, prompt_tokens, completion_tokens, cost, created_at
FROM summaries WHERE item_id = $1 AND variant = $2 AND user_id IS NULL
`, itemID, string(variant)).
		Scan(&s.ID, &s.ItemID, &s.Variant, &s.Text, &s.PromptTokens, &s.CompletionTokens, &s.Cost, &s.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "summaries_get_shared", "summaries", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Summary{}, domain.ErrSummaryNotFound
	}
	if err != nil {
		return domain.Summary{}, err
	}
	return s, nil
}

// GetPersonal реализует domain.SummaryRepo.
func (p *Postgres) GetPersonal(itemID, userID int64) (domain.Summary, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var s domain.Summary
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, item_id, user_id, variant, text, prompt_tokens, completion_tokens, cost, created_at
FROM summaries WHERE item_id = $1 AND user_id = $2 AND variant = 'personal'
`, itemID, userID).
		Scan(&s.ID, &s.ItemID, &s.UserID, &s.Variant, &s.Text, &s.PromptTokens, &s.CompletionTokens, &s.Cost, &s.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "summaries_get_personal", "summaries", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Summary{}, domain.ErrSummaryNotFound
	}
	if err != nil {
		return domain.Summary{}, err
	}
	return s, nil
}

// ListMissingShared реализует domain.SummaryRepo.
func (p *Postgres) ListMissingShared(itemIDs []int64, variant domain.SummaryVariant) ([]int64, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT wanted.id FROM unnest($1::bigint[]) AS wanted(id)
WHERE NOT EXISTS (
    SELECT 1 FROM summaries s
    WHERE s.item_id = wanted.id AND s.variant = $2 AND s.user_id IS NULL
)
ORDER BY wanted.id
`, itemIDs, string(variant))
	metrics.ObserveNetworkRequest("postgres", "summaries_missing", "summaries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var missing []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		missing = append(missing, id)
	}
	return missing, rows.Err()
}

// Create реализует domain.DeliveryRepo. При конфликте (user_id, item_id)
// возвращается существующая строка и created=false.
func (p *Postgres) Create(d domain.Delivery) (domain.Delivery, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO deliveries (user_id, item_id, batch_id, variant)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, item_id) DO NOTHING
RETURNING id
`, d.UserID, d.ItemID, d.BatchID, string(d.Variant)).Scan(&d.ID)
	metrics.ObserveNetworkRequest("postgres", "deliveries_insert", "deliveries", start, err)
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Delivery{}, false, err
	}

	var (
		existing domain.Delivery
		ref      sql.NullString
		reaction sql.NullString
		sentAt   sql.NullTime
	)
	start = time.Now()
	err = p.pool.QueryRow(ctx, `
SELECT id, user_id, item_id, batch_id, variant, message_ref, saved, reaction, sent_at
FROM deliveries WHERE user_id = $1 AND item_id = $2
`, d.UserID, d.ItemID).
		Scan(&existing.ID, &existing.UserID, &existing.ItemID, &existing.BatchID, &existing.Variant, &ref, &existing.Saved, &reaction, &sentAt)
	metrics.ObserveNetworkRequest("postgres", "deliveries_get", "deliveries", start, err)
	if err != nil {
		return domain.Delivery{}, false, err
	}
	existing.MessageRef = ref.String
	existing.Reaction = reaction.String
	if sentAt.Valid {
		existing.SentAt = sentAt.Time
	}
	return existing, false, nil
}

// SetMessageRef реализует domain.DeliveryRepo.
func (p *Postgres) SetMessageRef(deliveryID int64, ref string, sentAt time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE deliveries SET message_ref = $2, sent_at = $3 WHERE id = $1`, deliveryID, ref, sentAt)
	metrics.ObserveNetworkRequest("postgres", "deliveries_ref", "deliveries", start, err)
	return err
}

// SetSaved реализует domain.DeliveryRepo.
func (p *Postgres) SetSaved(userID, itemID int64, saved bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE deliveries SET saved = $3 WHERE user_id = $1 AND item_id = $2`, userID, itemID, saved)
	metrics.ObserveNetworkRequest("postgres", "deliveries_saved", "deliveries", start, err)
	return err
}

// SetReaction реализует domain.DeliveryRepo.
func (p *Postgres) SetReaction(userID, itemID int64, reaction string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE deliveries SET reaction = $3 WHERE user_id = $1 AND item_id = $2`, userID, itemID, reaction)
	metrics.ObserveNetworkRequest("postgres", "deliveries_reaction", "deliveries", start, err)
	return err
}

// CreateConversation открывает сессию обсуждения. Вторую активную сессию
// пользователя отклоняет частичный уникальный индекс по user_id WHERE
// ended_at IS NULL; нарушение транслируется в ErrConversationActive.
func (p *Postgres) CreateConversation(c domain.Conversation) (domain.Conversation, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	payload, err := json.Marshal(c.Messages)
	if err != nil {
		return domain.Conversation{}, err
	}

	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO conversations (user_id, item_id, messages, prompt_tokens, completion_tokens, started_at, last_activity_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()), COALESCE($7, now()))
RETURNING id, started_at, last_activity_at
`, c.UserID, c.ItemID, payload, c.PromptTokens, c.CompletionTokens, nullTime(c.StartedAt), nullTime(c.LastActivityAt)).
		Scan(&c.ID, &c.StartedAt, &c.LastActivityAt)
	metrics.ObserveNetworkRequest("postgres", "conversations_insert", "conversations", start, err)
	if isUniqueViolation(err) {
		return domain.Conversation{}, domain.ErrConversationActive
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}

const conversationColumns = `id, user_id, item_id, messages, prompt_tokens, completion_tokens, started_at, last_activity_at, ended_at, extracted_at`

// GetConversation возвращает сессию по id; см. ConversationStore.GetByID.
func (p *Postgres) GetConversation(id int64) (domain.Conversation, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	metrics.ObserveNetworkRequest("postgres", "conversations_get", "conversations", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, domain.ErrNoActiveConversation
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// GetActive реализует domain.ConversationRepo.
func (p *Postgres) GetActive(userID int64) (domain.Conversation, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE user_id = $1 AND ended_at IS NULL`, userID)
	conv, err := scanConversation(row)
	metrics.ObserveNetworkRequest("postgres", "conversations_get_active", "conversations", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, domain.ErrNoActiveConversation
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// UpdateMessages реализует domain.ConversationRepo.
func (p *Postgres) UpdateMessages(id int64, messages domain.MessageList, promptTokens, completionTokens int, lastActivity time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	payload, err := json.Marshal(messages)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE conversations SET messages = $2, prompt_tokens = $3, completion_tokens = $4, last_activity_at = $5
WHERE id = $1 AND ended_at IS NULL
`, id, payload, promptTokens, completionTokens, lastActivity)
	metrics.ObserveNetworkRequest("postgres", "conversations_update", "conversations", start, err)
	return err
}

// CloseIfIdle реализует domain.ConversationRepo. Закрытие атомарно
// перепроверяет, что активность не сдвинулась после выборки: гонка с
// новой репликой решается в пользу реплики.
func (p *Postgres) CloseIfIdle(id int64, lastSeen, now time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE conversations SET ended_at = $3
WHERE id = $1 AND ended_at IS NULL AND last_activity_at <= $2
`, id, lastSeen, now)
	metrics.ObserveNetworkRequest("postgres", "conversations_close_idle", "conversations", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Close реализует domain.ConversationRepo. Идемпотентно: повторное закрытие
// возвращает false.
func (p *Postgres) Close(id int64, now time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE conversations SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`, id, now)
	metrics.ObserveNetworkRequest("postgres", "conversations_close", "conversations", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListIdleActive реализует domain.ConversationRepo.
func (p *Postgres) ListIdleActive(before time.Time) ([]domain.Conversation, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+conversationColumns+` FROM conversations WHERE ended_at IS NULL AND last_activity_at < $1
`, before)
	metrics.ObserveNetworkRequest("postgres", "conversations_list_idle", "conversations", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

// ListClosedUnextracted реализует domain.ConversationRepo.
func (p *Postgres) ListClosedUnextracted(limit int) ([]domain.Conversation, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+conversationColumns+` FROM conversations
WHERE ended_at IS NOT NULL AND extracted_at IS NULL
ORDER BY ended_at LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "conversations_list_pending", "conversations", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

// MarkExtracted реализует domain.ConversationRepo.
func (p *Postgres) MarkExtracted(id int64, at time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE conversations SET extracted_at = $2 WHERE id = $1 AND extracted_at IS NULL`, id, at)
	metrics.ObserveNetworkRequest("postgres", "conversations_mark_extracted", "conversations", start, err)
	return err
}

type conversationRow interface {
	Scan(dest ...any) error
}

func scanConversation(row conversationRow) (domain.Conversation, error) {
	var (
		conv    domain.Conversation
		payload []byte
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.ItemID, &payload, &conv.PromptTokens, &conv.CompletionTokens, &conv.StartedAt, &conv.LastActivityAt, &conv.EndedAt, &conv.ExtractedAt); err != nil {
		return domain.Conversation{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &conv.Messages); err != nil {
			return domain.Conversation{}, err
		}
	}
	return conv, nil
}

func scanConversations(rows pgx.Rows) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// SaveEntries реализует domain.MemoryRepo.
func (p *Postgres) SaveEntries(entries []domain.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	batch := &pgx.Batch{}
	for _, entry := range entries {
		var convID sql.NullInt64
		if entry.ConversationID != nil {
			convID = sql.NullInt64{Int64: *entry.ConversationID, Valid: true}
		}
		batch.Queue(`
INSERT INTO memory_entries (user_id, kind, text, confidence, active, conversation_id)
VALUES ($1, $2, $3, $4, $5, $6)
`, entry.UserID, string(entry.Kind), entry.Text, entry.Confidence, entry.Active, convID)
	}

	start := time.Now()
	results := p.pool.SendBatch(ctx, batch)
	err := func() error {
		defer results.Close()
		for range entries {
			if _, err := results.Exec(); err != nil {
				return err
			}
		}
		return nil
	}()
	metrics.ObserveNetworkRequest("postgres", "memory_save", "memory_entries", start, err)
	return err
}

// ListActiveMemory возвращает активные записи памяти, свежие первыми.
func (p *Postgres) ListActiveMemory(userID int64, limit int) ([]domain.MemoryEntry, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, kind, text, confidence, active, conversation_id, created_at
FROM memory_entries WHERE user_id = $1 AND active
ORDER BY created_at DESC, id DESC LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "memory_list", "memory_entries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.MemoryEntry
	for rows.Next() {
		var (
			entry  domain.MemoryEntry
			convID sql.NullInt64
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Kind, &entry.Text, &entry.Confidence, &entry.Active, &convID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if convID.Valid {
			id := convID.Int64
			entry.ConversationID = &id
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Deactivate реализует domain.MemoryRepo.
func (p *Postgres) Deactivate(userID, entryID int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE memory_entries SET active = false WHERE id = $2 AND user_id = $1`, userID, entryID)
	metrics.ObserveNetworkRequest("postgres", "memory_deactivate", "memory_entries", start, err)
	return err
}

// Add реализует domain.TokenLedgerRepo: суточный агрегат только растёт.
func (p *Postgres) Add(rec domain.TokenUsageRecord) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO token_usage (user_id, day, prompt_tokens, completion_tokens, cost)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, day) DO UPDATE SET
    prompt_tokens = token_usage.prompt_tokens + EXCLUDED.prompt_tokens,
    completion_tokens = token_usage.completion_tokens + EXCLUDED.completion_tokens,
    cost = token_usage.cost + EXCLUDED.cost
`, rec.UserID, rec.Day, rec.PromptTokens, rec.CompletionTokens, rec.Cost)
	metrics.ObserveNetworkRequest("postgres", "token_usage_add", "token_usage", start, err)
	return err
}

// DailyTotal реализует domain.TokenLedgerRepo. День без записей — нулевой
// агрегат, не ошибка.
func (p *Postgres) DailyTotal(userID int64, day time.Time) (domain.TokenUsageRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	rec := domain.TokenUsageRecord{UserID: userID, Day: day}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT prompt_tokens, completion_tokens, cost FROM token_usage WHERE user_id = $1 AND day = $2
`, userID, day).Scan(&rec.PromptTokens, &rec.CompletionTokens, &rec.Cost)
	metrics.ObserveNetworkRequest("postgres", "token_usage_total", "token_usage", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return domain.TokenUsageRecord{}, err
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
