package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
	"tg-reader-bot/internal/usecase/conversation"
	"tg-reader-bot/internal/usecase/delivery"
	"tg-reader-bot/internal/usecase/ledger"
	"tg-reader-bot/internal/usecase/memory"
)

// Handler обслуживает вебхук бота.
type Handler struct {
	bot            *tgbotapi.BotAPI
	messenger      domain.Messenger
	log            zerolog.Logger
	users          domain.UserRepo
	conversationUC *conversation.Service
	memoryUC       *memory.Service
	deliveryUC     *delivery.Service
	ledgerUC       *ledger.Service
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, messenger domain.Messenger, log zerolog.Logger, users domain.UserRepo, conversationUC *conversation.Service, memoryUC *memory.Service, deliveryUC *delivery.Service, ledgerUC *ledger.Service) *Handler {
	return &Handler{
		bot:            bot,
		messenger:      messenger,
		log:            log,
		users:          users,
		conversationUC: conversationUC,
		memoryUC:       memoryUC,
		deliveryUC:     deliveryUC,
		ledgerUC:       ledgerUC,
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(ctx, msg)
	case strings.HasPrefix(text, "/help"):
		h.reply(ctx, msg.Chat.ID, h.buildHelpMessage(), nil)
	case strings.HasPrefix(text, "/variant"):
		h.reply(ctx, msg.Chat.ID, "Выберите стиль резюме:", variantActions())
	case strings.HasPrefix(text, "/end"):
		h.handleEnd(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/memory"):
		h.handleMemoryList(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/forget"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/forget"))
		h.handleForget(ctx, msg.Chat.ID, msg.From.ID, payload)
	case strings.HasPrefix(text, "/usage"):
		h.handleUsage(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/"):
		h.reply(ctx, msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
	default:
		h.handlePlainText(ctx, msg.Chat.ID, msg.From.ID, text)
	}
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	profile := domain.TelegramProfile{
		TGUserID: msg.From.ID,
		ChatID:   msg.Chat.ID,
		Locale:   msg.From.LanguageCode,
	}
	user, created, err := h.users.UpsertByTGID(profile)
	if err != nil {
		h.log.Error().Err(err).Int64("tg_user", msg.From.ID).Msg("bot: не удалось сохранить профиль")
		h.reply(ctx, msg.Chat.ID, "Не удалось сохранить профиль, попробуйте позже", nil)
		return
	}
	if created {
		h.conversationUC.SetMode(ctx, user.ID, domain.ModeOnboarding)
		h.reply(ctx, msg.Chat.ID, h.buildWelcomeMessage(), variantActions())
		return
	}
	h.reply(ctx, msg.Chat.ID, "С возвращением! Новые материалы придут по расписанию. /help — список команд.", nil)
}

func (h *Handler) handleEnd(ctx context.Context, chatID, tgUserID int64) {
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	err := h.conversationUC.EndDiscussion(ctx, user)
	if errors.Is(err, domain.ErrNoActiveConversation) {
		h.reply(ctx, chatID, "Сейчас нет активного обсуждения", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Msg("bot: не удалось завершить обсуждение")
		h.reply(ctx, chatID, "Не удалось завершить обсуждение, попробуйте позже", nil)
		return
	}
	h.reply(ctx, chatID, "Обсуждение завершено. Самое важное из него я запомню.", nil)
}

func (h *Handler) handleMemoryList(ctx context.Context, chatID, tgUserID int64) {
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	entries, err := h.memoryUC.List(user.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Msg("bot: не удалось получить память")
		h.reply(ctx, chatID, "Не удалось получить заметки, попробуйте позже", nil)
		return
	}
	if len(entries) == 0 {
		h.reply(ctx, chatID, "Я пока ничего о вас не запомнил. Заметки появляются после обсуждений.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("Что я о вас помню:\n")
	for _, entry := range entries {
		fmt.Fprintf(&b, "%d. %s\n", entry.ID, entry.Text)
	}
	b.WriteString("\nУдалить заметку: /forget номер")
	h.reply(ctx, chatID, b.String(), nil)
}

func (h *Handler) handleForget(ctx context.Context, chatID, tgUserID int64, payload string) {
	entryID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || entryID <= 0 {
		h.reply(ctx, chatID, "Укажите номер заметки: /forget 3. Список — /memory", nil)
		return
	}
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	if err := h.memoryUC.Forget(user.ID, entryID); err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Int64("entry", entryID).Msg("bot: не удалось удалить заметку")
		h.reply(ctx, chatID, "Не удалось удалить заметку, попробуйте позже", nil)
		return
	}
	h.reply(ctx, chatID, "Заметка удалена", nil)
}

func (h *Handler) handleUsage(ctx context.Context, chatID, tgUserID int64) {
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	total, err := h.ledgerUC.DailyTotal(user.ID, time.Now())
	if err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Msg("bot: не удалось получить расход")
		h.reply(ctx, chatID, "Не удалось получить расход, попробуйте позже", nil)
		return
	}
	h.reply(ctx, chatID, fmt.Sprintf(
		"Расход за сегодня: %d токенов запроса, %d токенов ответа, ~$%.4f",
		total.PromptTokens, total.CompletionTokens, total.Cost), nil)
}

func (h *Handler) handlePlainText(ctx context.Context, chatID, tgUserID int64, text string) {
	if text == "" {
		return
	}
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	state, err := h.conversationUC.State(ctx, user.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Msg("bot: не удалось получить состояние")
		h.reply(ctx, chatID, "Что-то пошло не так, попробуйте позже", nil)
		return
	}
	if state.Mode != domain.ModeDiscussion {
		h.reply(ctx, chatID, "Сейчас нет активного обсуждения. Нажмите «Обсудить» под любым дайджестом.", nil)
		return
	}
	reply, err := h.conversationUC.HandleTurn(ctx, user, text)
	if errors.Is(err, domain.ErrNoActiveConversation) {
		h.reply(ctx, chatID, "Обсуждение уже завершилось. Нажмите «Обсудить» под дайджестом, чтобы начать новое.", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Msg("bot: реплика не обработана")
		h.reply(ctx, chatID, "Что-то пошло не так, попробуйте позже", nil)
		return
	}
	h.reply(ctx, chatID, reply, []domain.MessageAction{{Label: "Завершить обсуждение", Data: "end"}})
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.From == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	data := cb.Data
	h.answerCallback(cb.ID)

	switch {
	case strings.HasPrefix(data, "variant:"):
		h.handleVariantChoice(ctx, chatID, cb.From.ID, strings.TrimPrefix(data, "variant:"))
	case strings.HasPrefix(data, "discuss:"):
		h.handleDiscuss(ctx, chatID, cb.From.ID, parseID(data))
	case strings.HasPrefix(data, "save:"):
		h.handleSave(ctx, chatID, cb.From.ID, parseID(data))
	case strings.HasPrefix(data, "react:"):
		itemID, reaction := parseReaction(data)
		h.handleReaction(ctx, chatID, cb.From.ID, itemID, reaction)
	case data == "end":
		h.handleEnd(ctx, chatID, cb.From.ID)
	}
}

func (h *Handler) handleVariantChoice(ctx context.Context, chatID, tgUserID int64, raw string) {
	variant := domain.SummaryVariant(raw)
	switch variant {
	case domain.VariantBasic, domain.VariantTechnical, domain.VariantPersonal:
	default:
		return
	}
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	if err := h.users.UpdateVariant(user.ID, variant); err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Msg("bot: не удалось сохранить вариант")
		h.reply(ctx, chatID, "Не удалось сохранить выбор, попробуйте позже", nil)
		return
	}
	h.conversationUC.SetMode(ctx, user.ID, domain.ModeIdle)
	h.reply(ctx, chatID, fmt.Sprintf("Готово, стиль резюме: %s. Новые материалы придут автоматически.", variantLabel(variant)), nil)
}

func (h *Handler) handleDiscuss(ctx context.Context, chatID, tgUserID, itemID int64) {
	if itemID <= 0 {
		return
	}
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	reply, err := h.conversationUC.StartDiscussion(ctx, user, itemID)
	if errors.Is(err, domain.ErrItemNotFound) {
		h.reply(ctx, chatID, "Этот материал уже недоступен", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Int64("item", itemID).Msg("bot: не удалось начать обсуждение")
		h.reply(ctx, chatID, "Не удалось начать обсуждение, попробуйте позже", nil)
		return
	}
	h.reply(ctx, chatID, reply, []domain.MessageAction{{Label: "Завершить обсуждение", Data: "end"}})
}

func (h *Handler) handleSave(ctx context.Context, chatID, tgUserID, itemID int64) {
	if itemID <= 0 {
		return
	}
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	if err := h.deliveryUC.MarkSaved(user.ID, itemID); err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Int64("item", itemID).Msg("bot: не удалось сохранить материал")
		return
	}
	h.reply(ctx, chatID, "Сохранено", nil)
}

func (h *Handler) handleReaction(ctx context.Context, chatID, tgUserID, itemID int64, reaction string) {
	if itemID <= 0 || reaction == "" {
		return
	}
	user, ok := h.resolveUser(ctx, chatID, tgUserID)
	if !ok {
		return
	}
	if err := h.deliveryUC.SetReaction(user.ID, itemID, reaction); err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Int64("item", itemID).Msg("bot: не удалось записать реакцию")
	}
}

// resolveUser находит пользователя по Telegram id. Незнакомому пользователю
// предлагается /start.
func (h *Handler) resolveUser(ctx context.Context, chatID, tgUserID int64) (domain.User, bool) {
	user, err := h.users.GetByTGID(tgUserID)
	if errors.Is(err, domain.ErrUserNotFound) {
		h.reply(ctx, chatID, "Сначала отправьте /start", nil)
		return domain.User{}, false
	}
	if err != nil {
		h.log.Error().Err(err).Int64("tg_user", tgUserID).Msg("bot: не удалось получить пользователя")
		h.reply(ctx, chatID, "Что-то пошло не так, попробуйте позже", nil)
		return domain.User{}, false
	}
	return user, true
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string, actions []domain.MessageAction) {
	if _, err := h.messenger.Send(ctx, chatID, text, actions); err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("bot: не удалось отправить ответ")
	}
}

func (h *Handler) answerCallback(callbackID string) {
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", "callback", start, err)
	if err != nil {
		h.log.Warn().Err(err).Msg("bot: не удалось подтвердить callback")
	}
}

func parseID(data string) int64 {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(parts[1], 10, 64)
	return id
}

func parseReaction(data string) (int64, string) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 {
		return 0, ""
	}
	id, _ := strconv.ParseInt(parts[1], 10, 64)
	return id, parts[2]
}

func variantActions() []domain.MessageAction {
	return []domain.MessageAction{
		{Label: "Коротко", Data: "variant:basic"},
		{Label: "Технично", Data: "variant:technical"},
		{Label: "Персонально", Data: "variant:personal"},
	}
}

func variantLabel(variant domain.SummaryVariant) string {
	switch variant {
	case domain.VariantTechnical:
		return "технический"
	case domain.VariantPersonal:
		return "персональный"
	default:
		return "короткий"
	}
}

func (h *Handler) buildWelcomeMessage() string {
	lines := []string{
		"👋 Привет! Я присылаю краткие резюме новых материалов и готов обсудить любой из них.",
		"",
		"Как это работает:",
		"1. Выберите стиль резюме кнопкой ниже.",
		"2. Новые материалы будут приходить автоматически.",
		"3. Под каждым резюме есть кнопки «Обсудить» и «Сохранить».",
		"",
		"Полный список команд — /help.",
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) buildHelpMessage() string {
	sections := []string{
		"📖 Команды:",
		"",
		"• /variant — выбрать стиль резюме: короткий, технический или персональный.",
		"• /end — завершить текущее обсуждение.",
		"• /memory — что я о вас запомнил из обсуждений.",
		"• /forget 3 — удалить заметку с номером 3.",
		"• /usage — расход токенов за сегодня.",
		"",
		"Чтобы обсудить материал, нажмите «Обсудить» под его резюме и просто пишите вопросы. Обсуждение закроется само после получаса тишины.",
	}
	return strings.Join(sections, "\n")
}
