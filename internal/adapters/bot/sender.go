package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-reader-bot/internal/adapters/telegram"
	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
)

// Sender реализует domain.Messenger поверх Bot API. Длинные тексты режутся
// на части, кнопки прикрепляются к первой части. Ошибки Bot API
// классифицируются: 403 — получатель недоступен, 429 — превышен темп.
type Sender struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.Messenger = (*Sender)(nil)

// NewSender создаёт отправитель сообщений.
func NewSender(bot *tgbotapi.BotAPI, log zerolog.Logger) *Sender {
	return &Sender{bot: bot, log: log}
}

// Send реализует domain.Messenger. Возвращает ссылку на первое отправленное
// сообщение.
func (s *Sender) Send(ctx context.Context, chatID int64, text string, actions []domain.MessageAction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var ref string
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && len(actions) > 0 {
			markup := actionKeyboard(actions)
			msg.ReplyMarkup = &markup
		}
		start := time.Now()
		sent, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			return "", classifySendError(err)
		}
		if i == 0 {
			ref = fmt.Sprintf("%d:%d", chatID, sent.MessageID)
		}
	}
	return ref, nil
}

func actionKeyboard(actions []domain.MessageAction) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, action := range actions {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(action.Label, action.Data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case 403:
		return fmt.Errorf("%w: %s", domain.ErrRecipientUnreachable, apiErr.Message)
	case 429:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Message)
	default:
		return err
	}
}
