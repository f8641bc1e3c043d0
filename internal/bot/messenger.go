// messenger.go: отправка сообщений рулетки через Telegram Bot API.

package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/roulette-helper/internal/features/roulette"
)

// Sender: часть *tgbotapi.BotAPI, которой пользуется Messenger.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Messenger реализует roulette.Messenger поверх Telegram.
type Messenger struct {
	api      Sender
	stickers map[string]string
}

// NewMessenger создаёт Telegram-мессенджер. stickers, file_id стикеров
// по строке ячейки ("0".."36", "00").
func NewMessenger(api Sender, stickers map[string]string) *Messenger {
	return &Messenger{api: api, stickers: stickers}
}

var _ roulette.Messenger = (*Messenger)(nil)

func (m *Messenger) SendPrompt(ctx context.Context, chatID int64, text string, keyboard roulette.Keyboard) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = InlineKeyboard(keyboard)

	sent, err := m.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("ошибка отправки промпта: %w", err)
	}
	return sent.MessageID, nil
}

// EditPrompt меняет текст; без reply_markup Telegram снимает кнопки.
func (m *Messenger) EditPrompt(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML

	if _, err := m.api.Request(edit); err != nil {
		// повторная доставка того же текста
		if isTelegramError(err, "message is not modified") {
			return nil
		}
		return fmt.Errorf("ошибка правки промпта: %w", err)
	}
	return nil
}

// SendOutcomeAsset шлёт стикер выпавшего числа, а без стикера, подпись текстом.
func (m *Messenger) SendOutcomeAsset(ctx context.Context, chatID int64, slot roulette.Slot, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fileID, ok := m.stickers[slot.String()]; ok && fileID != "" {
		_, err := m.api.Send(tgbotapi.NewSticker(chatID, tgbotapi.FileID(fileID)))
		if err == nil {
			return nil
		}
		log.WithError(err).WithField("slot", slot.String()).Warn("Стикер не отправился, шлём текст")
	}
	return m.SendText(ctx, chatID, caption)
}

func (m *Messenger) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := m.api.Send(msg); err != nil {
		return fmt.Errorf("ошибка отправки сообщения: %w", err)
	}
	return nil
}

func (m *Messenger) DeletePrompt(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		if isTelegramError(err, "message to delete not found") {
			return nil
		}
		return fmt.Errorf("ошибка удаления промпта: %w", err)
	}
	return nil
}

// InlineKeyboard переводит кнопки рулетки в разметку Telegram.
func InlineKeyboard(kb roulette.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func isTelegramError(err error, fragment string) bool {
	return err != nil && strings.Contains(err.Error(), fragment)
}
