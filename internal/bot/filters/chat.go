// Package filters отсекает апдейты из чатов, где воркер не работает.
package filters

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// ChatFilter пропускает только разрешённые чаты. Пустой список, все чаты.
type ChatFilter struct {
	allowed map[int64]struct{}
}

func NewChatFilter(allowedChatIDs []int64) *ChatFilter {
	allowed := make(map[int64]struct{}, len(allowedChatIDs))
	for _, id := range allowedChatIDs {
		allowed[id] = struct{}{}
	}
	return &ChatFilter{allowed: allowed}
}

// AllowChat: работаем ли мы в этом чате.
func (f *ChatFilter) AllowChat(chatID int64) bool {
	if len(f.allowed) == 0 {
		return true
	}
	_, ok := f.allowed[chatID]
	return ok
}

// CheckCallback проверяет нажатие кнопки. Нажатие без сообщения
// (inline-режим) или без автора не принимаем.
func (f *ChatFilter) CheckCallback(cb *tgbotapi.CallbackQuery) bool {
	if cb == nil || cb.From == nil {
		log.WithField("component", "ChatFilter").Warn("nil callback/from")
		return false
	}
	if cb.Message == nil || cb.Message.Chat == nil {
		log.WithFields(log.Fields{
			"component": "ChatFilter",
			"user_id":   cb.From.ID,
		}).Debug("deny: callback без сообщения")
		return false
	}

	chatID := cb.Message.Chat.ID
	if !f.AllowChat(chatID) {
		log.WithFields(log.Fields{
			"component": "ChatFilter",
			"chat_id":   chatID,
			"user_id":   cb.From.ID,
		}).Info("deny: чат не в списке разрешённых")
		return false
	}
	return true
}
