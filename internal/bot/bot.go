// Package bot содержит Telegram-часть воркера, polling нажатий кнопок
// и отправку сообщений рулетки.
package bot

import (
	"context"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/roulette-helper/internal/bot/filters"
	"serotonyl.ru/roulette-helper/internal/bot/middleware"
	"serotonyl.ru/roulette-helper/internal/config"
	"serotonyl.ru/roulette-helper/internal/features/roulette"
)

// Bot: polling апдейтов и маршрутизация нажатий в рулетку.
type Bot struct {
	api *tgbotapi.BotAPI
	cfg *config.Config

	chatFilter  *filters.ChatFilter
	rateLimiter *middleware.RateLimiter

	rouletteHandler *roulette.Handler

	parser *CommandParser

	// ограничитель параллелизма обработки апдейтов
	inflight chan struct{}
	handle   func(ctx context.Context, update tgbotapi.Update)
}

// New создаёт новый экземпляр бота со всеми зависимостями.
func New(
	api *tgbotapi.BotAPI,
	cfg *config.Config,
	rouletteHandler *roulette.Handler,
	chatFilter *filters.ChatFilter,
) *Bot {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}

	b := &Bot{
		api:             api,
		cfg:             cfg,
		chatFilter:      chatFilter,
		rateLimiter:     middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		rouletteHandler: rouletteHandler,
		parser:          NewCommandParser(),
		inflight:        make(chan struct{}, maxInFlight),
	}
	b.handle = b.handleUpdate
	return b
}

// Start запускает polling обновлений от Telegram. Возвращается после отмены ctx.
func (b *Bot) Start(ctx context.Context) error {
	defer b.rateLimiter.Close()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.BotUpdateTimeoutSeconds
	u.AllowedUpdates = []string{"callback_query", "message"}

	updates := b.api.GetUpdatesChan(u)

	log.WithFields(log.Fields{
		"max_inflight": b.cfg.BotMaxInflight,
		"timeout_sec":  b.cfg.BotUpdateTimeoutSeconds,
	}).Info("Бот запущен и ожидает нажатий...")

	b.serve(ctx, updates, b.api.StopReceivingUpdates)
	return nil
}

// serve раздаёт апдейты горутинам и перед возвратом ждёт, пока отработают
// уже запущенные: после Start приложение закрывает пул БД.
func (b *Bot) serve(ctx context.Context, updates <-chan tgbotapi.Update, stop func()) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			log.Info("Бот останавливается (ctx done)...")
			stop()
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Канал updates закрыт, бот остановлен")
				return
			}

			// лимит параллелизма
			select {
			case b.inflight <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			wg.Add(1)
			go func(upd tgbotapi.Update) {
				defer wg.Done()
				defer func() { <-b.inflight }()
				b.handle(ctx, upd)
			}(update)
		}
	}
}

// handleUpdate обрабатывает одно обновление от Telegram.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer middleware.RecoverFromPanic(update.UpdateID)

	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}

	message := update.Message
	if message == nil || message.Text == "" || message.From == nil || message.Chat == nil {
		return
	}
	if !b.chatFilter.AllowChat(message.Chat.ID) {
		return
	}

	cmd, args, isCommand := b.parser.ParseCommand(message.Text)
	if !isCommand {
		return
	}
	middleware.LogMessage(message)

	if !b.rateLimiter.Allow(message.From.ID) {
		log.WithField("user_id", message.From.ID).Debug("rate limited")
		return
	}
	b.routeCommand(ctx, message.Chat.ID, cmd, args)
}

// handleCallback разбирает нажатие кнопки. Ответ на callback всегда
// пустой: чужой или поздний клик не должен получать никакой реакции.
func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	defer b.answerCallback(cb.ID)

	if !roulette.IsRouletteCallback(cb.Data) {
		return
	}
	middleware.LogCallback(cb)

	if !b.chatFilter.CheckCallback(cb) {
		return
	}
	if !b.rateLimiter.Allow(cb.From.ID) {
		log.WithField("user_id", cb.From.ID).Debug("rate limited")
		return
	}

	if err := b.rouletteHandler.HandleCallback(ctx, cb.Data, cb.From.ID); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id": cb.From.ID,
			"data":    cb.Data,
		}).Error("Ошибка обработки нажатия")
	}
}

func (b *Bot) answerCallback(id string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, "")); err != nil {
		log.WithError(err).Debug("Не удалось ответить на callback")
	}
}

// routeCommand маршрутизирует команду к нужному обработчику.
func (b *Bot) routeCommand(ctx context.Context, chatID int64, cmd string, args []string) {
	log.WithFields(log.Fields{
		"cmd":  cmd,
		"args": args,
	}).Debug("routing command")

	switch cmd {
	case "start", "help":
		b.sendMessage(chatID, "🎡 Я веду рулетку основного бота. Команды: /status <id игры>")

	case "status", "рулетка":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		b.rouletteHandler.HandleStatus(ctx, chatID, id)
	}
}

// sendMessage: утилита для отправки простого текста.
func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}

// CommandParser парсит команды с префиксами !, . и /
type CommandParser struct {
	validPrefixes []string
}

// NewCommandParser создаёт парсер команд.
func NewCommandParser() *CommandParser {
	return &CommandParser{
		validPrefixes: []string{"!", ".", "/"},
	}
}

// ParseCommand разбирает текст на команду и аргументы.
// "/status@roulette_bot 42" → ("status", ["42"], true).
func (p *CommandParser) ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)

	hasPrefix := false
	for _, prefix := range p.validPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return "", nil, false
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}

	// в группах Telegram дописывает к команде @имя_бота
	command, _, _ := strings.Cut(parts[0], "@")
	command = strings.ToLower(command)
	if command == "" {
		return "", nil, false
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return command, args, true
}
