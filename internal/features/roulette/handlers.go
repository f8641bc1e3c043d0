// handlers.go: разбор нажатий кнопок и тексты сообщений.

package roulette

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/roulette-helper/internal/common"
	"serotonyl.ru/roulette-helper/internal/config"
)

// Действия в callback data.
const (
	ActionBet    = "roulette_bet"
	ActionCancel = "roulette_cancel"
)

// Button: inline-кнопка.
type Button struct {
	Text string
	Data string
}

// Keyboard: ряды inline-кнопок.
type Keyboard [][]Button

// Messenger: всё, что воркеру нужно от мессенджера.
type Messenger interface {
	// SendPrompt отправляет сообщение с кнопками и возвращает его id.
	SendPrompt(ctx context.Context, chatID int64, text string, keyboard Keyboard) (int, error)
	// EditPrompt меняет текст промпта и убирает кнопки.
	EditPrompt(ctx context.Context, chatID int64, messageID int, text string) error
	SendOutcomeAsset(ctx context.Context, chatID int64, slot Slot, caption string) error
	SendText(ctx context.Context, chatID int64, text string) error
	DeletePrompt(ctx context.Context, chatID int64, messageID int) error
}

// Callback содержит разобранные callback data (действие, игра, выбор).
type Callback struct {
	Action        string
	CorrelationID string
	Choice        string
}

// BetData собирает callback data кнопки ставки.
func BetData(correlationID, betKey string) string {
	return ActionBet + ":" + correlationID + ":" + betKey
}

// CancelData собирает callback data кнопки отмены.
func CancelData(correlationID string) string {
	return ActionCancel + ":" + correlationID
}

// ParseCallback разбирает "roulette_bet:<id>:<ставка>" и "roulette_cancel:<id>".
func ParseCallback(data string) (Callback, error) {
	parts := strings.Split(data, ":")
	bad := fmt.Errorf("%w: %q", common.ErrMalformedCallback, data)

	switch parts[0] {
	case ActionBet:
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return Callback{}, bad
		}
		return Callback{Action: ActionBet, CorrelationID: parts[1], Choice: parts[2]}, nil
	case ActionCancel:
		if len(parts) != 2 || parts[1] == "" {
			return Callback{}, bad
		}
		return Callback{Action: ActionCancel, CorrelationID: parts[1]}, nil
	}
	return Callback{}, bad
}

// IsRouletteCallback: наши ли это callback data.
func IsRouletteCallback(data string) bool {
	return strings.HasPrefix(data, ActionBet+":") || strings.HasPrefix(data, ActionCancel+":")
}

// Handler принимает нажатия кнопок и готовит тексты для outbox.
type Handler struct {
	service   *Service
	messenger Messenger
	cfg       *config.Config
}

// NewHandler создаёт обработчик рулетки.
func NewHandler(service *Service, messenger Messenger, cfg *config.Config) *Handler {
	return &Handler{
		service:   service,
		messenger: messenger,
		cfg:       cfg,
	}
}

// HandleCallback маршрутизирует нажатие кнопки.
// Чужие, поздние и битые нажатия молча игнорируются: наружу уходит
// только настоящий сбой (БД и т.п.).
func (h *Handler) HandleCallback(ctx context.Context, data string, fromID int64) error {
	cb, err := ParseCallback(data)
	if err != nil {
		log.WithField("data", data).Debug("Некорректные callback data")
		return nil
	}

	switch cb.Action {
	case ActionBet:
		_, err = h.service.PlaceBet(ctx, cb.CorrelationID, fromID, cb.Choice)
	case ActionCancel:
		_, err = h.service.Cancel(ctx, cb.CorrelationID, fromID)
	}
	if isSilent(err) {
		return nil
	}
	return err
}

func isSilent(err error) bool {
	return err == nil ||
		errors.Is(err, common.ErrUnknownBet) ||
		errors.Is(err, common.ErrUnauthorized) ||
		errors.Is(err, common.ErrSessionNotActive)
}

// HandleStatus отвечает в чат состоянием сессии.
func (h *Handler) HandleStatus(ctx context.Context, chatID int64, correlationID string) {
	if correlationID == "" {
		h.reply(ctx, chatID, "Использование: /status &lt;id игры&gt;")
		return
	}
	session, err := h.service.Lookup(ctx, correlationID)
	if err != nil {
		log.WithError(err).WithField("correlation_id", correlationID).Debug("Сессия не найдена")
		h.reply(ctx, chatID, "❌ Игра не найдена")
		return
	}
	h.reply(ctx, chatID, h.RenderStatus(session))
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.messenger.SendText(ctx, chatID, text); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}

// === Тексты ===

func (h *Handler) stake(amount int64) string {
	return common.FormatStake(amount, h.cfg.CurrencyDecimals, h.cfg.CurrencyName)
}

// BettingKeyboard: кнопки ставок и отмены для игры.
func BettingKeyboard(correlationID string) Keyboard {
	rows := [][]string{
		{"RED", "BLACK"},
		{"EVEN", "ODD"},
		{"LOW", "HIGH"},
		{"DOZEN_1", "DOZEN_2", "DOZEN_3"},
		{"COLUMN_1", "COLUMN_2", "COLUMN_3"},
	}
	kb := make(Keyboard, 0, len(rows)+1)
	for _, keys := range rows {
		row := make([]Button, 0, len(keys))
		for _, key := range keys {
			bet := bets[key]
			row = append(row, Button{Text: betLabel(bet), Data: BetData(correlationID, key)})
		}
		kb = append(kb, row)
	}
	kb = append(kb, []Button{{Text: "❌ Отмена", Data: CancelData(correlationID)}})
	return kb
}

func betLabel(b Bet) string {
	switch b.Key {
	case "RED":
		return "🔴 " + b.Name
	case "BLACK":
		return "⚫ " + b.Name
	}
	return b.Name
}

func slotEmoji(s Slot) string {
	switch s.Color() {
	case "red":
		return "🔴"
	case "black":
		return "⚫"
	}
	return "🟢"
}

// RenderPrompt: приглашение сделать ставку.
func (h *Handler) RenderPrompt(s *Session) (string, Keyboard) {
	name := s.State.InitiatorName
	if name == "" {
		name = "Игрок"
	}
	text := fmt.Sprintf(
		"🎡 <b>Рулетка!</b> 🎡\n\nИгрок: %s\nСтавка: %s\n\nВыбирай, на что ставим. На раздумья %s:",
		common.EscapeHTML(name),
		h.stake(s.BetAmount),
		common.FormatSeconds(h.cfg.BettingWindow),
	)
	return text, BettingKeyboard(s.CorrelationID)
}

// RenderSpin: промпт после ставки, вместо кнопок.
func (h *Handler) RenderSpin(in Intent) string {
	name := in.BetKey
	if bet, err := LookupBet(in.BetKey); err == nil {
		name = bet.Name
	}
	return fmt.Sprintf("Крутим колесо, ставка на <b>%s</b>...", common.EscapeHTML(name))
}

// RenderOutcomeCaption: подпись к выпавшему числу.
func (h *Handler) RenderOutcomeCaption(slot Slot) string {
	return fmt.Sprintf("%s Выпало <b>%s</b>", slotEmoji(slot), slot)
}

// RenderResult: итог ставки.
func (h *Handler) RenderResult(s *Session, in Intent) string {
	name := common.EscapeHTML(s.State.InitiatorName)
	slot := "?"
	if in.Slot != nil {
		slot = slotEmoji(*in.Slot) + " " + in.Slot.String()
	}
	betName := in.BetKey
	if bet, err := LookupBet(in.BetKey); err == nil {
		betName = bet.Name
	}

	if in.Outcome == OutcomeWin {
		payout := "—"
		if in.NetPayout != nil {
			payout = h.stake(in.NetPayout.IntPart())
		}
		return fmt.Sprintf(
			"🎉 %s, ставка на <b>%s</b> сыграла! Выпало %s.\nМножитель x%d, к выплате %s",
			name, common.EscapeHTML(betName), slot, in.Multiplier, payout,
		)
	}
	return fmt.Sprintf(
		"😔 %s, ставка на <b>%s</b> не сыграла. Выпало %s.",
		name, common.EscapeHTML(betName), slot,
	)
}

// RenderCancelled: текст промпта после отмены.
func (h *Handler) RenderCancelled(s *Session) string {
	return fmt.Sprintf("❌ Игра отменена. Ставка %s не сыграна.", h.stake(s.BetAmount))
}

// RenderTimeout: текст промпта после таймаута.
func (h *Handler) RenderTimeout(s *Session) string {
	return fmt.Sprintf("⌛ Время на ставку вышло. Ставка %s не сыграна.", h.stake(s.BetAmount))
}

// RenderStatus: короткая сводка по сессии.
func (h *Handler) RenderStatus(s *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎡 Игра <b>%s</b>\n", common.EscapeHTML(s.CorrelationID))
	fmt.Fprintf(&b, "Статус: %s\n", s.Status)
	fmt.Fprintf(&b, "Ставка: %s\n", h.stake(s.BetAmount))
	if s.State.BetValue != "" {
		fmt.Fprintf(&b, "На что: %s\n", common.EscapeHTML(s.State.BetValue))
	}
	if s.State.WinningSlot != nil {
		fmt.Fprintf(&b, "Выпало: %s %s\n", slotEmoji(*s.State.WinningSlot), s.State.WinningSlot)
	}
	if s.State.Outcome != "" {
		fmt.Fprintf(&b, "Исход: %s\n", s.State.Outcome)
	}
	if s.State.Settlement != nil {
		fmt.Fprintf(&b, "К выплате: %s\n", h.stake(s.State.Settlement.NetPayout.IntPart()))
	}
	return strings.TrimRight(b.String(), "\n")
}
