// Package roulette реализует воркер рулетки: подхват сессии, приём одной
// ставки до дедлайна и однократную запись результата.
// models.go описывает сессию, её статусы и документ состояния.
package roulette

import (
	"fmt"
	"time"

	"serotonyl.ru/roulette-helper/internal/common"
)

// Status: статус строки roulette_sessions.
type Status string

const (
	StatusPendingPickup Status = "pending_pickup"
	StatusInProgress    Status = "in_progress"
	StatusCompletedWin  Status = "completed_win"
	StatusCompletedLoss Status = "completed_loss"
)

// IsTerminal: после терминального статуса строка для нас только на чтение.
func (s Status) IsTerminal() bool {
	return s == StatusCompletedWin || s == StatusCompletedLoss
}

// Outcome: исход внутри документа состояния.
// completed_loss кодирует и проигрыш, и отмену, и таймаут.
type Outcome string

const (
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimeout   Outcome = "timeout"
)

// Trigger: событие, двигающее автомат.
type Trigger string

const (
	TriggerClaim   Trigger = "claim"
	TriggerWin     Trigger = "win"
	TriggerLoss    Trigger = "loss"
	TriggerCancel  Trigger = "cancel"
	TriggerTimeout Trigger = "timeout"
)

// NextStatus вычисляет следующий статус по текущему и событию.
// Любой переход не из таблицы, ErrInvalidTransition.
func NextStatus(cur Status, trig Trigger) (Status, error) {
	switch cur {
	case StatusPendingPickup:
		if trig == TriggerClaim {
			return StatusInProgress, nil
		}
	case StatusInProgress:
		switch trig {
		case TriggerWin:
			return StatusCompletedWin, nil
		case TriggerLoss, TriggerCancel, TriggerTimeout:
			return StatusCompletedLoss, nil
		}
	}
	return cur, fmt.Errorf("%w: %s --%s--> ?", common.ErrInvalidTransition, cur, trig)
}

// Session: строка roulette_sessions.
type Session struct {
	ID            int64      `db:"session_id"`
	CorrelationID string     `db:"correlation_id"`
	ChatID        int64      `db:"chat_id"`
	UserID        int64      `db:"user_id"`
	BetAmount     int64      `db:"bet_amount"` // в минимальных единицах (лампорты)
	Status        Status     `db:"status"`
	State         State      `db:"game_state_json"`
	WorkerID      *string    `db:"worker_id"`
	DeadlineAt    *time.Time `db:"deadline_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// State: документ game_state_json.
// Поля только дописываются: однажды заданное значение не переписывается.
// Неизвестные нам ключи основного бота сохраняются: репозиторий пишет
// документ через jsonb-слияние, а не заменой.
type State struct {
	InitiatorName    string      `json:"initiatorName,omitempty"`
	PromptMessageID  *int        `json:"promptMessageId,omitempty"`
	BetCategory      string      `json:"betCategory,omitempty"`
	BetValue         string      `json:"betValue,omitempty"`
	WinningSlot      *Slot       `json:"winningSlot,omitempty"`
	Outcome          Outcome     `json:"outcome,omitempty"`
	PayoutMultiplier *int64      `json:"payoutMultiplier,omitempty"`
	Settlement       *Settlement `json:"settlement,omitempty"`
}

func (s State) hasBet() bool     { return s.BetValue != "" && s.BetCategory != "" }
func (s State) hasOutcome() bool { return s.Outcome != "" || s.PayoutMultiplier != nil || s.WinningSlot != nil }

// Validate проверяет, что набор полей соответствует статусу.
func (s State) Validate(status Status) error {
	invalid := func(reason string) error {
		return fmt.Errorf("%w: %s: %s", common.ErrInvalidState, status, reason)
	}

	switch status {
	case StatusPendingPickup:
		if s.hasBet() || s.hasOutcome() {
			return invalid("ставка или исход до подхвата")
		}
	case StatusInProgress:
		if s.hasOutcome() {
			return invalid("исход у активной сессии")
		}
	case StatusCompletedWin:
		if !s.hasBet() || s.WinningSlot == nil {
			return invalid("нет ставки или выпавшей ячейки")
		}
		if s.Outcome != OutcomeWin {
			return invalid("outcome должен быть win")
		}
		if s.PayoutMultiplier == nil || *s.PayoutMultiplier <= 0 {
			return invalid("множитель выигрыша должен быть > 0")
		}
	case StatusCompletedLoss:
		switch s.Outcome {
		case OutcomeLoss:
			if !s.hasBet() || s.WinningSlot == nil {
				return invalid("проигрыш без ставки или ячейки")
			}
		case OutcomeCancelled, OutcomeTimeout:
			if s.WinningSlot != nil {
				return invalid("у отмены/таймаута не бывает ячейки")
			}
		default:
			return invalid(fmt.Sprintf("недопустимый outcome %q", s.Outcome))
		}
		if s.PayoutMultiplier == nil || *s.PayoutMultiplier != 0 {
			return invalid("множитель проигрыша должен быть 0")
		}
	default:
		return invalid("неизвестный статус")
	}
	return nil
}

// checkAppendOnly убеждается, что next не переписывает уже заданные поля prev.
func checkAppendOnly(prev, next State) error {
	conflict := func(field string) error {
		return fmt.Errorf("%w: поле %s уже задано", common.ErrInvalidState, field)
	}
	if prev.InitiatorName != "" && prev.InitiatorName != next.InitiatorName {
		return conflict("initiatorName")
	}
	if prev.PromptMessageID != nil && (next.PromptMessageID == nil || *next.PromptMessageID != *prev.PromptMessageID) {
		return conflict("promptMessageId")
	}
	if prev.BetCategory != "" && prev.BetCategory != next.BetCategory {
		return conflict("betCategory")
	}
	if prev.BetValue != "" && prev.BetValue != next.BetValue {
		return conflict("betValue")
	}
	if prev.WinningSlot != nil && (next.WinningSlot == nil || *next.WinningSlot != *prev.WinningSlot) {
		return conflict("winningSlot")
	}
	if prev.Outcome != "" && prev.Outcome != next.Outcome {
		return conflict("outcome")
	}
	if prev.PayoutMultiplier != nil && (next.PayoutMultiplier == nil || *next.PayoutMultiplier != *prev.PayoutMultiplier) {
		return conflict("payoutMultiplier")
	}
	if prev.Settlement != nil && next.Settlement == nil {
		return conflict("settlement")
	}
	return nil
}

// Expired: дедлайн ставки наступил к моменту now.
func (s *Session) Expired(now time.Time) bool {
	return s.DeadlineAt != nil && !now.Before(*s.DeadlineAt)
}

// Advance применяет событие к сессии: проверяет переход, append-only
// и соответствие документа новому статусу. Сессию меняет только при успехе.
func (s *Session) Advance(trig Trigger, next State) error {
	status, err := NextStatus(s.Status, trig)
	if err != nil {
		return err
	}
	if err := checkAppendOnly(s.State, next); err != nil {
		return err
	}
	if err := next.Validate(status); err != nil {
		return err
	}
	s.Status = status
	s.State = next
	return nil
}

// OutboxKind: вид отложенного внешнего действия.
type OutboxKind string

const (
	KindPrompt       OutboxKind = "prompt"        // сообщение с кнопками ставок
	KindSpin         OutboxKind = "spin"          // «Крутим...» вместо кнопок
	KindOutcomeAsset OutboxKind = "outcome_asset" // выпавшее число
	KindResult       OutboxKind = "result"        // итог ставки
	KindCancelled    OutboxKind = "cancelled"
	KindTimeout      OutboxKind = "timeout"
	KindDeletePrompt OutboxKind = "delete_prompt"
)

// OutboxItem: строка roulette_outbox.
type OutboxItem struct {
	ID           int64      `db:"id"`
	SessionID    int64      `db:"session_id"`
	Kind         OutboxKind `db:"kind"`
	Payload      []byte     `db:"payload"`
	RetryCount   int        `db:"retry_count"`
	DeliverAfter time.Time  `db:"deliver_after"`
}
