// errors.go определяет ошибки, общие для всех модулей воркера.
// Обработчики различают по ним «нормальные» исходы протокола (проиграли гонку,
// чужой клик) и настоящие сбои.

package common

import "errors"

// Ошибки протокола сессии
var (
	// ErrClaimConflict: сессию уже подхватил другой воркер или её нет в pending_pickup.
	// Это не ошибка, а проигранная гонка: логируем на debug и выходим.
	ErrClaimConflict = errors.New("сессия уже захвачена или не ожидает подхвата")
	// ErrSessionNotActive: сессия уже не в in_progress (ставка/отмена/таймаут опоздали)
	ErrSessionNotActive = errors.New("сессия не активна")
	// ErrUnauthorized: нажал не тот пользователь, к которому привязана сессия
	ErrUnauthorized = errors.New("пользователь не привязан к сессии")
	// ErrInvalidTransition: недопустимый переход статуса
	ErrInvalidTransition = errors.New("недопустимый переход статуса")
	// ErrInvalidState: документ состояния не соответствует статусу
	ErrInvalidState = errors.New("некорректный документ состояния")
)

// Ошибки входных данных
var (
	// ErrMalformedNotification: не смогли разобрать уведомление о новой игре
	ErrMalformedNotification = errors.New("некорректное уведомление")
	// ErrUnknownBet: неизвестный ключ ставки в callback data
	ErrUnknownBet = errors.New("неизвестный тип ставки")
	// ErrMalformedCallback: callback data не в формате action:id[:choice]
	ErrMalformedCallback = errors.New("некорректные callback data")
)
