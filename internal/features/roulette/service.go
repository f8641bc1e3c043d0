// service.go связывает подхват, ставку, отмену и таймаут
// в один автомат состояний поверх блокировок строк roulette_sessions.

package roulette

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/roulette-helper/internal/common"
	"serotonyl.ru/roulette-helper/internal/config"
	"serotonyl.ru/roulette-helper/internal/metrics"
)

// reconcileBatch: сколько сессий сверка берёт за один проход.
const reconcileBatch = 50

// timeoutBudget: сколько даём транзакции таймаута, запущенной из таймера.
const timeoutBudget = 30 * time.Second

// Service: автомат состояний сессии рулетки.
type Service struct {
	repo   *Repository
	timers *TimerRegistry
	wheel  Wheel
	fee    FeeRate
	cfg    *config.Config

	// wake будит диспетчер outbox после коммита с новыми намерениями.
	wake func()
}

// NewService создаёт сервис рулетки.
func NewService(repo *Repository, timers *TimerRegistry, cfg *config.Config) (*Service, error) {
	wheel, err := NewWheel(cfg.Wheel)
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:   repo,
		timers: timers,
		wheel:  wheel,
		fee:    FeeRate{Num: cfg.FeeNum, Den: cfg.FeeDen},
		cfg:    cfg,
		wake:   func() {},
	}, nil
}

// OnEnqueued задаёт функцию, которую сервис зовёт после коммита,
// записавшего что-то в outbox.
func (s *Service) OnEnqueued(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	s.wake = fn
}

// HandlePickup подхватывает новую сессию: in_progress, промпт в outbox,
// таймер ставки. Проигранная гонка (сессию взял другой воркер или её
// уже нет в pending_pickup) не считается ошибкой: возвращаем (nil, nil).
func (s *Service) HandlePickup(ctx context.Context, correlationID string) (*Session, error) {
	logger := log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"worker_id":      s.cfg.WorkerID,
	})

	var session *Session
	err := s.repo.InTx(ctx, func(tx pgx.Tx) error {
		deadline := time.Now().Add(s.cfg.BettingWindow)
		claimed, err := s.repo.ClaimPending(ctx, tx, correlationID, s.cfg.WorkerID, deadline)
		if err != nil {
			return err
		}
		if err := s.repo.Enqueue(ctx, tx, claimed.ID, KindPrompt, Intent{}, 0); err != nil {
			return err
		}
		session = claimed
		return nil
	})
	if errors.Is(err, common.ErrClaimConflict) {
		metrics.RecordPickup("conflict")
		logger.Debug("Сессия уже подхвачена или не ждёт подхвата")
		return nil, nil
	}
	if err != nil {
		metrics.RecordPickup("error")
		return nil, fmt.Errorf("ошибка подхвата сессии %q: %w", correlationID, err)
	}

	metrics.RecordPickup("claimed")
	s.armTimeout(session)
	s.wake()

	logger.WithFields(log.Fields{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"deadline":   session.DeadlineAt,
	}).Info("Сессия подхвачена")
	return session, nil
}

// armTimeout взводит таймер дедлайна. Срабатывание идёт уже вне
// контекста подхвата, поэтому у таймаута свой контекст с бюджетом.
func (s *Service) armTimeout(session *Session) {
	d := s.cfg.BettingWindow
	if session.DeadlineAt != nil {
		d = time.Until(*session.DeadlineAt)
	}
	sessionID := session.ID
	s.timers.Arm(sessionID, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeoutBudget)
		defer cancel()
		if _, err := s.Timeout(ctx, sessionID); err != nil && !errors.Is(err, common.ErrSessionNotActive) {
			log.WithError(err).WithField("session_id", sessionID).Error("Ошибка таймаута ставки")
		}
	})
	metrics.SetActiveTimers(s.timers.Len())
}

// disarm снимает таймер сессии и обновляет метрику.
func (s *Service) disarm(sessionID int64) {
	s.timers.Disarm(sessionID)
	metrics.SetActiveTimers(s.timers.Len())
}

// PlaceBet принимает ставку привязанного пользователя, крутит колесо и
// записывает исход. Намерения показа (крутим, число, итог, удаление промпта)
// уходят в outbox со сдвигами по времени.
//
// Ошибки, которые вызывающий молча игнорирует: ErrUnknownBet,
// ErrUnauthorized, ErrSessionNotActive.
func (s *Service) PlaceBet(ctx context.Context, correlationID string, userID int64, betKey string) (*Session, error) {
	started := time.Now()
	logger := log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"user_id":        userID,
		"bet":            betKey,
	})

	bet, err := LookupBet(betKey)
	if err != nil {
		metrics.RecordRejected("unknown_bet")
		return nil, err
	}

	var session *Session
	var reachedID int64
	expired := false
	err = s.repo.InTx(ctx, func(tx pgx.Tx) error {
		active, err := s.claimForUser(ctx, tx, correlationID, userID)
		if err != nil {
			return err
		}
		reachedID = active.ID

		// таймер мог не дожить до дедлайна (рестарт, другой воркер)
		if active.Expired(time.Now()) {
			expired = true
			return s.finish(ctx, tx, active, TriggerTimeout, OutcomeTimeout, KindTimeout)
		}

		slot, err := s.wheel.Draw()
		if err != nil {
			return err
		}
		res := Resolve(bet, slot)
		settlement := Settle(active.BetAmount, res.Multiplier, s.fee)

		next := active.State
		next.BetCategory = bet.Category
		next.BetValue = bet.Key
		next.WinningSlot = &res.Slot
		next.PayoutMultiplier = &res.Multiplier
		next.Settlement = &settlement

		trig := TriggerLoss
		next.Outcome = OutcomeLoss
		if res.Win {
			trig = TriggerWin
			next.Outcome = OutcomeWin
		}

		if err := active.Advance(trig, next); err != nil {
			return err
		}
		if err := s.repo.Persist(ctx, tx, active.ID, active.Status, active.State); err != nil {
			return err
		}

		intent := Intent{
			BetKey:     bet.Key,
			Slot:       &res.Slot,
			Outcome:    next.Outcome,
			Multiplier: res.Multiplier,
			NetPayout:  &settlement.NetPayout,
		}
		reveal := s.cfg.SpinDelay + s.cfg.RevealDelay
		steps := []struct {
			kind  OutboxKind
			delay time.Duration
		}{
			{KindSpin, 0},
			{KindOutcomeAsset, s.cfg.SpinDelay},
			{KindResult, reveal},
			{KindDeletePrompt, reveal},
		}
		for _, step := range steps {
			if err := s.repo.Enqueue(ctx, tx, active.ID, step.kind, intent, step.delay); err != nil {
				return err
			}
		}

		session = active
		return nil
	})
	// Пользователь дошёл до своей сессии: таймер снимаем в любом случае,
	// даже если транзакция откатилась. Зависшую сессию добьёт сверка.
	if reachedID != 0 {
		s.disarm(reachedID)
	}
	if err != nil {
		return nil, s.inputError(logger, err)
	}
	if expired {
		return nil, s.lateInput(logger, reachedID)
	}

	metrics.ObserveBet(started)
	metrics.RecordTransition(string(session.State.Outcome))
	s.wake()

	logger.WithFields(log.Fields{
		"session_id": session.ID,
		"slot":       session.State.WinningSlot.String(),
		"outcome":    session.State.Outcome,
		"status":     session.Status,
	}).Info("Ставка сыграна")
	return session, nil
}

// Cancel закрывает сессию по просьбе привязанного пользователя.
func (s *Service) Cancel(ctx context.Context, correlationID string, userID int64) (*Session, error) {
	logger := log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"user_id":        userID,
	})

	var session *Session
	var reachedID int64
	expired := false
	err := s.repo.InTx(ctx, func(tx pgx.Tx) error {
		active, err := s.claimForUser(ctx, tx, correlationID, userID)
		if err != nil {
			return err
		}
		reachedID = active.ID
		if active.Expired(time.Now()) {
			expired = true
			return s.finish(ctx, tx, active, TriggerTimeout, OutcomeTimeout, KindTimeout)
		}
		if err := s.finish(ctx, tx, active, TriggerCancel, OutcomeCancelled, KindCancelled); err != nil {
			return err
		}
		session = active
		return nil
	})
	if reachedID != 0 {
		s.disarm(reachedID)
	}
	if err != nil {
		return nil, s.inputError(logger, err)
	}
	if expired {
		return nil, s.lateInput(logger, reachedID)
	}

	metrics.RecordTransition(string(OutcomeCancelled))
	s.wake()
	logger.WithField("session_id", session.ID).Info("Ставка отменена")
	return session, nil
}

// Timeout закрывает сессию sessionID, если ставки так и не было.
// Для сессии, уже ушедшей из in_progress, вернёт ErrSessionNotActive и ничего не изменит.
func (s *Service) Timeout(ctx context.Context, sessionID int64) (*Session, error) {
	var session *Session
	err := s.repo.InTx(ctx, func(tx pgx.Tx) error {
		active, err := s.repo.ClaimActiveByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := s.finish(ctx, tx, active, TriggerTimeout, OutcomeTimeout, KindTimeout); err != nil {
			return err
		}
		session = active
		return nil
	})
	if errors.Is(err, common.ErrSessionNotActive) {
		log.WithField("session_id", sessionID).Debug("Таймаут опоздал: сессия уже закрыта")
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка таймаута сессии %d: %w", sessionID, err)
	}

	// Таймаут мог прийти от сверки, а не от своего таймера.
	s.disarm(session.ID)
	metrics.RecordTransition(string(OutcomeTimeout))
	s.wake()

	log.WithFields(log.Fields{
		"correlation_id": session.CorrelationID,
		"session_id":     session.ID,
	}).Info("Время на ставку вышло")
	return session, nil
}

// claimForUser блокирует активную сессию и проверяет, что пришёл её хозяин.
func (s *Service) claimForUser(ctx context.Context, tx pgx.Tx, correlationID string, userID int64) (*Session, error) {
	active, err := s.repo.ClaimActive(ctx, tx, correlationID)
	if err != nil {
		return nil, err
	}
	if active.UserID != userID {
		return nil, fmt.Errorf("%w: сессия %d", common.ErrUnauthorized, active.ID)
	}
	return active, nil
}

// finish закрывает сессию без ставки (отмена, таймаут), множитель 0.
func (s *Service) finish(ctx context.Context, tx pgx.Tx, active *Session, trig Trigger, outcome Outcome, kind OutboxKind) error {
	zero := int64(0)
	next := active.State
	next.Outcome = outcome
	next.PayoutMultiplier = &zero

	if err := active.Advance(trig, next); err != nil {
		return err
	}
	if err := s.repo.Persist(ctx, tx, active.ID, active.Status, active.State); err != nil {
		return err
	}
	// промпт не удаляем: правка текста сама снимает кнопки и оставляет итог в чате
	return s.repo.Enqueue(ctx, tx, active.ID, kind, Intent{Outcome: outcome}, 0)
}

// inputError разделяет «нормальные» отказы протокола и настоящие сбои.
func (s *Service) inputError(logger *log.Entry, err error) error {
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		metrics.RecordRejected("unauthorized")
		logger.Debug("Чужой клик проигнорирован")
		return err
	case errors.Is(err, common.ErrSessionNotActive):
		metrics.RecordRejected("not_active")
		logger.Debug("Сессия уже не активна")
		return err
	}
	return fmt.Errorf("ошибка обработки ввода: %w", err)
}

// lateInput: ввод пришёл после дедлайна, сессия закрыта таймаутом в той же транзакции.
func (s *Service) lateInput(logger *log.Entry, sessionID int64) error {
	metrics.RecordTransition(string(OutcomeTimeout))
	metrics.RecordRejected("expired")
	s.wake()
	logger.WithField("session_id", sessionID).Info("Ввод после дедлайна: сессия закрыта по таймауту")
	return fmt.Errorf("%w: дедлайн сессии %d истёк", common.ErrSessionNotActive, sessionID)
}

// ReconcilePending повторяет подхват сессий, которые слишком долго висят
// в pending_pickup: уведомление о них, скорее всего, потерялось.
func (s *Service) ReconcilePending(ctx context.Context) (int, error) {
	ids, err := s.repo.ListStalePending(ctx, s.cfg.ReconcileGrace, reconcileBatch)
	if err != nil {
		return 0, err
	}
	claimed := 0
	for _, id := range ids {
		session, err := s.HandlePickup(ctx, id)
		if err != nil {
			log.WithError(err).WithField("correlation_id", id).Warn("Сверка: подхват не удался")
			continue
		}
		if session != nil {
			claimed++
		}
	}
	metrics.RecordReconcile("pending", claimed)
	return claimed, nil
}

// ExpireOverdue закрывает по таймауту активные сессии с истёкшим дедлайном.
// Так добиваются сессии упавшего воркера, чьи таймеры умерли вместе с ним.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := s.repo.ListOverdue(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		_, err := s.Timeout(ctx, id)
		if errors.Is(err, common.ErrSessionNotActive) {
			continue
		}
		if err != nil {
			log.WithError(err).WithField("session_id", id).Warn("Сверка: таймаут не удался")
			continue
		}
		expired++
	}
	metrics.RecordReconcile("overdue", expired)
	return expired, nil
}

// Lookup возвращает последнюю сессию по correlation_id (для команды статуса).
func (s *Service) Lookup(ctx context.Context, correlationID string) (*Session, error) {
	return s.repo.FindByCorrelation(ctx, correlationID)
}

// Stop снимает все таймеры этого воркера.
func (s *Service) Stop() {
	s.timers.Stop()
	metrics.SetActiveTimers(0)
}
