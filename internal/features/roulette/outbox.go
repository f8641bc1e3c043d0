// outbox.go доставляет намерения из roulette_outbox
// в мессенджер уже после коммита транзакции, которая их записала.

package roulette

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/roulette-helper/internal/config"
	"serotonyl.ru/roulette-helper/internal/metrics"
)

// Intent хранит payload записи outbox, всё нужное для текста сообщения.
type Intent struct {
	BetKey     string           `json:"betKey,omitempty"`
	Slot       *Slot            `json:"slot,omitempty"`
	Outcome    Outcome          `json:"outcome,omitempty"`
	Multiplier int64            `json:"multiplier,omitempty"`
	NetPayout  *decimal.Decimal `json:"netPayout,omitempty"`
}

// Dispatcher разбирает outbox: одна запись за итерацию, пока очередь не опустеет.
type Dispatcher struct {
	repo      *Repository
	handler   *Handler
	messenger Messenger
	cfg       *config.Config

	wakeCh chan struct{}
}

// NewDispatcher создаёт диспетчер outbox.
func NewDispatcher(repo *Repository, handler *Handler, messenger Messenger, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		handler:   handler,
		messenger: messenger,
		cfg:       cfg,
		wakeCh:    make(chan struct{}, 1),
	}
}

// Wake просит диспетчер не ждать следующего тика. Не блокирует.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Run крутит цикл доставки до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.OutboxPollInterval)
	defer ticker.Stop()

	log.WithField("interval", d.cfg.OutboxPollInterval).Info("Диспетчер outbox запущен")

	for {
		select {
		case <-ctx.Done():
			log.Info("Диспетчер outbox остановлен")
			return nil
		case <-ticker.C:
		case <-d.wakeCh:
		}
		d.Drain(ctx)
	}
}

// Drain доставляет всё, что готово сейчас. Возвращает число обработанных записей.
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		processed, err := d.DeliverOne(ctx)
		if err != nil {
			log.WithError(err).Error("Ошибка разбора outbox")
			return n
		}
		if !processed {
			return n
		}
		n++
	}
	return n
}

// DeliverOne берёт одну готовую запись, доставляет её и отмечает результат.
// Запись держится под блокировкой (SKIP LOCKED) до отметки, так что два
// диспетчера одну запись не отправят. Строку сессии при этом не держим.
// false: очередь пуста.
func (d *Dispatcher) DeliverOne(ctx context.Context) (bool, error) {
	processed := false
	err := d.repo.InTx(ctx, func(tx pgx.Tx) error {
		item, err := d.repo.NextOutbox(ctx, tx)
		if err != nil || item == nil {
			return err
		}
		processed = true

		logger := log.WithFields(log.Fields{
			"outbox_id":  item.ID,
			"session_id": item.SessionID,
			"kind":       item.Kind,
			"attempt":    item.RetryCount + 1,
		})

		messageID, sendErr := d.deliver(ctx, item)
		if sendErr != nil {
			failed, err := d.repo.MarkOutboxFailed(ctx, tx, item.ID, sendErr.Error(), d.cfg.OutboxMaxRetries)
			if err != nil {
				return err
			}
			if failed {
				metrics.RecordOutbox(string(item.Kind), "failed")
				logger.WithError(sendErr).Error("Доставка окончательно не удалась")
			} else {
				metrics.RecordOutbox(string(item.Kind), "retry")
				logger.WithError(sendErr).Warn("Доставка не удалась, повторим позже")
			}
			return nil
		}

		if messageID != 0 {
			if err := d.repo.SetPromptMessage(ctx, tx, item.SessionID, messageID); err != nil {
				return err
			}
		}
		if err := d.repo.MarkOutboxSent(ctx, tx, item.ID); err != nil {
			return err
		}
		metrics.RecordOutbox(string(item.Kind), "sent")
		logger.Debug("Доставлено")
		return nil
	})
	return processed, err
}

// deliver выполняет одно внешнее действие. Для промпта возвращает id сообщения.
func (d *Dispatcher) deliver(ctx context.Context, item *OutboxItem) (int, error) {
	var in Intent
	if len(item.Payload) > 0 {
		if err := json.Unmarshal(item.Payload, &in); err != nil {
			return 0, fmt.Errorf("некорректный payload: %w", err)
		}
	}

	session, err := d.repo.GetSession(ctx, item.SessionID)
	if err != nil {
		return 0, err
	}
	chatID := session.ChatID
	prompt := session.State.PromptMessageID

	switch item.Kind {
	case KindPrompt:
		// повторная доставка после сбоя между отправкой и отметкой:
		// сообщение уже есть, второй раз не шлём
		if prompt != nil {
			return 0, nil
		}
		text, kb := d.handler.RenderPrompt(session)
		return d.messenger.SendPrompt(ctx, chatID, text, kb)

	case KindSpin:
		return 0, d.editOrSend(ctx, chatID, prompt, d.handler.RenderSpin(in))

	case KindOutcomeAsset:
		if in.Slot == nil {
			return 0, errors.New("в payload нет выпавшей ячейки")
		}
		return 0, d.messenger.SendOutcomeAsset(ctx, chatID, *in.Slot, d.handler.RenderOutcomeCaption(*in.Slot))

	case KindResult:
		return 0, d.messenger.SendText(ctx, chatID, d.handler.RenderResult(session, in))

	case KindCancelled:
		return 0, d.editOrSend(ctx, chatID, prompt, d.handler.RenderCancelled(session))

	case KindTimeout:
		return 0, d.editOrSend(ctx, chatID, prompt, d.handler.RenderTimeout(session))

	case KindDeletePrompt:
		if prompt == nil {
			return 0, nil
		}
		return 0, d.messenger.DeletePrompt(ctx, chatID, *prompt)
	}
	return 0, fmt.Errorf("неизвестный вид outbox %q", item.Kind)
}

// editOrSend правит промпт, а если его так и не удалось отправить, пишет новым сообщением.
func (d *Dispatcher) editOrSend(ctx context.Context, chatID int64, prompt *int, text string) error {
	if prompt == nil {
		return d.messenger.SendText(ctx, chatID, text)
	}
	return d.messenger.EditPrompt(ctx, chatID, *prompt, text)
}
