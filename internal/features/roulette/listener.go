// listener.go слушает канал подхвата новых игр.
//
// Основной транспорт: LISTEN/NOTIFY PostgreSQL на выделенном соединении,
// альтернативный: подписка NATS. Уведомления, пришедшие пока соединения
// нет, теряются: такие сессии позже подберёт сверка.

package roulette

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/roulette-helper/internal/common"
	"serotonyl.ru/roulette-helper/internal/db/postgres"
	"serotonyl.ru/roulette-helper/internal/metrics"
)

// Source: транспорт уведомлений о новых играх.
// Listen пишет сырые payload в out и возвращается только при отмене ctx
// или неисправимой ошибке.
type Source interface {
	Name() string
	Listen(ctx context.Context, out chan<- []byte) error
}

// ParseEnvelope достаёт correlation_id из уведомления.
// Принимает {"correlation_id": ...} и старый ключ main_bot_game_id;
// значение может быть строкой или числом.
func ParseEnvelope(payload []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var env map[string]any
	if err := dec.Decode(&env); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrMalformedNotification, err)
	}

	for _, key := range []string{"correlation_id", "main_bot_game_id"} {
		raw, ok := env[key]
		if !ok {
			continue
		}
		var id string
		switch v := raw.(type) {
		case string:
			id = strings.TrimSpace(v)
		case json.Number:
			if _, err := v.Int64(); err != nil {
				return "", fmt.Errorf("%w: %s не целое: %s", common.ErrMalformedNotification, key, v)
			}
			id = v.String()
		default:
			return "", fmt.Errorf("%w: %s неожиданного типа %T", common.ErrMalformedNotification, key, raw)
		}
		if id == "" {
			return "", fmt.Errorf("%w: пустой %s", common.ErrMalformedNotification, key)
		}
		return id, nil
	}
	return "", fmt.Errorf("%w: нет correlation_id", common.ErrMalformedNotification)
}

// Pickuper: то, что listener зовёт на каждую новую игру.
type Pickuper interface {
	HandlePickup(ctx context.Context, correlationID string) (*Session, error)
}

// Listener связывает транспорт с сервисом.
type Listener struct {
	source  Source
	service Pickuper
}

// NewListener создаёт слушателя.
func NewListener(source Source, service Pickuper) *Listener {
	return &Listener{source: source, service: service}
}

// Run слушает уведомления до отмены ctx. Битые уведомления логируются
// и отбрасываются, цикл от них не падает.
func (l *Listener) Run(ctx context.Context) error {
	payloads := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.source.Listen(ctx, payloads)
	}()

	log.WithField("transport", l.source.Name()).Info("Слушаем канал подхвата игр")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("транспорт %s остановился: %w", l.source.Name(), err)
			}
			return nil
		case payload := <-payloads:
			l.dispatch(ctx, payload)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, payload []byte) {
	correlationID, err := ParseEnvelope(payload)
	if err != nil {
		metrics.RecordNotification(l.source.Name(), "malformed")
		log.WithError(err).WithField("payload", string(payload)).Warn("Уведомление отброшено")
		return
	}
	metrics.RecordNotification(l.source.Name(), "ok")

	if _, err := l.service.HandlePickup(ctx, correlationID); err != nil {
		log.WithError(err).WithField("correlation_id", correlationID).Error("Ошибка подхвата игры")
	}
}

// === PostgreSQL LISTEN ===

// PostgresSource слушает канал NOTIFY на отдельном соединении.
type PostgresSource struct {
	dsn        string
	channel    string
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewPostgresSource создаёт источник LISTEN/NOTIFY.
func NewPostgresSource(dsn, channel string) *PostgresSource {
	return &PostgresSource{
		dsn:        dsn,
		channel:    channel,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

func (p *PostgresSource) Name() string { return "postgres" }

// Listen держит подписку и переподключается с экспоненциальной паузой.
func (p *PostgresSource) Listen(ctx context.Context, out chan<- []byte) error {
	backoff := p.minBackoff
	for {
		err := p.listenOnce(ctx, out, func() { backoff = p.minBackoff })
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).WithFields(log.Fields{
			"channel": p.channel,
			"retry":   backoff,
		}).Warn("LISTEN прерван, переподключаемся")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// listenOnce живёт, пока живо одно соединение. connected зовётся после LISTEN.
func (p *PostgresSource) listenOnce(ctx context.Context, out chan<- []byte, connected func()) error {
	conn, err := postgres.Connect(ctx, p.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		return fmt.Errorf("ошибка LISTEN %s: %w", p.channel, err)
	}
	connected()
	log.WithField("channel", p.channel).Info("LISTEN установлен")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Channel != p.channel {
			continue
		}
		select {
		case out <- []byte(n.Payload):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// === NATS ===

// NATSSource: подписка core NATS. Воркеры в одной queue-группе, так что
// каждое уведомление получает один из них; гонку всё равно решает БД.
type NATSSource struct {
	url     string
	subject string
	queue   string
	name    string
}

// NewNATSSource создаёт источник NATS.
func NewNATSSource(url, subject, workerID string) *NATSSource {
	return &NATSSource{
		url:     url,
		subject: subject,
		queue:   "roulette-helper",
		name:    workerID,
	}
}

func (n *NATSSource) Name() string { return "nats" }

func (n *NATSSource) Listen(ctx context.Context, out chan<- []byte) error {
	opts := []nats.Option{
		nats.Name("roulette-helper-" + n.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Error("NATS отключился с ошибкой")
			} else {
				log.Warn("NATS отключился")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS переподключился")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.WithError(err).WithField("subject", subject).Error("Асинхронная ошибка NATS")
		}),
	}

	nc, err := nats.Connect(n.url, opts...)
	if err != nil {
		return fmt.Errorf("не удалось подключиться к NATS: %w", err)
	}
	defer nc.Close()

	sub, err := nc.QueueSubscribe(n.subject, n.queue, func(msg *nats.Msg) {
		select {
		case out <- msg.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("не удалось подписаться на %s: %w", n.subject, err)
	}
	log.WithFields(log.Fields{"subject": n.subject, "queue": n.queue}).Info("Подписка NATS установлена")

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		log.WithError(err).Warn("Ошибка drain подписки NATS")
	}
	return nil
}
