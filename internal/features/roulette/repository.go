// repository.go выполняет операции с таблицами
// roulette_sessions и roulette_outbox.
//
// Каждая операция над сессией работает внутри транзакции, которую открывает
// вызывающий через InTx: захват строки, смена статуса и запись намерений
// в outbox коммитятся вместе или не коммитятся вовсе.

package roulette

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/roulette-helper/internal/common"
	"serotonyl.ru/roulette-helper/internal/db/postgres"
)

// Repository работает с сессиями рулетки и очередью исходящих действий.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий рулетки.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InTx выполняет fn в одной транзакции.
func (r *Repository) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return postgres.WithTx(ctx, r.db, fn)
}

const sessionColumns = `
	session_id, correlation_id, chat_id, user_id, bet_amount, status,
	game_state_json, worker_id, deadline_at, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var status string
	err := row.Scan(
		&s.ID, &s.CorrelationID, &s.ChatID, &s.UserID, &s.BetAmount, &status,
		&s.State, &s.WorkerID, &s.DeadlineAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}

// ClaimPending подхватывает новую сессию.
//
// Строка блокируется через FOR UPDATE SKIP LOCKED: если её уже держит
// другой воркер, мы не ждём, а сразу получаем ErrClaimConflict.
// Из N одновременных вызовов с одним correlationID успешен ровно один.
func (r *Repository) ClaimPending(ctx context.Context, tx pgx.Tx, correlationID, workerID string, deadline time.Time) (*Session, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM roulette_sessions
		WHERE correlation_id = $1 AND status = 'pending_pickup'
		FOR UPDATE SKIP LOCKED
	`, correlationID)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrClaimConflict
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска сессии для подхвата: %w", err)
	}

	if err := session.Advance(TriggerClaim, session.State); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE roulette_sessions
		SET status = $2, worker_id = $3, deadline_at = $4, updated_at = NOW()
		WHERE session_id = $1
	`, session.ID, string(session.Status), workerID, deadline)
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата сессии: %w", err)
	}

	session.WorkerID = &workerID
	session.DeadlineAt = &deadline
	return session, nil
}

// ClaimActive блокирует активную сессию для ставки, отмены или таймаута.
//
// Здесь обычный FOR UPDATE: конкурирующие триггеры встают в очередь,
// а не пропускают друг друга. Кто первым получил строку в in_progress,
// тот и двигает автомат; остальные после его коммита строку уже не найдут.
func (r *Repository) ClaimActive(ctx context.Context, tx pgx.Tx, correlationID string) (*Session, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM roulette_sessions
		WHERE correlation_id = $1 AND status = 'in_progress'
		FOR UPDATE
	`, correlationID)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrSessionNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки активной сессии: %w", err)
	}
	return session, nil
}

// ClaimActiveByID блокирует конкретную сессию в in_progress. Таймаут идёт
// только через него: correlation_id после завершения игры может достаться
// новой сессии, и чужой дедлайн не должен её закрыть.
func (r *Repository) ClaimActiveByID(ctx context.Context, tx pgx.Tx, sessionID int64) (*Session, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM roulette_sessions
		WHERE session_id = $1 AND status = 'in_progress'
		FOR UPDATE
	`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrSessionNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки сессии %d: %w", sessionID, err)
	}
	return session, nil
}

// Persist записывает новый статус и документ состояния.
// Документ сливается с хранимым (jsonb ||), поэтому ключи основного бота не теряются.
func (r *Repository) Persist(ctx context.Context, tx pgx.Tx, sessionID int64, status Status, state State) error {
	if err := state.Validate(status); err != nil {
		return err
	}
	patch, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("ошибка сериализации состояния: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE roulette_sessions
		SET status = $2, game_state_json = game_state_json || $3::jsonb, updated_at = NOW()
		WHERE session_id = $1 AND status = 'in_progress'
	`, sessionID, string(status), patch)
	if err != nil {
		return fmt.Errorf("ошибка сохранения сессии: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: сессия %d", common.ErrSessionNotActive, sessionID)
	}
	return nil
}

// GetSession читает сессию без блокировки (для рендеринга и тестов).
func (r *Repository) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM roulette_sessions WHERE session_id = $1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("сессия %d не найдена: %w", sessionID, err)
	}
	return session, nil
}

// FindByCorrelation возвращает последнюю сессию с данным correlation_id.
func (r *Repository) FindByCorrelation(ctx context.Context, correlationID string) (*Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM roulette_sessions
		WHERE correlation_id = $1
		ORDER BY session_id DESC
		LIMIT 1
	`, correlationID)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("сессия %q не найдена: %w", correlationID, err)
	}
	return session, nil
}

// SetPromptMessage один раз запоминает id сообщения с кнопками.
// Повторная доставка промпта (at-least-once) уже записанный id не трогает.
func (r *Repository) SetPromptMessage(ctx context.Context, tx pgx.Tx, sessionID int64, messageID int) error {
	_, err := tx.Exec(ctx, `
		UPDATE roulette_sessions
		SET game_state_json = jsonb_set(game_state_json, '{promptMessageId}', to_jsonb($2::int)),
		    updated_at = NOW()
		WHERE session_id = $1 AND game_state_json->'promptMessageId' IS NULL
	`, sessionID, messageID)
	if err != nil {
		return fmt.Errorf("ошибка записи promptMessageId: %w", err)
	}
	return nil
}

// ListStalePending возвращает correlation_id сессий, которые висят в
// pending_pickup дольше olderThan (уведомление о них, скорее всего, потеряно).
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return r.listCorrelations(ctx, `
		SELECT correlation_id
		FROM roulette_sessions
		WHERE status = 'pending_pickup'
		  AND created_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
		ORDER BY created_at
		LIMIT $2
	`, olderThan.Milliseconds(), limit)
}

// ListOverdue возвращает активные сессии с истёкшим дедлайном.
// Такие остаются, если воркер, державший таймер, упал.
func (r *Repository) ListOverdue(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT session_id
		FROM roulette_sessions
		WHERE status = 'in_progress' AND deadline_at < NOW()
		ORDER BY deadline_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки просроченных сессий: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения просроченных сессий: %w", err)
	}
	return ids, nil
}

func (r *Repository) listCorrelations(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки сессий: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сессий: %w", err)
	}
	return ids, nil
}

// Enqueue записывает намерение внешнего действия в outbox в той же транзакции,
// что и смена статуса. delay отсчитывается от часов БД.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, sessionID int64, kind OutboxKind, payload any, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации outbox: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO roulette_outbox (session_id, kind, payload, deliver_after)
		VALUES ($1, $2, $3::jsonb, NOW() + ($4::bigint * INTERVAL '1 millisecond'))
	`, sessionID, string(kind), body, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("ошибка записи в outbox: %w", err)
	}
	return nil
}

// NextOutbox берёт самую старую готовую к доставке запись.
// Запись сессии выдаётся, только если все её более ранние записи уже
// отправлены или окончательно упали: так сообщения одной игры идут по порядку.
// SKIP LOCKED позволяет нескольким воркерам разбирать очередь параллельно.
// Нет записей, (nil, nil).
func (r *Repository) NextOutbox(ctx context.Context, tx pgx.Tx) (*OutboxItem, error) {
	var item OutboxItem
	var kind string
	err := tx.QueryRow(ctx, `
		SELECT o.id, o.session_id, o.kind, o.payload, o.retry_count, o.deliver_after
		FROM roulette_outbox o
		WHERE o.status = 'pending'
		  AND o.deliver_after <= NOW()
		  AND NOT EXISTS (
			SELECT 1 FROM roulette_outbox p
			WHERE p.session_id = o.session_id AND p.status = 'pending' AND p.id < o.id
		  )
		ORDER BY o.id
		LIMIT 1
		FOR UPDATE OF o SKIP LOCKED
	`).Scan(&item.ID, &item.SessionID, &kind, &item.Payload, &item.RetryCount, &item.DeliverAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки outbox: %w", err)
	}
	item.Kind = OutboxKind(kind)
	return &item, nil
}

// MarkOutboxSent помечает запись отправленной.
func (r *Repository) MarkOutboxSent(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE roulette_outbox SET status = 'sent', updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("ошибка отметки outbox %d: %w", id, err)
	}
	return nil
}

// MarkOutboxFailed увеличивает счётчик попыток; после maxRetries запись
// становится failed и больше не блокирует очередь своей сессии.
// Возвращает true, если запись окончательно упала.
func (r *Repository) MarkOutboxFailed(ctx context.Context, tx pgx.Tx, id int64, lastError string, maxRetries int) (bool, error) {
	var status string
	err := tx.QueryRow(ctx, `
		UPDATE roulette_outbox
		SET status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
		    retry_count = retry_count + 1,
		    last_error = $2,
		    deliver_after = NOW() + (LEAST(retry_count + 1, 30) * INTERVAL '1 second'),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING status
	`, id, truncate(lastError, 240), maxRetries).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("ошибка отметки outbox %d: %w", id, err)
	}
	return status == "failed", nil
}

// truncate режет по рунам: обрезанный посреди символа UTF-8 Postgres не примет.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
