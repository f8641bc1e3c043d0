package roulette

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/roulette-helper/internal/common"
	"serotonyl.ru/roulette-helper/internal/db/postgres/testutil"
)

const (
	testChat  int64 = -1001
	testUser  int64 = 501
	otherUser int64 = 777
	testStake int64 = 1_000_000_000
)

type fixture struct {
	db   *testutil.TestDatabase
	repo *Repository
	svc  *Service
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()
	db := testutil.SetupTestDatabase(t)

	cfg := testConfig()
	cfg.BettingWindow = window

	repo := NewRepository(db.Pool)
	svc, err := NewService(repo, NewTimerRegistry(), cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	return &fixture{db: db, repo: repo, svc: svc}
}

// fixedWheel делает исход предсказуемым.
func (f *fixture) fixedWheel(slot Slot) {
	f.svc.wheel = Wheel{name: "fixed", slots: []Slot{slot}}
}

func (f *fixture) newGame(t *testing.T, correlationID string) *Session {
	t.Helper()
	f.db.InsertSession(t, correlationID, testChat, testUser, testStake, "Alice")
	session, err := f.svc.HandlePickup(context.Background(), correlationID)
	require.NoError(t, err)
	require.NotNil(t, session)
	return session
}

func (f *fixture) reload(t *testing.T, id int64) *Session {
	t.Helper()
	s, err := f.repo.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) outboxKinds(t *testing.T, sessionID int64) []string {
	t.Helper()
	rows, err := f.db.Pool.Query(context.Background(),
		`SELECT kind FROM roulette_outbox WHERE session_id = $1 ORDER BY id`, sessionID)
	require.NoError(t, err)
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var k string
		require.NoError(t, rows.Scan(&k))
		kinds = append(kinds, k)
	}
	require.NoError(t, rows.Err())
	return kinds
}

func TestHandlePickup_ConcurrentClaimsExactlyOne(t *testing.T) {
	f := newFixture(t, time.Minute)
	id := f.db.InsertSession(t, "race-1", testChat, testUser, testStake, "Alice")

	const n = 8
	var wg sync.WaitGroup
	var claimed atomic.Int32
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			session, err := f.svc.HandlePickup(context.Background(), "race-1")
			assert.NoError(t, err)
			if session != nil {
				claimed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())

	s := f.reload(t, id)
	assert.Equal(t, StatusInProgress, s.Status)
	require.NotNil(t, s.WorkerID)
	assert.Equal(t, "test-worker", *s.WorkerID)
	require.NotNil(t, s.DeadlineAt)
	assert.Equal(t, []string{"prompt"}, f.outboxKinds(t, id), "промпт записан один раз")
	assert.True(t, f.svc.timers.Armed(id))
}

func TestClaimPending_SkipsLockedRow(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.db.InsertSession(t, "locked-1", testChat, testUser, testStake, "Alice")
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.repo.InTx(ctx, func(tx pgx.Tx) error {
			_, err := f.repo.ClaimPending(ctx, tx, "locked-1", "worker-a", time.Now().Add(time.Minute))
			close(holding)
			<-release
			return err
		})
	}()
	<-holding

	// вторая попытка не ждёт блокировку, а сразу проигрывает
	started := time.Now()
	err := f.repo.InTx(ctx, func(tx pgx.Tx) error {
		_, err := f.repo.ClaimPending(ctx, tx, "locked-1", "worker-b", time.Now().Add(time.Minute))
		return err
	})
	assert.ErrorIs(t, err, common.ErrClaimConflict)
	assert.Less(t, time.Since(started), 2*time.Second)

	close(release)
	require.NoError(t, <-done)
}

func TestHandlePickup_UnknownIsNoop(t *testing.T) {
	f := newFixture(t, time.Minute)
	session, err := f.svc.HandlePickup(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, session)
	assert.Zero(t, f.svc.timers.Len())
}

func TestForeignUserCannotTouchSession(t *testing.T) {
	f := newFixture(t, time.Minute)
	session := f.newGame(t, "auth-1")
	before := f.reload(t, session.ID)
	ctx := context.Background()

	_, err := f.svc.PlaceBet(ctx, "auth-1", otherUser, "RED")
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	_, err = f.svc.Cancel(ctx, "auth-1", otherUser)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	after := f.reload(t, session.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, []string{"prompt"}, f.outboxKinds(t, session.ID))
	assert.True(t, f.svc.timers.Armed(session.ID), "чужой клик таймер не снимает")
}

func TestUnknownBetIsIgnored(t *testing.T) {
	f := newFixture(t, time.Minute)
	session := f.newGame(t, "bet-unknown")

	_, err := f.svc.PlaceBet(context.Background(), "bet-unknown", testUser, "STRAIGHT_7")
	assert.ErrorIs(t, err, common.ErrUnknownBet)
	assert.Equal(t, StatusInProgress, f.reload(t, session.ID).Status)
	assert.True(t, f.svc.timers.Armed(session.ID))
}

func TestTimeout_AfterExitIsNoop(t *testing.T) {
	f := newFixture(t, time.Minute)
	session := f.newGame(t, "late-timeout")
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, "late-timeout", testUser)
	require.NoError(t, err)
	before := f.reload(t, session.ID)

	_, err = f.svc.Timeout(ctx, session.ID)
	assert.ErrorIs(t, err, common.ErrSessionNotActive)

	after := f.reload(t, session.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

// Сценарий A: ставка до дедлайна выигрывает, таймер снят, таймаута нет.
func TestScenario_BetWinsBeforeDeadline(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond)
	f.fixedWheel(1) // красное, нечётное, 1..18
	session := f.newGame(t, "scenario-a")

	got, err := f.svc.PlaceBet(context.Background(), "scenario-a", testUser, "RED")
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWin, got.Status)
	assert.False(t, f.svc.timers.Armed(session.ID))

	// исходный дедлайн проходит
	time.Sleep(600 * time.Millisecond)

	s := f.reload(t, session.ID)
	assert.Equal(t, StatusCompletedWin, s.Status)
	assert.Equal(t, OutcomeWin, s.State.Outcome)
	require.NotNil(t, s.State.WinningSlot)
	assert.Equal(t, Slot(1), *s.State.WinningSlot)
	require.NotNil(t, s.State.PayoutMultiplier)
	assert.Equal(t, int64(2), *s.State.PayoutMultiplier)
	require.NotNil(t, s.State.Settlement)
	assert.Equal(t, "1894736843", s.State.Settlement.NetPayout.String())
	assert.Equal(t, "color", s.State.BetCategory)
	assert.Equal(t, "RED", s.State.BetValue)
	assert.Equal(t, "Alice", s.State.InitiatorName)

	assert.Equal(t,
		[]string{"prompt", "spin", "outcome_asset", "result", "delete_prompt"},
		f.outboxKinds(t, session.ID))
}

func TestBetOnZeroLoses(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.fixedWheel(0)
	session := f.newGame(t, "zero-1")

	got, err := f.svc.PlaceBet(context.Background(), "zero-1", testUser, "EVEN")
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedLoss, got.Status)

	s := f.reload(t, session.ID)
	assert.Equal(t, OutcomeLoss, s.State.Outcome)
	assert.Equal(t, int64(0), *s.State.PayoutMultiplier)
	assert.True(t, s.State.Settlement.NetPayout.IsZero())
}

// Сценарий B: ввода нет, таймаут ровно один раз, даже если таймер взведён дважды.
func TestScenario_TimeoutOnceWhenArmedTwice(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	session := f.newGame(t, "scenario-b")

	// ошибочный второй таймер под другим ключом: реестр его не заменит
	f.svc.timers.Arm(-session.ID, 200*time.Millisecond, func() {
		_, _ = f.svc.Timeout(context.Background(), session.ID)
	})

	assert.Eventually(t, func() bool {
		return f.reload(t, session.ID).Status == StatusCompletedLoss
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	s := f.reload(t, session.ID)
	assert.Equal(t, OutcomeTimeout, s.State.Outcome)
	assert.Nil(t, s.State.WinningSlot)
	assert.Equal(t, []string{"prompt", "timeout"}, f.outboxKinds(t, session.ID))
	assert.False(t, f.svc.timers.Armed(session.ID))
}

// Сценарий C: отмена до дедлайна, поздняя ставка ничего не меняет.
func TestScenario_CancelThenLateBet(t *testing.T) {
	f := newFixture(t, time.Minute)
	session := f.newGame(t, "scenario-c")
	ctx := context.Background()

	got, err := f.svc.Cancel(ctx, "scenario-c", testUser)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedLoss, got.Status)
	assert.False(t, f.svc.timers.Armed(session.ID))
	before := f.reload(t, session.ID)

	_, err = f.svc.PlaceBet(ctx, "scenario-c", testUser, "BLACK")
	assert.ErrorIs(t, err, common.ErrSessionNotActive)

	after := f.reload(t, session.ID)
	assert.Equal(t, OutcomeCancelled, after.State.Outcome)
	assert.Equal(t, before.State, after.State)
	assert.Empty(t, after.State.BetValue)
	assert.Equal(t, []string{"prompt", "cancelled"}, f.outboxKinds(t, session.ID))
}

func TestConcurrentTriggersYieldOneTransition(t *testing.T) {
	f := newFixture(t, time.Minute)
	session := f.newGame(t, "triple")
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins atomic.Int32
	start := make(chan struct{})
	run := func(fn func() (*Session, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := fn()
			if err == nil && s != nil {
				wins.Add(1)
				return
			}
			assert.True(t, errors.Is(err, common.ErrSessionNotActive), "неожиданная ошибка: %v", err)
		}()
	}
	for i := 0; i < 3; i++ {
		run(func() (*Session, error) { return f.svc.PlaceBet(ctx, "triple", testUser, "ODD") })
		run(func() (*Session, error) { return f.svc.Cancel(ctx, "triple", testUser) })
		run(func() (*Session, error) { return f.svc.Timeout(ctx, session.ID) })
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, f.reload(t, session.ID).Status.IsTerminal())
	assert.False(t, f.svc.timers.Armed(session.ID))
}

func TestPersistKeepsForeignStateKeys(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	id := f.db.InsertSession(t, "merge-1", testChat, testUser, testStake, "Alice")
	_, err := f.db.Pool.Exec(ctx,
		`UPDATE roulette_sessions SET game_state_json = game_state_json || '{"mainBotRef":"abc"}' WHERE session_id = $1`, id)
	require.NoError(t, err)

	_, err = f.svc.HandlePickup(ctx, "merge-1")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, "merge-1", testUser)
	require.NoError(t, err)

	var ref, outcome string
	err = f.db.Pool.QueryRow(ctx, `
		SELECT game_state_json->>'mainBotRef', game_state_json->>'outcome'
		FROM roulette_sessions WHERE session_id = $1`, id).Scan(&ref, &outcome)
	require.NoError(t, err)
	assert.Equal(t, "abc", ref)
	assert.Equal(t, "cancelled", outcome)
}

func TestReconcilePending_PicksUpStaleRows(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	f.svc.cfg.ReconcileGrace = time.Minute

	stale := f.db.InsertSession(t, "stale-1", testChat, testUser, testStake, "Alice")
	fresh := f.db.InsertSession(t, "fresh-1", testChat, testUser, testStake, "Bob")
	_, err := f.db.Pool.Exec(ctx,
		`UPDATE roulette_sessions SET created_at = NOW() - INTERVAL '1 hour' WHERE session_id = $1`, stale)
	require.NoError(t, err)

	n, err := f.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusInProgress, f.reload(t, stale).Status)
	assert.Equal(t, StatusPendingPickup, f.reload(t, fresh).Status)
}

func TestExpireOverdue_TimesOutOrphanedSessions(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	session := f.newGame(t, "orphan-1")

	// воркер «упал»: таймеров нет, дедлайн уже прошёл
	f.svc.Stop()
	_, err := f.db.Pool.Exec(ctx,
		`UPDATE roulette_sessions SET deadline_at = NOW() - INTERVAL '1 second' WHERE session_id = $1`, session.ID)
	require.NoError(t, err)

	n, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s := f.reload(t, session.ID)
	assert.Equal(t, StatusCompletedLoss, s.Status)
	assert.Equal(t, OutcomeTimeout, s.State.Outcome)

	n, err = f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Таймер первой игры срабатывает, когда тот же correlation_id уже занят
// второй игрой: вторая должна дожить до своего дедлайна.
func TestTimeout_StaleTimerSparesNewerSession(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond)
	ctx := context.Background()
	first := f.newGame(t, "reuse-timer")

	// второй воркер со своим реестром: ставку принял он, наш таймер остался взведён
	cfg := *f.svc.cfg
	cfg.BettingWindow = time.Hour
	other, err := NewService(f.repo, NewTimerRegistry(), &cfg)
	require.NoError(t, err)
	t.Cleanup(other.Stop)

	_, err = other.Cancel(ctx, "reuse-timer", testUser)
	require.NoError(t, err)
	require.True(t, f.svc.timers.Armed(first.ID))

	f.db.InsertSession(t, "reuse-timer", testChat, testUser, testStake, "Alice")
	second, err := other.HandlePickup(ctx, "reuse-timer")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Eventually(t, func() bool { return !f.svc.timers.Armed(first.ID) }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	s := f.reload(t, second.ID)
	assert.Equal(t, StatusInProgress, s.Status)
	assert.Empty(t, s.State.Outcome)
	assert.Equal(t, []string{"prompt"}, f.outboxKinds(t, second.ID))
	assert.Equal(t, OutcomeCancelled, f.reload(t, first.ID).State.Outcome)

	_, err = f.svc.Timeout(ctx, first.ID)
	assert.ErrorIs(t, err, common.ErrSessionNotActive)
}

func TestExpireOverdue_OnlyTouchesOverdueSession(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	first := f.newGame(t, "reuse-sweep")
	f.svc.Stop()

	// первая игра закрыта по сверке, вторая с тем же id только началась
	_, err := f.db.Pool.Exec(ctx,
		`UPDATE roulette_sessions SET deadline_at = NOW() - INTERVAL '10 seconds' WHERE session_id = $1`, first.ID)
	require.NoError(t, err)
	n, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second := f.newGame(t, "reuse-sweep")
	n, err = f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StatusInProgress, f.reload(t, second.ID).Status)
}

// Таймера нет (рестарт воркера), дедлайн в БД уже прошёл: ставка не играет.
func TestPlaceBet_AfterDeadlineTimesOut(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.fixedWheel(1)
	ctx := context.Background()
	session := f.newGame(t, "late-bet")

	f.svc.Stop()
	_, err := f.db.Pool.Exec(ctx,
		`UPDATE roulette_sessions SET deadline_at = NOW() - INTERVAL '10 seconds' WHERE session_id = $1`, session.ID)
	require.NoError(t, err)

	got, err := f.svc.PlaceBet(ctx, "late-bet", testUser, "RED")
	assert.ErrorIs(t, err, common.ErrSessionNotActive)
	assert.Nil(t, got)

	s := f.reload(t, session.ID)
	assert.Equal(t, StatusCompletedLoss, s.Status)
	assert.Equal(t, OutcomeTimeout, s.State.Outcome)
	assert.Nil(t, s.State.WinningSlot)
	assert.Nil(t, s.State.Settlement)
	assert.Empty(t, s.State.BetValue)
	assert.Equal(t, []string{"prompt", "timeout"}, f.outboxKinds(t, session.ID))
}

func TestCancel_AfterDeadlineTimesOut(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	session := f.newGame(t, "late-cancel")

	f.svc.Stop()
	_, err := f.db.Pool.Exec(ctx,
		`UPDATE roulette_sessions SET deadline_at = NOW() - INTERVAL '10 seconds' WHERE session_id = $1`, session.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "late-cancel", testUser)
	assert.ErrorIs(t, err, common.ErrSessionNotActive)

	s := f.reload(t, session.ID)
	assert.Equal(t, StatusCompletedLoss, s.Status)
	assert.Equal(t, OutcomeTimeout, s.State.Outcome)
	assert.Equal(t, []string{"prompt", "timeout"}, f.outboxKinds(t, session.ID))
}

// Чужой клик после дедлайна ничего не закрывает: проверка хозяина раньше.
func TestForeignUserAfterDeadlineChangesNothing(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	session := f.newGame(t, "late-foreign")

	f.svc.Stop()
	_, err := f.db.Pool.Exec(ctx,
		`UPDATE roulette_sessions SET deadline_at = NOW() - INTERVAL '10 seconds' WHERE session_id = $1`, session.ID)
	require.NoError(t, err)

	_, err = f.svc.PlaceBet(ctx, "late-foreign", otherUser, "RED")
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	assert.Equal(t, StatusInProgress, f.reload(t, session.ID).Status)
}

func TestSecondGameAfterTerminal(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	first := f.newGame(t, "reuse-1")
	_, err := f.svc.Cancel(ctx, "reuse-1", testUser)
	require.NoError(t, err)

	// частичный уникальный индекс допускает новую игру с тем же id
	second := f.newGame(t, "reuse-1")
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := f.svc.Lookup(ctx, "reuse-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}
