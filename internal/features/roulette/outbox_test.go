package roulette

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentCall struct {
	Method    string
	ChatID    int64
	MessageID int
	Text      string
}

type fakeMessenger struct {
	mu     sync.Mutex
	calls  []sentCall
	nextID int
	fail   int // сколько следующих вызовов упадут
}

func (m *fakeMessenger) record(c sentCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("telegram: 502 Bad Gateway")
	}
	m.calls = append(m.calls, c)
	return nil
}

func (m *fakeMessenger) SendPrompt(_ context.Context, chatID int64, text string, _ Keyboard) (int, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	if err := m.record(sentCall{Method: "prompt", ChatID: chatID, MessageID: id, Text: text}); err != nil {
		return 0, err
	}
	return id, nil
}

func (m *fakeMessenger) EditPrompt(_ context.Context, chatID int64, messageID int, text string) error {
	return m.record(sentCall{Method: "edit", ChatID: chatID, MessageID: messageID, Text: text})
}

func (m *fakeMessenger) SendOutcomeAsset(_ context.Context, chatID int64, _ Slot, caption string) error {
	return m.record(sentCall{Method: "asset", ChatID: chatID, Text: caption})
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string) error {
	return m.record(sentCall{Method: "text", ChatID: chatID, Text: text})
}

func (m *fakeMessenger) DeletePrompt(_ context.Context, chatID int64, messageID int) error {
	return m.record(sentCall{Method: "delete", ChatID: chatID, MessageID: messageID})
}

func (m *fakeMessenger) methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Method)
	}
	return out
}

func (m *fakeMessenger) last() sentCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

func newDispatcherFixture(t *testing.T) (*fixture, *Dispatcher, *fakeMessenger) {
	t.Helper()
	f := newFixture(t, time.Minute)
	f.svc.cfg.SpinDelay = 0
	f.svc.cfg.RevealDelay = 0
	f.svc.cfg.OutboxMaxRetries = 2
	f.svc.cfg.OutboxPollInterval = 20 * time.Millisecond

	m := &fakeMessenger{}
	h := NewHandler(f.svc, m, f.svc.cfg)
	d := NewDispatcher(f.repo, h, m, f.svc.cfg)
	f.svc.OnEnqueued(d.Wake)
	return f, d, m
}

func TestDispatcher_FullWinningGame(t *testing.T) {
	f, d, m := newDispatcherFixture(t)
	f.fixedWheel(14)
	ctx := context.Background()
	session := f.newGame(t, "out-1")

	assert.Equal(t, 1, d.Drain(ctx))
	assert.Equal(t, []string{"prompt"}, m.methods())

	s := f.reload(t, session.ID)
	require.NotNil(t, s.State.PromptMessageID, "id промпта сохранён в состоянии")
	promptID := *s.State.PromptMessageID

	_, err := f.svc.PlaceBet(ctx, "out-1", testUser, "RED")
	require.NoError(t, err)

	assert.Equal(t, 4, d.Drain(ctx))
	assert.Equal(t, []string{"prompt", "edit", "asset", "text", "delete"}, m.methods())
	assert.Equal(t, promptID, m.last().MessageID)

	// итог записан после исхода, id промпта не потерян
	s = f.reload(t, session.ID)
	assert.Equal(t, StatusCompletedWin, s.Status)
	assert.Equal(t, promptID, *s.State.PromptMessageID)

	assert.Zero(t, d.Drain(ctx))
}

func TestDispatcher_PacingDelaysDelivery(t *testing.T) {
	f, d, m := newDispatcherFixture(t)
	f.svc.cfg.SpinDelay = time.Hour
	ctx := context.Background()
	f.newGame(t, "out-slow")
	d.Drain(ctx)

	_, err := f.svc.PlaceBet(ctx, "out-slow", testUser, "ODD")
	require.NoError(t, err)

	// «крутим» уходит сразу, число и итог ждут своей задержки
	assert.Equal(t, 1, d.Drain(ctx))
	assert.Equal(t, []string{"prompt", "edit"}, m.methods())
}

func TestDispatcher_RetriesThenFails(t *testing.T) {
	f, d, m := newDispatcherFixture(t)
	ctx := context.Background()
	session := f.newGame(t, "out-retry")

	m.fail = 1
	assert.Equal(t, 1, d.Drain(ctx))
	assert.Empty(t, m.methods())

	var status string
	var retries int
	err := f.db.Pool.QueryRow(ctx,
		`SELECT status, retry_count FROM roulette_outbox WHERE session_id = $1`, session.ID).Scan(&status, &retries)
	require.NoError(t, err)
	assert.Equal(t, "pending", status)
	assert.Equal(t, 1, retries)

	// повтор по расписанию: переносим deliver_after в прошлое
	_, err = f.db.Pool.Exec(ctx, `UPDATE roulette_outbox SET deliver_after = NOW() WHERE session_id = $1`, session.ID)
	require.NoError(t, err)
	m.fail = 1
	d.Drain(ctx)

	err = f.db.Pool.QueryRow(ctx,
		`SELECT status, retry_count FROM roulette_outbox WHERE session_id = $1`, session.ID).Scan(&status, &retries)
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
	assert.Equal(t, 2, retries)

	// промпт так и не ушёл: отмена пишется новым сообщением, а не правкой
	_, err = f.svc.Cancel(ctx, "out-retry", testUser)
	require.NoError(t, err)
	d.Drain(ctx)
	assert.Equal(t, []string{"text"}, m.methods())
}

func TestDispatcher_PromptRedeliveryIsSkipped(t *testing.T) {
	f, d, m := newDispatcherFixture(t)
	ctx := context.Background()
	session := f.newGame(t, "out-dup")
	d.Drain(ctx)

	// сбой между отправкой и отметкой: запись снова pending
	_, err := f.db.Pool.Exec(ctx,
		`UPDATE roulette_outbox SET status = 'pending' WHERE session_id = $1 AND kind = 'prompt'`, session.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, d.Drain(ctx))
	assert.Equal(t, []string{"prompt"}, m.methods(), "второй промпт не отправлен")
}

func TestDispatcher_RunWakesOnEnqueue(t *testing.T) {
	f, d, m := newDispatcherFixture(t)
	f.svc.cfg.OutboxPollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	f.newGame(t, "out-wake")
	assert.Eventually(t, func() bool { return len(m.methods()) == 1 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
