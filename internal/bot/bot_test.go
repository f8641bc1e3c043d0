package bot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/roulette-helper/internal/features/roulette"
)

func TestParseCommand(t *testing.T) {
	p := NewCommandParser()

	tests := []struct {
		name  string
		text  string
		cmd   string
		args  []string
		isCmd bool
	}{
		{"slash", "/status 42", "status", []string{"42"}, true},
		{"bot mention", "/status@roulette_bot g-1", "status", []string{"g-1"}, true},
		{"bang russian", "!Рулетка 7", "рулетка", []string{"7"}, true},
		{"no args", ".help", "help", nil, true},
		{"plain text", "привет", "", nil, false},
		{"only prefix", "/", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, ok := p.ParseCommand(tt.text)
			assert.Equal(t, tt.isCmd, ok)
			assert.Equal(t, tt.cmd, cmd)
			assert.Equal(t, tt.args, args)
		})
	}
}

type fakeSender struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
	reqErr   error
	nextID   int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	if f.reqErr != nil {
		return nil, f.reqErr
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestMessenger_SendPromptWithKeyboard(t *testing.T) {
	api := &fakeSender{nextID: 99}
	m := NewMessenger(api, nil)

	id, err := m.SendPrompt(context.Background(), -100, "ставь", roulette.BettingKeyboard("g1"))
	require.NoError(t, err)
	assert.Equal(t, 100, id)

	require.Len(t, api.sent, 1)
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)

	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	first := markup.InlineKeyboard[0][0]
	require.NotNil(t, first.CallbackData)
	assert.Equal(t, "roulette_bet:g1:RED", *first.CallbackData)

	last := markup.InlineKeyboard[len(markup.InlineKeyboard)-1][0]
	assert.Equal(t, "roulette_cancel:g1", *last.CallbackData)
}

func TestMessenger_OutcomeAssetFallsBackToText(t *testing.T) {
	api := &fakeSender{}
	m := NewMessenger(api, map[string]string{"00": "sticker-00"})

	require.NoError(t, m.SendOutcomeAsset(context.Background(), 1, roulette.DoubleZero, "00"))
	require.Len(t, api.sent, 1)
	_, isSticker := api.sent[0].(tgbotapi.StickerConfig)
	assert.True(t, isSticker)

	require.NoError(t, m.SendOutcomeAsset(context.Background(), 1, roulette.Slot(17), "17"))
	require.Len(t, api.sent, 2)
	_, isText := api.sent[1].(tgbotapi.MessageConfig)
	assert.True(t, isText)
}

func TestMessenger_IdempotentTelegramErrors(t *testing.T) {
	api := &fakeSender{reqErr: errors.New("Bad Request: message is not modified")}
	m := NewMessenger(api, nil)
	assert.NoError(t, m.EditPrompt(context.Background(), 1, 2, "x"))

	api.reqErr = errors.New("Bad Request: message to delete not found")
	assert.NoError(t, m.DeletePrompt(context.Background(), 1, 2))

	api.reqErr = errors.New("Too Many Requests: retry after 5")
	assert.Error(t, m.DeletePrompt(context.Background(), 1, 2))
}

func TestMessenger_CancelledContext(t *testing.T) {
	api := &fakeSender{}
	m := NewMessenger(api, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.SendText(ctx, 1, "x"), context.Canceled)
	assert.Empty(t, api.sent)
}

func TestServe_WaitsForInflightHandlers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished, stopped atomic.Bool

	b := &Bot{inflight: make(chan struct{}, 4)}
	b.handle = func(_ context.Context, _ tgbotapi.Update) {
		close(started)
		<-release
		finished.Store(true)
	}

	updates := make(chan tgbotapi.Update, 1)
	updates <- tgbotapi.Update{UpdateID: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.serve(ctx, updates, func() { stopped.Store(true) })
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("serve вернулся раньше обработчика")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve не вернулся после завершения обработчика")
	}
	assert.True(t, finished.Load())
	assert.True(t, stopped.Load())
}
