package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"breakout_bot/internal/models"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu      sync.Mutex
	sent    []tgbot.MessageConfig
	updates chan tgbot.Update
}

func newFakeBot() *fakeBot { return &fakeBot{updates: make(chan tgbot.Update, 8)} }

func (b *fakeBot) Send(c tgbot.Chattable) (tgbot.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := c.(tgbot.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbot.Message{}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbot.UpdateConfig) tgbot.UpdatesChannel { return b.updates }
func (b *fakeBot) StopReceivingUpdates()                                 { close(b.updates) }

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sent))
	for _, m := range b.sent {
		out = append(out, m.Text)
	}
	return out
}

type fakeSafe struct {
	open    bool
	cleared []string
}

func (s *fakeSafe) Open() bool { return s.open }
func (s *fakeSafe) Clear(_ context.Context, source string) bool {
	if !s.open {
		return false
	}
	s.open = false
	s.cleared = append(s.cleared, source)
	return true
}

type fakePositions struct {
	list []models.BrokerPosition
	err  error
}

func (p fakePositions) OpenPositions(context.Context) ([]models.BrokerPosition, error) {
	return p.list, p.err
}

type fakeActive []models.SetupCandidate

func (a fakeActive) Active() []models.SetupCandidate { return a }

const chatID int64 = 42

func command(chat int64, text string) tgbot.Update {
	return tgbot.Update{Message: &tgbot.Message{
		Text:     text,
		Chat:     &tgbot.Chat{ID: chat},
		Entities: []tgbot.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func TestResumeClearsBreaker(t *testing.T) {
	bot := newFakeBot()
	safe := &fakeSafe{open: true}
	tg := newTelegram(bot, chatID, safe, nil, nil, nil)

	tg.handleUpdate(context.Background(), command(chatID, "/resume"))
	assert.Equal(t, []string{"telegram"}, safe.cleared)
	assert.Empty(t, bot.texts(), "об успешном снятии сообщает событие шины")

	tg.handleUpdate(context.Background(), command(chatID, "/resume"))
	require.Len(t, bot.texts(), 1)
	assert.Contains(t, bot.texts()[0], "и так выключен")
}

func TestForeignChatIgnored(t *testing.T) {
	bot := newFakeBot()
	safe := &fakeSafe{open: true}
	tg := newTelegram(bot, chatID, safe, nil, nil, nil)

	tg.handleUpdate(context.Background(), command(7, "/resume"))
	assert.True(t, safe.open)
	assert.Empty(t, bot.texts())
}

func TestStatusAndPositions(t *testing.T) {
	bot := newFakeBot()
	active := fakeActive{
		{State: models.StateWatchingFirstBreakout},
		{State: models.StateWatchingFirstBreakout},
		{State: models.StateWaitingEntry},
	}
	positions := fakePositions{list: []models.BrokerPosition{
		{Symbol: "BTC-USDT-SWAP", PosSide: "short", Size: 2, AvgPrice: 15275, LastPx: 15260},
	}}
	tg := newTelegram(bot, chatID, &fakeSafe{open: true}, positions, active, nil)

	tg.handleUpdate(context.Background(), command(chatID, "/status"))
	tg.handleUpdate(context.Background(), command(chatID, "/positions"))

	texts := bot.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "safe mode")
	assert.Contains(t, texts[0], "активных кандидатов: 3")
	assert.Contains(t, texts[0], "WATCHING_FIRST_BREAKOUT: 2")
	assert.Contains(t, texts[1], "BTC-USDT-SWAP [SHORT] size=2 @ 15275")
}

func TestPositionsError(t *testing.T) {
	bot := newFakeBot()
	tg := newTelegram(bot, chatID, nil, fakePositions{err: errors.New("boom")}, nil, nil)

	tg.handleUpdate(context.Background(), command(chatID, "/positions"))
	require.Len(t, bot.texts(), 1)
	assert.Contains(t, bot.texts()[0], "boom")
}

func TestBusHandlers(t *testing.T) {
	bot := newFakeBot()
	tg := newTelegram(bot, chatID, nil, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, tg.HandleOrderDecision(ctx, models.Event{
		Type: models.EventOrderDecision,
		Payload: models.OrderResult{
			Decision: models.DecisionRejected, Reason: models.DecisionReasonBrokerRejected,
			Symbol: "ETH-USDT-SWAP", Reference: "lqabc",
		},
	}))
	require.NoError(t, tg.HandleBreaker(ctx, models.Event{
		Type:    models.EventBreakerTripped,
		Payload: models.BreakerEvent{Source: "executor", Reason: "3 failures"},
	}))
	require.NoError(t, tg.HandleSetupCompleted(ctx, models.Event{
		Type: models.EventSetupCompleted,
		Payload: models.SetupCandidate{
			Symbol: "BTC-USDT-SWAP", Side: models.SideSell,
			EntryPrice: 15275, StopLoss: 15318.06, TakeProfit: 15150, RiskReward: 2.9,
			EntryTime: time.Date(2024, 1, 2, 10, 5, 0, 0, time.UTC),
		},
	}))
	require.NoError(t, tg.HandleMismatch(ctx, models.Event{
		Type:    models.EventMismatch,
		Payload: models.Mismatch{Kind: models.MismatchUnknownPosition, Symbol: "SOL-USDT-SWAP", PosSide: "long"},
	}))
	// чужой payload молча пропускается
	require.NoError(t, tg.HandleOrderDecision(ctx, models.Event{Payload: "garbage"}))

	texts := bot.texts()
	require.Len(t, texts, 4)
	assert.Contains(t, texts[0], "REJECTED")
	assert.Contains(t, texts[0], "BROKER_REJECTED")
	assert.Contains(t, texts[1], "Safe mode включён")
	assert.Contains(t, texts[2], "SHORT")
	assert.Contains(t, texts[2], "15318.06")
	assert.Contains(t, texts[3], "UNKNOWN_AT_BROKER")
}

func TestStartStopDrainsUpdates(t *testing.T) {
	bot := newFakeBot()
	safe := &fakeSafe{open: true}
	tg := newTelegram(bot, chatID, safe, nil, nil, nil)

	tg.Start(context.Background())
	bot.updates <- command(chatID, "/resume")
	tg.Stop()

	assert.False(t, safe.open)
}

func TestSendWithoutChatIsNoop(t *testing.T) {
	bot := newFakeBot()
	tg := newTelegram(bot, 0, nil, nil, nil, nil)
	tg.Send("hi")
	assert.Empty(t, bot.texts())
}
