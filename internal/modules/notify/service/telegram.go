package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// botAPI — часть tgbot.BotAPI, которой мы пользуемся.
type botAPI interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
	GetUpdatesChan(config tgbot.UpdateConfig) tgbot.UpdatesChannel
	StopReceivingUpdates()
}

type SafeMode interface {
	Open() bool
	Clear(ctx context.Context, source string) bool
}

type PositionLister interface {
	OpenPositions(ctx context.Context) ([]models.BrokerPosition, error)
}

// ActiveCounter — сколько кандидатов сейчас живы.
type ActiveCounter interface {
	Active() []models.SetupCandidate
}

// Telegram — алерты по событиям шины и команды /resume, /status, /positions.
// Команды принимаются только из настроенного чата.
type Telegram struct {
	bot    botAPI
	chatID int64
	log    *zap.Logger

	safe      SafeMode
	positions PositionLister
	active    ActiveCounter

	wg sync.WaitGroup
}

func NewTelegram(token string, chatID int64, safe SafeMode, positions PositionLister, active ActiveCounter, log *zap.Logger) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newTelegram(b, chatID, safe, positions, active, log), nil
}

func newTelegram(bot botAPI, chatID int64, safe SafeMode, positions PositionLister, active ActiveCounter, log *zap.Logger) *Telegram {
	return &Telegram{
		bot:       bot,
		chatID:    chatID,
		log:       logger.OrNop(log),
		safe:      safe,
		positions: positions,
		active:    active,
	}
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	m := tgbot.NewMessage(t.chatID, msg)
	m.ParseMode = tgbot.ModeMarkdown
	if _, err := t.bot.Send(m); err != nil {
		t.log.Warn("[TG] send failed", zap.Error(err))
	}
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

// Start — long-polling в фоне до Stop.
func (t *Telegram) Start(ctx context.Context) {
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for update := range updates {
			t.handleUpdate(ctx, update)
		}
	}()
}

func (t *Telegram) Stop() {
	t.bot.StopReceivingUpdates()
	t.wg.Wait()
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbot.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if msg.Chat.ID != t.chatID {
		t.log.Warn("[TG] command from foreign chat ignored",
			zap.Int64("chat", msg.Chat.ID), zap.String("command", msg.Command()))
		return
	}

	switch msg.Command() {
	case "resume":
		t.handleResume(ctx)
	case "status":
		t.handleStatus()
	case "positions":
		t.handlePositions(ctx)
	default:
		t.Send("Команды: /status, /positions, /resume")
	}
}

func (t *Telegram) handleResume(ctx context.Context) {
	if t.safe == nil {
		t.Send("❗️ Breaker не подключён")
		return
	}
	if !t.safe.Clear(ctx, "telegram") {
		t.Send("ℹ️ Safe mode и так выключен")
	}
	// об успешном снятии сообщит HandleBreaker по событию
}

func (t *Telegram) handleStatus() {
	safe := t.safe != nil && t.safe.Open()
	var active []models.SetupCandidate
	if t.active != nil {
		active = t.active.Active()
	}
	t.Send(formatStatus(safe, active))
}

// /positions — открытые позиции у брокера
func (t *Telegram) handlePositions(ctx context.Context) {
	if t.positions == nil {
		t.Send("❗️ Брокер не подключён")
		return
	}
	positions, err := t.positions.OpenPositions(ctx)
	if err != nil {
		t.Sendf("❗️ Ошибка получения позиций: %v", err)
		return
	}
	if len(positions) == 0 {
		t.Send("📭 Открытых позиций нет")
		return
	}

	var b strings.Builder
	b.WriteString("📊 Открытые позиции:\n")
	for _, p := range positions {
		fmt.Fprintf(&b, "- %s [%s] size=%s @ %s last=%s\n",
			p.Symbol, strings.ToUpper(p.PosSide), f4(p.Size), f4(p.AvgPrice), f4(p.LastPx))
	}
	t.Send(b.String())
}

// HandleSetupCompleted — подписчик шины.
func (t *Telegram) HandleSetupCompleted(_ context.Context, ev models.Event) error {
	if c, ok := ev.Payload.(models.SetupCandidate); ok {
		t.Send(formatSetup(c))
	}
	return nil
}

func (t *Telegram) HandleOrderDecision(_ context.Context, ev models.Event) error {
	if r, ok := ev.Payload.(models.OrderResult); ok {
		t.Send(formatDecision(r))
	}
	return nil
}

func (t *Telegram) HandleBreaker(_ context.Context, ev models.Event) error {
	if b, ok := ev.Payload.(models.BreakerEvent); ok {
		t.Send(formatBreaker(ev.Type, b))
	}
	return nil
}

func (t *Telegram) HandleMismatch(_ context.Context, ev models.Event) error {
	if m, ok := ev.Payload.(models.Mismatch); ok {
		t.Send(formatMismatch(m))
	}
	return nil
}
