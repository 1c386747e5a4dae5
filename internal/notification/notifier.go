// Package notification pushes trade and breaker alerts to operators.
package notification

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/trade"
)

// Notifier is the outbound alert channel. Implementations must be safe for
// concurrent use; delivery is best effort.
type Notifier interface {
	PositionOpened(pos *trade.Position)
	PositionClosed(pos *trade.Position)
	BreakerTripped(reason string)
	BreakerReset()
}

// Noop discards every alert. Used when notifications are disabled.
type Noop struct{}

func (Noop) PositionOpened(*trade.Position) {}
func (Noop) PositionClosed(*trade.Position) {}
func (Noop) BreakerTripped(string)          {}
func (Noop) BreakerReset()                  {}

// Telegram delivers alerts to a chat. Send failures are logged and dropped.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegram authenticates the bot against the Telegram API.
func NewTelegram(cfg config.TelegramConfig, log zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: cfg.ChatID,
		log:    log.With().Str("component", "notification").Logger(),
	}, nil
}

func (t *Telegram) PositionOpened(pos *trade.Position) {
	t.send(fmt.Sprintf(
		"📈 Opened %s %s\nEntry: %.4f  Qty: %.6f  Lev: %dx\nStop: %.4f  Target: %.4f",
		pos.Direction, pos.Instrument, pos.EntryPrice, pos.Quantity,
		pos.Leverage, pos.StopLoss, pos.TakeProfit,
	))
}

func (t *Telegram) PositionClosed(pos *trade.Position) {
	emoji := "✅"
	if pos.RealizedPnL < 0 {
		emoji = "🔻"
	}
	t.send(fmt.Sprintf(
		"%s Closed %s %s (%s)\nExit: %.4f  PnL: %+.2f USD",
		emoji, pos.Direction, pos.Instrument, pos.ExitReason,
		pos.ExitPrice, pos.RealizedPnL,
	))
}

func (t *Telegram) BreakerTripped(reason string) {
	t.send("🛑 Circuit breaker tripped: " + reason)
}

func (t *Telegram) BreakerReset() {
	t.send("🟢 Circuit breaker re-armed, trading resumed")
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Warn().Err(err).Msg("telegram send failed")
	}
}
