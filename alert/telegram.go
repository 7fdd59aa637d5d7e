package alert

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramSink forwards alerts to a Telegram chat. Emission is fire-and-forget
// on a buffered channel so a slow Telegram API never stalls a trading path.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	queue  chan string
}

// NewTelegramSink authenticates against the bot API and starts the sender
// goroutine. Alerts are dropped (with a log line) when the queue is full.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	s := &TelegramSink{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan string, 64),
	}
	go s.sendLoop()

	log.Info().Str("bot", bot.Self.UserName).Msg("📨 Telegram alert sink enabled")
	return s, nil
}

func (s *TelegramSink) Emit(category, message string, context map[string]string) {
	line := Format(category, message, context)
	select {
	case s.queue <- line:
	default:
		log.Warn().Str("category", category).Msg("telegram alert queue full, dropping")
	}
}

func (s *TelegramSink) sendLoop() {
	for line := range s.queue {
		msg := tgbotapi.NewMessage(s.chatID, line)
		if _, err := s.bot.Send(msg); err != nil {
			log.Warn().Err(err).Msg("telegram send failed")
		}
	}
}
