package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type Notifier interface {
	Send(msg string)
	Sendf(format string, args ...any)
}

// Telegram pushes operator notifications (exits, retry exhaustion, unmatched
// confirmations) to a single chat. Repeated messages under the same key are
// throttled so a flapping condition does not flood the chat.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:      b,
		chatID:   chatID,
		lastSent: make(map[string]time.Time),
	}, nil
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	_, _ = t.bot.Send(tgbot.NewMessage(t.chatID, msg))
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

// SendThrottled sends at most one message per key per window.
func (t *Telegram) SendThrottled(key string, window time.Duration, msg string) {
	if !t.canSend(key, window) {
		return
	}
	t.Send(msg)
}

func (t *Telegram) canSend(key string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastSent[key]; ok && time.Since(last) < window {
		return false
	}
	t.lastSent[key] = time.Now()
	return true
}

// Stdout logs everything; used when no telegram token is configured.
type Stdout struct{}

func NewStdout() *Stdout                           { return &Stdout{} }
func (s *Stdout) Send(msg string)                  { log.Println(msg) }
func (s *Stdout) Sendf(format string, args ...any) { log.Printf(format, args...) }
