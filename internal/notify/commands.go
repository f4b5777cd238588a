package notify

import (
	"context"
	"strings"

	"lot_bot/pkg/logger"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Commander is the ops surface exposed over chat commands; the runner
// implements it.
type Commander interface {
	GroupStatus(groupID string) (string, error)
	PositionStatus(positionID string) (string, error)
	ForceExit(ctx context.Context, positionID, reason string) error
}

// Listen polls chat updates and dispatches operator commands until ctx ends.
// Only messages from the configured chat are honored.
func (t *Telegram) Listen(ctx context.Context, cmd Commander) {
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		case update := <-updates:
			t.handleUpdate(ctx, cmd, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, cmd Commander, update tgbot.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}
	if msg.Chat == nil {
		return
	}
	if msg.Chat.ID != t.chatID {
		logger.Error("telegram: command from foreign chat %d ignored", msg.Chat.ID)
		return
	}

	arg := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "status":
		if arg == "" {
			t.Send("usage: /status <group_id>")
			return
		}
		text, err := cmd.GroupStatus(arg)
		if err != nil {
			t.Sendf("status %s: %v", arg, err)
			return
		}
		t.Send(text)

	case "position":
		if arg == "" {
			t.Send("usage: /position <position_id>")
			return
		}
		text, err := cmd.PositionStatus(arg)
		if err != nil {
			t.Sendf("position %s: %v", arg, err)
			return
		}
		t.Send(text)

	case "exit":
		if arg == "" {
			t.Send("usage: /exit <position_id>")
			return
		}
		if err := cmd.ForceExit(ctx, arg, ""); err != nil {
			t.Sendf("exit %s: %v", arg, err)
			return
		}
		t.Sendf("exit submitted for %s", arg)

	case "help", "start":
		t.Send("commands:\n/status <group_id>\n/position <position_id>\n/exit <position_id>")
	}
}
