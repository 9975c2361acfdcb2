package alerts

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"chanwatch/internal/monitor"

	"github.com/getsentry/sentry-go"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/ratelimit"
)

// CommandListener is the operator command surface, served over the same bot
// that delivers alerts. Only messages from the configured operator chat are
// acted on.
type CommandListener struct {
	bot         *telego.Bot
	chatID      int64
	service     *monitor.Service
	debug       bool
	ratelimiter ratelimit.Limiter
}

// NewCommandListener creates the listener. Returns nil when the bot is not
// configured, in which case the command surface is disabled.
func NewCommandListener(notifier *Notifier, service *monitor.Service, debug bool) *CommandListener {
	if notifier == nil {
		return nil
	}
	bot, ok := notifier.bot.(*telego.Bot)
	if !ok {
		return nil
	}
	return &CommandListener{
		bot:         bot,
		chatID:      notifier.chatID,
		service:     service,
		debug:       debug,
		ratelimiter: ratelimit.New(20),
	}
}

// Run consumes bot updates until the context is cancelled. A nil listener
// returns immediately.
func (l *CommandListener) Run(ctx context.Context) {
	if l == nil {
		return
	}

	updates, err := l.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		log.Printf("[Commands] Failed to start long polling: %v", err)
		sentry.CaptureException(err)
		return
	}
	log.Println("[Commands] Operator command listener started")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Commands] Operator command listener stopped")
			return
		case update, ok := <-updates:
			if !ok {
				log.Println("[Commands] Updates channel closed")
				return
			}
			l.processUpdate(ctx, update)
		}
	}
}

func (l *CommandListener) processUpdate(ctx context.Context, update telego.Update) {
	l.ratelimiter.Take()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC recovered in processUpdate: %v\n%s", r, debug.Stack())
			sentry.CurrentHub().Recover(r)
			sentry.Flush(time.Second * 2)
		}
	}()

	message := update.Message
	if message == nil || !strings.HasPrefix(message.Text, "/") {
		return
	}
	if message.Chat.ID != l.chatID {
		log.Printf("[Commands] Ignoring command from unexpected chat %d", message.Chat.ID)
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fields := strings.Fields(message.Text)
	command := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]
	logPrefix := fmt.Sprintf("[Cmd:%s Chat:%d]", command, message.Chat.ID)

	reply, err := l.execute(cmdCtx, command, args)
	if err != nil {
		log.Printf("%s Handler error: %v", logPrefix, err)
		reply = fmt.Sprintf("Error: %v", err)
	} else if l.debug {
		log.Printf("%s Handler finished successfully", logPrefix)
	}

	if _, serr := l.bot.SendMessage(ctx, tu.Message(tu.ID(l.chatID), reply)); serr != nil {
		log.Printf("%s Failed to send reply: %v", logPrefix, serr)
	}
}

func (l *CommandListener) execute(ctx context.Context, command string, args []string) (string, error) {
	switch command {
	case "add":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: /add <channel>")
		}
		status, err := l.service.AddChannel(ctx, args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Channel %s is now monitored by account %s", status.Ref, status.AccountID), nil

	case "reassign":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: /reassign <channel>")
		}
		if err := l.service.ReassignChannel(ctx, args[0]); err != nil {
			return "", err
		}
		return fmt.Sprintf("Channel %s reassigned", args[0]), nil

	case "status":
		statuses, err := l.service.Status(ctx)
		if err != nil {
			return "", err
		}
		if len(statuses) == 0 {
			return "No channels registered", nil
		}
		var b strings.Builder
		for _, s := range statuses {
			state := "NOT monitored"
			if s.Monitored {
				state = "monitored by " + s.AccountID
			}
			fmt.Fprintf(&b, "%s: %s\n", s.Ref, state)
		}
		return b.String(), nil

	case "webhook":
		if len(args) < 2 || len(args) > 3 {
			return "", fmt.Errorf("usage: /webhook <url> <event> [secret]")
		}
		secret := ""
		if len(args) == 3 {
			secret = args[2]
		}
		hook, err := l.service.RegisterWebhook(ctx, args[0], args[1], secret)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Webhook %s registered for %s", hook.ID.Hex(), hook.EventType), nil

	default:
		return "Unknown command. Available: /add, /reassign, /status, /webhook", nil
	}
}
