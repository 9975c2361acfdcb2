// Package alerts pushes operator notifications to a Telegram chat through a
// regular bot. The bot never touches the pooled MTProto accounts.
package alerts

import (
	"context"
	"log"

	"chanwatch/internal/database/models"
	"chanwatch/internal/locales"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nicksnyder/go-i18n/v2/i18n"
)

// MessageSender is the slice of the bot API the notifier needs.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Notifier sends alert texts to the configured operator chat. A nil
// *Notifier is valid and silently drops everything, so callers can hold it
// unconditionally.
type Notifier struct {
	bot       MessageSender
	chatID    int64
	localizer *i18n.Localizer
}

// NewNotifier creates a notifier. Returns nil when the token is empty,
// which disables alerting.
func NewNotifier(token string, chatID int64, debug bool) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}

	var bot *telego.Bot
	var err error
	if debug {
		bot, err = telego.NewBot(token, telego.WithDefaultDebugLogger())
	} else {
		bot, err = telego.NewBot(token, telego.WithDefaultLogger(false, false))
	}
	if err != nil {
		return nil, err
	}

	return &Notifier{
		bot:       bot,
		chatID:    chatID,
		localizer: locales.NewLocalizer(locales.GetDefaultLanguageTag().String()),
	}, nil
}

// NewNotifierWithSender wires a custom sender. Used by tests.
func NewNotifierWithSender(sender MessageSender, chatID int64, localizer *i18n.Localizer) *Notifier {
	return &Notifier{bot: sender, chatID: chatID, localizer: localizer}
}

// AccountUnhealthy reports an account leaving the active pool.
func (n *Notifier) AccountUnhealthy(ctx context.Context, account *models.Account, reason string) {
	if n == nil {
		return
	}
	n.send(ctx, locales.GetMessage(n.localizer, "AlertAccountUnhealthy", map[string]interface{}{
		"Phone":  account.Phone,
		"Status": string(account.Status),
		"Reason": reason,
	}))
}

// CapacityExhausted reports a channel that could not be assigned to any
// account.
func (n *Notifier) CapacityExhausted(ctx context.Context, channel *models.Channel) {
	if n == nil {
		return
	}
	n.send(ctx, locales.GetMessage(n.localizer, "AlertCapacityExhausted", map[string]interface{}{
		"Ref": channel.Ref,
	}))
}

// WebhookDisabled reports a webhook taken out of rotation after repeated
// delivery failures.
func (n *Notifier) WebhookDisabled(ctx context.Context, webhook *models.Webhook) {
	if n == nil {
		return
	}
	n.send(ctx, locales.GetMessage(n.localizer, "AlertWebhookDisabled", map[string]interface{}{
		"URL":      webhook.URL,
		"Failures": webhook.FailureCount,
	}))
}

func (n *Notifier) send(ctx context.Context, text string) {
	if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), text)); err != nil {
		// Alerting is best effort; the alert text already carries the details.
		log.Printf("[Alerts] Failed to send alert: %v", err)
	}
}
