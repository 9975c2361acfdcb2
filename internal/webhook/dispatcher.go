// Package webhook fans ingestion events out to registered endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"chanwatch/internal/database"
	"chanwatch/internal/database/models"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AlertSink receives operator notifications. A nil sink disables alerting.
type AlertSink interface {
	WebhookDisabled(ctx context.Context, webhook *models.Webhook)
}

// Config tunes the dispatcher.
type Config struct {
	// RetryLimit is the failure count at which a webhook is disabled.
	RetryLimit int
	// Timeout bounds one delivery POST.
	Timeout time.Duration
	// RetryInterval is the cadence of the failed-delivery sweep.
	RetryInterval time.Duration
	// RetryWindow is how far back the sweep looks.
	RetryWindow time.Duration
}

// DefaultConfig returns the dispatcher settings used in production.
func DefaultConfig() Config {
	return Config{
		RetryLimit:    3,
		Timeout:       10 * time.Second,
		RetryInterval: time.Hour,
		RetryWindow:   24 * time.Hour,
	}
}

// payload is the wire format POSTed to endpoints.
type payload struct {
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	Message   payloadMessage `json:"message"`
}

type payloadMessage struct {
	ID                string     `json:"id"`
	ChannelID         string     `json:"channel_id"`
	ExternalMessageID int64      `json:"external_message_id"`
	Content           string     `json:"content"`
	SenderID          int64      `json:"sender_id"`
	SenderName        string     `json:"sender_name"`
	Date              time.Time  `json:"date"`
	IsDeleted         bool       `json:"is_deleted"`
	DeletedAt         *time.Time `json:"deleted_at"`
	MediaType         string     `json:"media_type"`
}

// Dispatcher delivers events to all matching webhooks, signs payloads and
// keeps the delivery audit trail.
type Dispatcher struct {
	webhooks   database.WebhookRepository
	deliveries database.DeliveryRepository
	client     *http.Client
	cfg        Config
	alerts     AlertSink
}

// NewDispatcher creates a dispatcher. alerts may be nil.
func NewDispatcher(webhooks database.WebhookRepository, deliveries database.DeliveryRepository, cfg Config, alerts AlertSink) *Dispatcher {
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		client:     &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		alerts:     alerts,
	}
}

// Dispatch delivers one event to every active webhook subscribed to its
// type. Individual delivery failures are recorded per webhook and never
// fail the dispatch as a whole.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, message *models.Message) error {
	webhooks, err := d.webhooks.ListActiveForEvent(ctx, eventType)
	if err != nil {
		return fmt.Errorf("failed to load webhooks for %s: %w", eventType, err)
	}
	if len(webhooks) == 0 {
		return nil
	}

	body, err := buildPayload(eventType, message)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	for i := range webhooks {
		d.deliver(ctx, &webhooks[i], eventType, message.ID, body)
	}
	return nil
}

// deliver makes one attempt against one webhook, bracketed by the audit
// record: created before the request, completed exactly once after.
func (d *Dispatcher) deliver(ctx context.Context, webhook *models.Webhook, eventType string, messageID primitive.ObjectID, body []byte) {
	record := &models.WebhookDelivery{
		DeliveryID: uuid.NewString(),
		WebhookID:  webhook.ID,
		MessageID:  messageID,
		EventType:  eventType,
		Payload:    string(body),
	}
	if err := d.deliveries.Create(ctx, record); err != nil {
		log.Printf("[Webhook %s] Failed to create delivery record: %v", webhook.ID.Hex(), err)
		sentry.CaptureException(err)
		return
	}

	statusCode, err := d.post(ctx, webhook, record.DeliveryID, body)
	success := err == nil

	deliveryErr := ""
	if err != nil {
		deliveryErr = err.Error()
	}
	if cerr := d.deliveries.Complete(ctx, record.ID, statusCode, success, deliveryErr); cerr != nil {
		log.Printf("[Webhook %s] Failed to complete delivery record: %v", webhook.ID.Hex(), cerr)
		sentry.CaptureException(cerr)
	}

	if success {
		if rerr := d.webhooks.RecordSuccess(ctx, webhook.ID); rerr != nil {
			log.Printf("[Webhook %s] Failed to record success: %v", webhook.ID.Hex(), rerr)
		}
		return
	}

	log.Printf("[Webhook %s] Delivery failed: %v", webhook.ID.Hex(), err)
	failures, rerr := d.webhooks.RecordFailure(ctx, webhook.ID, deliveryErr)
	if rerr != nil {
		log.Printf("[Webhook %s] Failed to record failure: %v", webhook.ID.Hex(), rerr)
		return
	}
	if failures >= d.cfg.RetryLimit {
		log.Printf("[Webhook %s] Failure count %d reached limit %d, disabling", webhook.ID.Hex(), failures, d.cfg.RetryLimit)
		if uerr := d.webhooks.UpdateStatus(ctx, webhook.ID, models.WebhookStatusFailed); uerr != nil {
			log.Printf("[Webhook %s] Failed to disable: %v", webhook.ID.Hex(), uerr)
			sentry.CaptureException(uerr)
		}
		if d.alerts != nil {
			webhook.FailureCount = failures
			d.alerts.WebhookDisabled(ctx, webhook)
		}
	}
}

// post signs and sends the payload. Any non-2xx status is a failure.
func (d *Dispatcher) post(ctx context.Context, webhook *models.Webhook, deliveryID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(body, webhook.Secret))
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// RetryFailedDeliveries re-attempts unsuccessful deliveries from the retry
// window, skipping webhooks that are no longer active.
func (d *Dispatcher) RetryFailedDeliveries(ctx context.Context) {
	since := time.Now().Add(-d.cfg.RetryWindow)
	failed, err := d.deliveries.ListFailedSince(ctx, since)
	if err != nil {
		log.Printf("[Webhook] Failed to list deliveries for retry: %v", err)
		sentry.CaptureException(err)
		return
	}
	if len(failed) == 0 {
		return
	}
	log.Printf("[Webhook] Retrying %d failed deliveries", len(failed))

	for _, delivery := range failed {
		if ctx.Err() != nil {
			return
		}
		webhook, err := d.webhooks.GetByID(ctx, delivery.WebhookID)
		if err != nil {
			continue // webhook deleted since
		}
		if webhook.Status != models.WebhookStatusActive {
			continue
		}
		d.deliver(ctx, webhook, delivery.EventType, delivery.MessageID, []byte(delivery.Payload))
	}
}

// RetryLoop runs RetryFailedDeliveries on the configured cadence.
func (d *Dispatcher) RetryLoop(ctx context.Context) {
	log.Printf("[Webhook] Retry loop started, interval %s", d.cfg.RetryInterval)
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Webhook] Retry loop stopped")
			return
		case <-ticker.C:
			d.RetryFailedDeliveries(ctx)
		}
	}
}

// Sign computes the hex HMAC-SHA256 of the body under the webhook secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// buildPayload renders the canonical JSON body for an event.
func buildPayload(eventType string, message *models.Message) ([]byte, error) {
	return json.Marshal(payload{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message: payloadMessage{
			ID:                message.ID.Hex(),
			ChannelID:         message.ChannelID.Hex(),
			ExternalMessageID: message.TelegramID,
			Content:           message.Text,
			SenderID:          message.SenderID,
			SenderName:        message.SenderName,
			Date:              message.Date,
			IsDeleted:         message.IsDeleted,
			DeletedAt:         message.DeletedAt,
			MediaType:         message.MediaType,
		},
	})
}
