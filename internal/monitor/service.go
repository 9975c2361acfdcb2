// Package monitor is the inbound control surface consumed by the HTTP
// layer: add a channel, force a reassignment, query monitoring status.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chanwatch/internal/database"
	"chanwatch/internal/database/models"

	"github.com/google/uuid"
)

// Assigner is the scheduler operations the control surface drives.
type Assigner interface {
	Assign(ctx context.Context, channel *models.Channel) (*models.Account, error)
	Reassign(ctx context.Context, channel *models.Channel) error
}

// ChannelStatus is the operator-facing view of one channel. A channel is
// reported as monitored only when it is active and has a live assignment.
type ChannelStatus struct {
	ChannelID   string    `json:"channel_id"`
	Ref         string    `json:"ref"`
	Title       string    `json:"title,omitempty"`
	Monitored   bool      `json:"monitored"`
	AccountID   string    `json:"account_id,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Service exposes the monitoring operations.
type Service struct {
	channels    database.ChannelRepository
	assignments database.AssignmentRepository
	webhooks    database.WebhookRepository
	scheduler   Assigner
}

// NewService creates the control surface.
func NewService(channels database.ChannelRepository, assignments database.AssignmentRepository, webhooks database.WebhookRepository, scheduler Assigner) *Service {
	return &Service{
		channels:    channels,
		assignments: assignments,
		webhooks:    webhooks,
		scheduler:   scheduler,
	}
}

// AddChannel registers the referenced channel for monitoring and assigns an
// account to it. Adding an already-known channel re-triggers assignment if
// the channel is uncovered; otherwise it is a no-op returning the current
// status.
func (s *Service) AddChannel(ctx context.Context, ref string) (*ChannelStatus, error) {
	channel, err := s.channels.GetByRef(ctx, ref)
	if errors.Is(err, database.ErrChannelNotFound) {
		channel = &models.Channel{Ref: ref, IsActive: true}
		if err := s.channels.Create(ctx, channel); err != nil {
			return nil, err
		}
		log.Printf("[Monitor] Registered channel %q as %s", ref, channel.ID.Hex())
	} else if err != nil {
		return nil, err
	}

	if _, aerr := s.assignments.GetActiveByChannel(ctx, channel.ID); errors.Is(aerr, database.ErrAssignmentNotFound) {
		if _, err := s.scheduler.Assign(ctx, channel); err != nil {
			// Surfaced to the operator: the channel is stored but not covered.
			return nil, fmt.Errorf("channel %q stored but not assigned: %w", ref, err)
		}
	}

	return s.statusFor(ctx, channel)
}

// ReassignChannel forces the channel onto a different account.
func (s *Service) ReassignChannel(ctx context.Context, ref string) error {
	channel, err := s.channels.GetByRef(ctx, ref)
	if err != nil {
		return err
	}
	return s.scheduler.Reassign(ctx, channel)
}

// Status reports every known channel with its coverage state, parked ones
// included so failed coverage carries its last error instead of vanishing.
// A channel whose assignment failed is never shown as monitored.
func (s *Service) Status(ctx context.Context) ([]ChannelStatus, error) {
	channels, err := s.channels.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]ChannelStatus, 0, len(channels))
	for i := range channels {
		status, err := s.statusFor(ctx, &channels[i])
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *status)
	}
	return statuses, nil
}

// RegisterWebhook stores a new endpoint. A missing secret is generated so
// every webhook can be signed.
func (s *Service) RegisterWebhook(ctx context.Context, url, eventType, secret string) (*models.Webhook, error) {
	switch eventType {
	case models.WebhookEventNewMessage, models.WebhookEventDeletedMessage, models.WebhookEventAll:
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if secret == "" {
		secret = uuid.NewString()
	}

	webhook := &models.Webhook{
		URL:       url,
		EventType: eventType,
		Status:    models.WebhookStatusActive,
		Secret:    secret,
	}
	if err := s.webhooks.Create(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// ReactivateWebhook puts a failed webhook back into rotation with a clean
// failure count.
func (s *Service) ReactivateWebhook(ctx context.Context, webhook *models.Webhook) error {
	if err := s.webhooks.UpdateStatus(ctx, webhook.ID, models.WebhookStatusActive); err != nil {
		return err
	}
	return s.webhooks.RecordSuccess(ctx, webhook.ID)
}

func (s *Service) statusFor(ctx context.Context, channel *models.Channel) (*ChannelStatus, error) {
	status := &ChannelStatus{
		ChannelID:   channel.ID.Hex(),
		Ref:         channel.Ref,
		Title:       channel.Title,
		LastChecked: channel.LastChecked,
		LastError:   channel.LastError,
	}

	assignment, err := s.assignments.GetActiveByChannel(ctx, channel.ID)
	if errors.Is(err, database.ErrAssignmentNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}

	status.AccountID = assignment.AccountID.Hex()
	status.Monitored = channel.IsActive
	return status, nil
}
