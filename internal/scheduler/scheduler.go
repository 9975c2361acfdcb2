// Package scheduler keeps every monitored channel covered by exactly one
// healthy account.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chanwatch/internal/database"
	"chanwatch/internal/database/models"
	"chanwatch/internal/telegram"

	"github.com/getsentry/sentry-go"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNoEligibleAccount is returned when no active account has spare
// capacity for another channel.
var ErrNoEligibleAccount = errors.New("no eligible account available")

// ConnectionProvider supplies a live connection for an account. Implemented
// by the pool manager.
type ConnectionProvider interface {
	GetConnection(ctx context.Context, account *models.Account) (telegram.SessionClient, error)
}

// AlertSink receives operator notifications. A nil sink disables alerting.
type AlertSink interface {
	CapacityExhausted(ctx context.Context, channel *models.Channel)
}

// Scheduler maps channels to accounts 1:1 and rebalances on failure. The
// assignment rows in the store are the single source of truth; the
// scheduler never caches coverage state between calls.
type Scheduler struct {
	accounts    database.AccountRepository
	channels    database.ChannelRepository
	assignments database.AssignmentRepository
	pool        ConnectionProvider
	alerts      AlertSink

	sweepInterval time.Duration
}

// New creates a scheduler. alerts may be nil.
func New(
	accounts database.AccountRepository,
	channels database.ChannelRepository,
	assignments database.AssignmentRepository,
	pool ConnectionProvider,
	alerts AlertSink,
	sweepInterval time.Duration,
) *Scheduler {
	return &Scheduler{
		accounts:      accounts,
		channels:      channels,
		assignments:   assignments,
		pool:          pool,
		alerts:        alerts,
		sweepInterval: sweepInterval,
	}
}

// Assign picks the least-loaded eligible account for the channel, creates
// the active assignment and joins the channel with that account. Ties are
// broken by account id so selection is deterministic.
func (s *Scheduler) Assign(ctx context.Context, channel *models.Channel) (*models.Account, error) {
	account, err := s.selectAccount(ctx)
	if err != nil {
		if errors.Is(err, ErrNoEligibleAccount) && s.alerts != nil {
			s.alerts.CapacityExhausted(ctx, channel)
		}
		return nil, err
	}

	assignment := &models.Assignment{
		AccountID: account.ID,
		ChannelID: channel.ID,
		Status:    models.AssignmentStatusActive,
	}
	if err := s.assignments.Create(ctx, assignment); err != nil {
		if errors.Is(err, database.ErrStaleAssignment) {
			// Another assign won the race; the channel is covered.
			existing, gerr := s.assignments.GetActiveByChannel(ctx, channel.ID)
			if gerr != nil {
				return nil, fmt.Errorf("assignment race for channel %s left no active row: %w", channel.ID.Hex(), gerr)
			}
			return s.accounts.GetByID(ctx, existing.AccountID)
		}
		return nil, err
	}
	if err := s.accounts.IncChannelsCount(ctx, account.ID, 1); err != nil {
		log.Printf("[Scheduler Channel:%s] Failed to bump account counter: %v", channel.ID.Hex(), err)
	}

	log.Printf("[Scheduler Channel:%s] Assigned to account %s (%d/%d)",
		channel.ID.Hex(), account.ID.Hex(), account.ChannelsCount+1, account.MaxChannels)

	s.join(ctx, account, channel)
	return account, nil
}

// Reassign moves the channel off its current account onto a fresh one. It
// is idempotent: when two reassign calls race, the compare-and-swap on the
// old active row lets exactly one of them proceed.
func (s *Scheduler) Reassign(ctx context.Context, channel *models.Channel) error {
	current, err := s.assignments.GetActiveByChannel(ctx, channel.ID)
	if err != nil && !errors.Is(err, database.ErrAssignmentNotFound) {
		return err
	}

	if current != nil {
		err := s.assignments.CompareAndSwapStatus(ctx, current.ID,
			models.AssignmentStatusActive, models.AssignmentStatusReassigned)
		if errors.Is(err, database.ErrStaleAssignment) {
			// A concurrent reassign already retired this row and is creating
			// the replacement; doing it again would double-assign.
			log.Printf("[Scheduler Channel:%s] Reassign lost the race, skipping", channel.ID.Hex())
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.accounts.IncChannelsCount(ctx, current.AccountID, -1); err != nil {
			log.Printf("[Scheduler Channel:%s] Failed to drop old account counter: %v", channel.ID.Hex(), err)
		}
	}

	_, err = s.Assign(ctx, channel)
	return err
}

// ReassignAccountChannels reroutes every channel held by an unhealthy
// account. Called by the pool manager's health path.
func (s *Scheduler) ReassignAccountChannels(ctx context.Context, accountID primitive.ObjectID) error {
	assignments, err := s.assignments.ListActiveByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	log.Printf("[Scheduler Account:%s] Reassigning %d channels", accountID.Hex(), len(assignments))

	var firstErr error
	for _, a := range assignments {
		channel, err := s.channels.GetByID(ctx, a.ChannelID)
		if err != nil {
			log.Printf("[Scheduler Account:%s] Channel %s lookup failed: %v", accountID.Hex(), a.ChannelID.Hex(), err)
			continue
		}
		if err := s.Reassign(ctx, channel); err != nil {
			log.Printf("[Scheduler Account:%s] Reassign of channel %s failed: %v", accountID.Hex(), channel.ID.Hex(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SweepOrphans finds active channels with no active assignment and
// reassigns each. Safe to run concurrently with the health-check loop: the
// CAS in Reassign resolves any overlap.
func (s *Scheduler) SweepOrphans(ctx context.Context) {
	channels, err := s.channels.ListActive(ctx)
	if err != nil {
		log.Printf("[Scheduler] Orphan sweep failed to list channels: %v", err)
		sentry.CaptureException(err)
		return
	}
	covered, err := s.assignments.ChannelIDsWithActive(ctx)
	if err != nil {
		log.Printf("[Scheduler] Orphan sweep failed to list assignments: %v", err)
		sentry.CaptureException(err)
		return
	}

	orphans := 0
	for i := range channels {
		channel := &channels[i]
		if covered[channel.ID] {
			continue
		}
		orphans++
		if err := s.Reassign(ctx, channel); err != nil {
			log.Printf("[Scheduler Channel:%s] Orphan reassign failed: %v", channel.ID.Hex(), err)
		}
	}
	if orphans > 0 {
		log.Printf("[Scheduler] Orphan sweep handled %d channels", orphans)
	}
}

// SweepLoop runs SweepOrphans on the configured cadence until the context
// is cancelled.
func (s *Scheduler) SweepLoop(ctx context.Context) {
	log.Printf("[Scheduler] Orphan sweep loop started, interval %s", s.sweepInterval)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] Orphan sweep loop stopped")
			return
		case <-ticker.C:
			s.SweepOrphans(ctx)
		}
	}
}

// selectAccount returns the active account with the fewest assigned
// channels that still has capacity. The account list arrives ordered by id,
// so equal loads resolve to the lowest id.
func (s *Scheduler) selectAccount(ctx context.Context) (*models.Account, error) {
	accounts, err := s.accounts.ListByStatus(ctx, models.AccountStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var best *models.Account
	for i := range accounts {
		account := &accounts[i]
		if !account.Eligible() {
			continue
		}
		if best == nil || account.ChannelsCount < best.ChannelsCount {
			best = account
		}
	}
	if best == nil {
		return nil, ErrNoEligibleAccount
	}
	return best, nil
}

// join resolves the channel with the newly assigned account. On failure the
// assignment is retired and the channel keeps its active flag with the
// error recorded, so the orphan sweep retries it elsewhere.
func (s *Scheduler) join(ctx context.Context, account *models.Account, channel *models.Channel) {
	conn, err := s.pool.GetConnection(ctx, account)
	if err != nil {
		s.joinFailed(ctx, account, channel, err)
		return
	}

	entity, err := conn.ResolveEntity(ctx, channel.Ref)
	if err != nil {
		s.joinFailed(ctx, account, channel, err)
		return
	}

	if err := s.channels.UpdateEntity(ctx, channel.ID, entity.ID, entity.AccessHash, entity.Title, entity.Username, entity.Participants); err != nil {
		log.Printf("[Scheduler Channel:%s] Failed to store entity: %v", channel.ID.Hex(), err)
	}
	if err := s.channels.SetActive(ctx, channel.ID, true, ""); err != nil {
		log.Printf("[Scheduler Channel:%s] Failed to activate: %v", channel.ID.Hex(), err)
	}
	channel.IsActive = true
	channel.TelegramID = entity.ID
	channel.AccessHash = entity.AccessHash
}

func (s *Scheduler) joinFailed(ctx context.Context, account *models.Account, channel *models.Channel, cause error) {
	log.Printf("[Scheduler Channel:%s] Join via account %s failed: %v", channel.ID.Hex(), account.ID.Hex(), cause)
	// The channel stays active: the failure is recorded but the orphan sweep
	// must still see it and route it to a different account.
	if err := s.channels.SetActive(ctx, channel.ID, true, cause.Error()); err != nil {
		log.Printf("[Scheduler Channel:%s] Failed to record join error: %v", channel.ID.Hex(), err)
	}
	channel.LastError = cause.Error()

	// Retire the assignment and hand back the account's capacity so the
	// retry picks a different least-loaded account.
	if a, err := s.assignments.GetActiveByChannel(ctx, channel.ID); err == nil {
		if cerr := s.assignments.CompareAndSwapStatus(ctx, a.ID,
			models.AssignmentStatusActive, models.AssignmentStatusFailed); cerr != nil && !errors.Is(cerr, database.ErrStaleAssignment) {
			log.Printf("[Scheduler Channel:%s] Failed to retire assignment: %v", channel.ID.Hex(), cerr)
		}
	}
	if err := s.accounts.IncChannelsCount(ctx, account.ID, -1); err != nil {
		log.Printf("[Scheduler Channel:%s] Failed to return account capacity: %v", channel.ID.Hex(), err)
	}
}
