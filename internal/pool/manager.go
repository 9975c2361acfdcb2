// Package pool owns the set of pooled accounts, their live connections and
// their health state.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chanwatch/internal/backoff"
	"chanwatch/internal/database"
	"chanwatch/internal/database/models"
	"chanwatch/internal/telegram"

	"github.com/getsentry/sentry-go"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrTooManyAttempts is returned when an account has burned its reconnect
// budget inside the cooldown window. Callers must not retry until the
// window expires.
var ErrTooManyAttempts = errors.New("too many connection attempts, account is cooling down")

// Reassigner is the scheduler-side hook the pool calls when an account goes
// unhealthy and its channels need a new home.
type Reassigner interface {
	ReassignAccountChannels(ctx context.Context, accountID primitive.ObjectID) error
}

// AlertSink receives operator notifications. A nil sink disables alerting.
type AlertSink interface {
	AccountUnhealthy(ctx context.Context, account *models.Account, reason string)
}

// Config tunes the pool manager.
type Config struct {
	// MaxConnectAttempts connection attempts are allowed per account within
	// AttemptWindow before GetConnection fails fast.
	MaxConnectAttempts int
	AttemptWindow      time.Duration
	HealthInterval     time.Duration
	// Reconnect paces the retries inside one connection attempt. Shared
	// shape with the webhook delivery retry.
	Reconnect backoff.Policy
}

// DefaultConfig returns the pool settings used in production.
func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts: 3,
		AttemptWindow:      30 * time.Minute,
		HealthInterval:     5 * time.Minute,
		Reconnect: backoff.Policy{
			MaxAttempts:    2,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     10 * time.Second,
			Factor:         2.0,
			Jitter:         true,
		},
	}
}

// Manager tracks live connections and account health. One connection per
// account, shared by all channels assigned to it, used only from that
// account's own polling loop.
type Manager struct {
	accounts    database.AccountRepository
	assignments database.AssignmentRepository
	factory     telegram.ClientFactory
	cfg         Config

	conns    sync.Map // account id hex -> telegram.SessionClient
	attempts sync.Map // account id hex -> *attemptWindow

	mu         sync.RWMutex
	reassigner Reassigner
	alerts     AlertSink
}

type attemptWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// NewManager creates the pool manager.
func NewManager(accounts database.AccountRepository, assignments database.AssignmentRepository, factory telegram.ClientFactory, cfg Config) *Manager {
	return &Manager{
		accounts:    accounts,
		assignments: assignments,
		factory:     factory,
		cfg:         cfg,
	}
}

// SetReassigner wires the scheduler's reassignment path in after
// construction; the scheduler and the pool reference each other.
func (m *Manager) SetReassigner(r Reassigner) {
	m.mu.Lock()
	m.reassigner = r
	m.mu.Unlock()
}

// SetAlerts wires the operator alert sink.
func (m *Manager) SetAlerts(a AlertSink) {
	m.mu.Lock()
	m.alerts = a
	m.mu.Unlock()
}

// GetConnection returns a live connection for the account: the cached one
// when its liveness probe passes, otherwise one reconnect of the cached
// client, otherwise a fresh client. Attempts count against the account's
// cooldown budget so a banned account is not hammered.
func (m *Manager) GetConnection(ctx context.Context, account *models.Account) (telegram.SessionClient, error) {
	key := account.ID.Hex()

	if cached, ok := m.conns.Load(key); ok {
		client := cached.(telegram.SessionClient)
		authorized, err := client.IsAuthorized(ctx)
		if err == nil && authorized {
			return client, nil
		}
		if err != nil && telegram.Classify(err) == telegram.KindTransient {
			// One reconnect of the existing client before giving up on it.
			if !m.recordAttempt(key) {
				return nil, ErrTooManyAttempts
			}
			if rerr := client.Connect(ctx); rerr == nil {
				return client, nil
			}
		}
		m.evict(key)
	}

	if !m.recordAttempt(key) {
		return nil, ErrTooManyAttempts
	}

	client := m.factory.NewClient(account)
	err := backoff.Retry(ctx, m.cfg.Reconnect, func() error {
		cerr := client.Connect(ctx)
		if cerr != nil && telegram.Classify(cerr) == telegram.KindTransient {
			return &backoff.RetryableError{Err: cerr}
		}
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect account %s: %w", key, err)
	}
	m.conns.Store(key, client)

	if err := m.accounts.TouchLastActive(ctx, account.ID); err != nil {
		log.Printf("[Pool Account:%s] Failed to touch last_active: %v", key, err)
	}
	return client, nil
}

// CheckHealth performs an authorize-check for the account. On failure the
// account is marked unhealthy, its connection evicted, and every channel it
// held is handed to the scheduler for reassignment.
func (m *Manager) CheckHealth(ctx context.Context, account *models.Account) bool {
	conn, err := m.GetConnection(ctx, account)
	if err != nil {
		if errors.Is(err, ErrTooManyAttempts) {
			// Cooldown, not evidence of a dead session.
			return false
		}
		m.markUnhealthy(ctx, account, err)
		return false
	}

	authorized, err := conn.IsAuthorized(ctx)
	if err != nil {
		if telegram.Classify(err) == telegram.KindAuth {
			m.markUnhealthy(ctx, account, err)
		} else {
			log.Printf("[Pool Account:%s] Transient health check error: %v", account.ID.Hex(), err)
		}
		return false
	}
	if !authorized {
		m.markUnhealthy(ctx, account, telegram.ErrNotAuthorized)
		return false
	}
	return true
}

// ReportFailure lets the polling loops feed errors from live API calls back
// into health tracking. Permanent (auth) failures mark the account
// unhealthy and trigger reassignment; everything else is left to the next
// cycle.
func (m *Manager) ReportFailure(ctx context.Context, account *models.Account, cause error) {
	if telegram.Classify(cause) != telegram.KindAuth {
		return
	}
	m.markUnhealthy(ctx, account, cause)
}

// ReleaseIfIdle disconnects the account's connection once it holds no
// active assignments, freeing the session slot.
func (m *Manager) ReleaseIfIdle(ctx context.Context, account *models.Account) {
	count, err := m.assignments.CountActiveByAccount(ctx, account.ID)
	if err != nil {
		log.Printf("[Pool Account:%s] Failed to count assignments: %v", account.ID.Hex(), err)
		return
	}
	if count > 0 {
		return
	}
	if m.evict(account.ID.Hex()) {
		log.Printf("[Pool Account:%s] Released idle connection", account.ID.Hex())
	}
}

// HealthCheckLoop runs CheckHealth over all non-inactive accounts on a
// fixed cadence until the context is cancelled.
func (m *Manager) HealthCheckLoop(ctx context.Context) {
	log.Printf("[Pool] Health check loop started, interval %s", m.cfg.HealthInterval)
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Pool] Health check loop stopped")
			return
		case <-ticker.C:
			m.runHealthChecks(ctx)
		}
	}
}

// Disconnect tears down every cached connection. Used on shutdown.
func (m *Manager) Disconnect() {
	m.conns.Range(func(key, value any) bool {
		if err := value.(telegram.SessionClient).Disconnect(); err != nil {
			log.Printf("[Pool Account:%v] Disconnect error: %v", key, err)
		}
		m.conns.Delete(key)
		return true
	})
}

func (m *Manager) runHealthChecks(ctx context.Context) {
	accounts, err := m.accounts.ListByStatus(ctx,
		models.AccountStatusActive, models.AccountStatusLimited, models.AccountStatusError)
	if err != nil {
		log.Printf("[Pool] Failed to list accounts for health check: %v", err)
		sentry.CaptureException(err)
		return
	}

	for i := range accounts {
		account := &accounts[i]
		if !m.CheckHealth(ctx, account) {
			continue
		}
		if account.Status != models.AccountStatusActive {
			// A previously errored account that authorizes again is usable.
			if err := m.accounts.UpdateStatus(ctx, account.ID, models.AccountStatusActive, ""); err != nil {
				log.Printf("[Pool Account:%s] Failed to restore status: %v", account.ID.Hex(), err)
			}
		}
		// A healthy account with no assignments does not hold a session open.
		m.ReleaseIfIdle(ctx, account)
	}
}

// markUnhealthy persists the state transition immediately, evicts the
// connection and triggers reassignment of all the account's channels.
func (m *Manager) markUnhealthy(ctx context.Context, account *models.Account, cause error) {
	status := models.AccountStatusError
	if telegram.Classify(cause) == telegram.KindAuth {
		status = models.AccountStatusBanned
	}

	log.Printf("[Pool Account:%s] Marking %s: %v", account.ID.Hex(), status, cause)
	if err := m.accounts.UpdateStatus(ctx, account.ID, status, cause.Error()); err != nil {
		log.Printf("[Pool Account:%s] Failed to persist status: %v", account.ID.Hex(), err)
		sentry.CaptureException(err)
	}
	account.Status = status
	m.evict(account.ID.Hex())

	m.mu.RLock()
	reassigner := m.reassigner
	alerts := m.alerts
	m.mu.RUnlock()

	if alerts != nil {
		alerts.AccountUnhealthy(ctx, account, cause.Error())
	}
	if reassigner == nil {
		return
	}
	if err := reassigner.ReassignAccountChannels(ctx, account.ID); err != nil {
		log.Printf("[Pool Account:%s] Reassignment after failure: %v", account.ID.Hex(), err)
		sentry.CaptureException(err)
	}
}

// recordAttempt registers a connection attempt and reports whether the
// account is still within its budget.
func (m *Manager) recordAttempt(key string) bool {
	value, _ := m.attempts.LoadOrStore(key, &attemptWindow{})
	window := value.(*attemptWindow)

	window.mu.Lock()
	defer window.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.AttemptWindow)
	kept := window.times[:0]
	for _, t := range window.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	window.times = kept

	if len(window.times) >= m.cfg.MaxConnectAttempts {
		return false
	}
	window.times = append(window.times, time.Now())
	return true
}

func (m *Manager) evict(key string) bool {
	value, loaded := m.conns.LoadAndDelete(key)
	if !loaded {
		return false
	}
	if err := value.(telegram.SessionClient).Disconnect(); err != nil {
		log.Printf("[Pool Account:%s] Disconnect error: %v", key, err)
	}
	return true
}
