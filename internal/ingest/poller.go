// Package ingest polls assigned channels, deduplicates what it sees and
// turns new and deleted messages into queued events.
package ingest

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"chanwatch/internal/database"
	"chanwatch/internal/database/models"
	"chanwatch/internal/pool"
	"chanwatch/internal/telegram"

	"github.com/getsentry/sentry-go"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ConnectionProvider is the slice of the pool manager the pipeline needs.
type ConnectionProvider interface {
	GetConnection(ctx context.Context, account *models.Account) (telegram.SessionClient, error)
	ReportFailure(ctx context.Context, account *models.Account, cause error)
}

// Config tunes the ingestion pipeline.
type Config struct {
	// PollInterval is the per-account tick.
	PollInterval time.Duration
	// WindowDivisor splits an account's channels into this many rotating
	// windows; every channel is polled at least once per WindowDivisor ticks.
	WindowDivisor int
	// FetchLimit is how many recent messages are fetched per channel.
	FetchLimit int
	// EventsPerMinute caps the per-account drain rate of the event queue.
	EventsPerMinute int
	// MaxFloodWait is the ceiling applied to provider wait hints; polling
	// for the account suspends for at most this long per hint.
	MaxFloodWait time.Duration
}

// DefaultConfig returns the pipeline settings used in production.
func DefaultConfig() Config {
	return Config{
		PollInterval:    20 * time.Second,
		WindowDivisor:   3,
		FetchLimit:      20,
		EventsPerMinute: 20,
		MaxFloodWait:    time.Hour,
	}
}

// Pipeline runs one polling loop per active account. A hung or
// rate-limited account never stalls the others.
type Pipeline struct {
	accounts    database.AccountRepository
	channels    database.ChannelRepository
	assignments database.AssignmentRepository
	messages    database.MessageRepository
	pool        ConnectionProvider
	queue       *EventQueue
	cfg         Config

	entities       sync.Map // channel id hex -> *telegram.Entity
	suspendedUntil sync.Map // account id hex -> time.Time

	mu      sync.Mutex
	runners map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPipeline creates the ingestion pipeline. dispatch receives the drained
// events.
func NewPipeline(
	accounts database.AccountRepository,
	channels database.ChannelRepository,
	assignments database.AssignmentRepository,
	messages database.MessageRepository,
	provider ConnectionProvider,
	dispatch DispatchFunc,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		accounts:    accounts,
		channels:    channels,
		assignments: assignments,
		messages:    messages,
		pool:        provider,
		queue:       NewEventQueue(cfg.EventsPerMinute, dispatch),
		cfg:         cfg,
		runners:     make(map[string]context.CancelFunc),
	}
}

// Queue exposes the event queue, mainly for tests and shutdown draining.
func (p *Pipeline) Queue() *EventQueue { return p.queue }

// Run starts the drain loop and supervises one polling goroutine per
// active account, picking up newly activated accounts and stopping loops
// for accounts that left the active set. Blocks until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.queue.Drain(ctx)
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.reconcileRunners(ctx)
	for {
		select {
		case <-ctx.Done():
			p.stopAllRunners()
			p.wg.Wait()
			log.Println("[Ingest] Pipeline stopped")
			return
		case <-ticker.C:
			p.reconcileRunners(ctx)
		}
	}
}

// reconcileRunners aligns the set of polling goroutines with the set of
// active accounts.
func (p *Pipeline) reconcileRunners(ctx context.Context) {
	accounts, err := p.accounts.ListByStatus(ctx, models.AccountStatusActive)
	if err != nil {
		log.Printf("[Ingest] Failed to list accounts: %v", err)
		sentry.CaptureException(err)
		return
	}

	active := make(map[string]*models.Account, len(accounts))
	for i := range accounts {
		active[accounts[i].ID.Hex()] = &accounts[i]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, cancel := range p.runners {
		if _, ok := active[key]; !ok {
			log.Printf("[Ingest Account:%s] Stopping poll loop (account left active set)", key)
			cancel()
			delete(p.runners, key)
		}
	}
	for key, account := range active {
		if _, ok := p.runners[key]; ok {
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		p.runners[key] = cancel
		p.wg.Add(1)
		go p.runAccount(runCtx, account.ID)
		log.Printf("[Ingest Account:%s] Poll loop started", key)
	}
}

func (p *Pipeline) stopAllRunners() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cancel := range p.runners {
		cancel()
		delete(p.runners, key)
	}
}

// runAccount is the polling loop for one account:
// Idle -> Polling(window i) -> Idle -> Polling(window i+1) -> ...
func (p *Pipeline) runAccount(ctx context.Context, accountID primitive.ObjectID) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAccountTick(ctx, accountID, tick)
			tick++
		}
	}
}

// pollAccountTick polls the account's current rotating window of channels.
// All failures are contained here; nothing propagates to other accounts.
func (p *Pipeline) pollAccountTick(ctx context.Context, accountID primitive.ObjectID, tick int) {
	key := accountID.Hex()

	if until, ok := p.suspendedUntil.Load(key); ok {
		if time.Now().Before(until.(time.Time)) {
			return // flood wait still in effect
		}
		p.suspendedUntil.Delete(key)
		log.Printf("[Ingest Account:%s] Flood wait elapsed, resuming", key)
	}

	account, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		log.Printf("[Ingest Account:%s] Lookup failed: %v", key, err)
		return
	}
	if account.Status != models.AccountStatusActive {
		return
	}

	channels := p.assignedChannels(ctx, accountID)
	if len(channels) == 0 {
		return
	}

	window := pollWindow(channels, tick, p.cfg.WindowDivisor)
	if len(window) == 0 {
		return
	}

	conn, err := p.pool.GetConnection(ctx, account)
	if err != nil {
		if errors.Is(err, pool.ErrTooManyAttempts) {
			return // cooldown; next tick may succeed
		}
		log.Printf("[Ingest Account:%s] No connection: %v", key, err)
		p.pool.ReportFailure(ctx, account, err)
		return
	}

	for i := range window {
		if ctx.Err() != nil {
			return
		}
		if stop := p.pollChannel(ctx, conn, account, &window[i]); stop {
			return
		}
	}
}

// assignedChannels loads the account's active, monitorable channels in a
// stable order so the rotating window is deterministic.
func (p *Pipeline) assignedChannels(ctx context.Context, accountID primitive.ObjectID) []models.Channel {
	assignments, err := p.assignments.ListActiveByAccount(ctx, accountID)
	if err != nil {
		log.Printf("[Ingest Account:%s] Failed to list assignments: %v", accountID.Hex(), err)
		return nil
	}

	channels := make([]models.Channel, 0, len(assignments))
	for _, a := range assignments {
		channel, err := p.channels.GetByID(ctx, a.ChannelID)
		if err != nil {
			log.Printf("[Ingest Account:%s] Channel %s lookup failed: %v", accountID.Hex(), a.ChannelID.Hex(), err)
			continue
		}
		if !channel.IsActive {
			continue
		}
		channels = append(channels, *channel)
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].ID.Hex() < channels[j].ID.Hex()
	})
	return channels
}

// pollWindow returns the tick's contiguous slice of channels. With divisor
// d every channel appears in exactly one of d consecutive windows, which is
// the explicit fairness bound: no channel waits more than d ticks.
func pollWindow(channels []models.Channel, tick, divisor int) []models.Channel {
	n := len(channels)
	if n == 0 {
		return nil
	}
	if divisor <= 1 {
		return channels
	}
	size := (n + divisor - 1) / divisor
	start := (tick % divisor) * size
	if start >= n {
		return nil
	}
	end := start + size
	if end > n {
		end = n
	}
	return channels[start:end]
}

// pollChannel fetches the channel's recent messages, ingests the new ones
// and detects deletions. Returns true when the whole account tick must stop
// (rate limit or dead session).
func (p *Pipeline) pollChannel(ctx context.Context, conn telegram.SessionClient, account *models.Account, channel *models.Channel) bool {
	key := account.ID.Hex()

	entity, err := p.entityFor(ctx, conn, channel)
	if err != nil {
		return p.handlePollError(ctx, account, channel, err)
	}

	remote, err := conn.FetchMessages(ctx, entity, p.cfg.FetchLimit)
	if err != nil {
		return p.handlePollError(ctx, account, channel, err)
	}
	if err := p.channels.TouchLastChecked(ctx, channel.ID); err != nil {
		log.Printf("[Ingest Account:%s] Failed to touch channel %s: %v", key, channel.ID.Hex(), err)
	}

	p.ingestBatch(ctx, key, channel, remote)
	p.detectDeletions(ctx, key, channel, remote)
	return false
}

// ingestBatch stores unseen messages and queues their events, oldest first
// so events leave in chronological order.
func (p *Pipeline) ingestBatch(ctx context.Context, accountKey string, channel *models.Channel, remote []telegram.RemoteMessage) {
	for i := len(remote) - 1; i >= 0; i-- {
		msg := remote[i]
		if msg.ID == 0 {
			// Protocol artifact; nothing to key dedup on.
			log.Printf("[Ingest Channel:%s] Dropping message without id", channel.ID.Hex())
			continue
		}
		if p.queue.Contains(EventNewMessage, channel.ID.Hex(), msg.ID) {
			continue // already seen this tick window, not yet drained
		}
		if seen, err := p.messages.Exists(ctx, channel.ID, msg.ID); err == nil && seen {
			continue // stored by an earlier poll; the index below backstops races
		}

		stored := &models.Message{
			ChannelID:  channel.ID,
			TelegramID: msg.ID,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			Text:       msg.Text,
			MediaType:  msg.MediaType,
			Date:       msg.Date,
		}
		err := p.messages.Create(ctx, stored)
		if errors.Is(err, database.ErrDuplicateMessage) {
			continue // re-seen; deletion stays monotonic, nothing to undo
		}
		if err != nil {
			log.Printf("[Ingest Channel:%s] Failed to store message %d: %v", channel.ID.Hex(), msg.ID, err)
			sentry.CaptureException(err)
			continue
		}

		p.enqueue(accountKey, channel, EventNewMessage, stored)
	}
}

// detectDeletions compares the stored head of the channel against the
// freshly fetched one. Only ids inside the fetched window can be declared
// deleted; older messages simply scrolled out of the fetch horizon.
func (p *Pipeline) detectDeletions(ctx context.Context, accountKey string, channel *models.Channel, remote []telegram.RemoteMessage) {
	if len(remote) == 0 {
		return // empty fetch proves nothing
	}

	fetched := make(map[int64]bool, len(remote))
	var minFetched int64
	for _, msg := range remote {
		if msg.ID == 0 {
			continue
		}
		fetched[msg.ID] = true
		if minFetched == 0 || msg.ID < minFetched {
			minFetched = msg.ID
		}
	}
	if len(fetched) == 0 {
		return // only id-less artifacts came back, proves nothing
	}

	stored, err := p.messages.RecentTelegramIDs(ctx, channel.ID, p.cfg.FetchLimit)
	if err != nil {
		log.Printf("[Ingest Channel:%s] Failed to load stored head: %v", channel.ID.Hex(), err)
		return
	}

	for _, id := range stored {
		if id < minFetched || fetched[id] {
			continue
		}
		p.markDeleted(ctx, accountKey, channel, id)
	}
}

// HandleRemoteDeletions maps a deletion notice pushed over a live session
// onto the stored channel and marks each referenced message. A notice for a
// channel never registered is a logged no-op.
func (p *Pipeline) HandleRemoteDeletions(ctx context.Context, channelTelegramID int64, telegramIDs []int64) {
	channel, err := p.channels.GetByTelegramID(ctx, channelTelegramID)
	if err != nil {
		log.Printf("[Ingest] Deletion notice for unknown channel %d: %v", channelTelegramID, err)
		return
	}
	for _, id := range telegramIDs {
		p.HandleDeletionNotice(ctx, channel.ID, id)
	}
}

// HandleDeletionNotice processes an explicit deletion signal from the
// client adapter. A notice for a message never ingested is a logged no-op.
func (p *Pipeline) HandleDeletionNotice(ctx context.Context, channelID primitive.ObjectID, telegramID int64) {
	channel, err := p.channels.GetByID(ctx, channelID)
	if err != nil {
		log.Printf("[Ingest] Deletion notice for unknown channel %s: %v", channelID.Hex(), err)
		return
	}
	accountKey := channel.ID.Hex()
	if a, err := p.assignments.GetActiveByChannel(ctx, channelID); err == nil {
		accountKey = a.AccountID.Hex()
	}
	p.markDeleted(ctx, accountKey, channel, telegramID)
}

func (p *Pipeline) markDeleted(ctx context.Context, accountKey string, channel *models.Channel, telegramID int64) {
	marked, err := p.messages.MarkDeleted(ctx, channel.ID, telegramID, time.Now())
	if err != nil {
		log.Printf("[Ingest Channel:%s] Failed to mark message %d deleted: %v", channel.ID.Hex(), telegramID, err)
		sentry.CaptureException(err)
		return
	}
	if !marked {
		// Unknown or already deleted; both are fine.
		log.Printf("[Ingest Channel:%s] Deletion of message %d was a no-op", channel.ID.Hex(), telegramID)
		return
	}

	stored, err := p.messages.GetByTelegramID(ctx, channel.ID, telegramID)
	if err != nil {
		log.Printf("[Ingest Channel:%s] Deleted message %d vanished: %v", channel.ID.Hex(), telegramID, err)
		return
	}
	p.enqueue(accountKey, channel, EventDeletedMessage, stored)
}

func (p *Pipeline) enqueue(accountKey string, channel *models.Channel, eventType string, message *models.Message) {
	added := p.queue.Enqueue(&Event{
		Type:       eventType,
		AccountKey: accountKey,
		Message:    message,
	})
	if !added {
		log.Printf("[Ingest Channel:%s] Duplicate %s event for message %d suppressed", channel.ID.Hex(), eventType, message.TelegramID)
	}
}

// handlePollError contains a per-channel failure. Returns true when the
// account's whole tick should stop.
func (p *Pipeline) handlePollError(ctx context.Context, account *models.Account, channel *models.Channel, cause error) bool {
	key := account.ID.Hex()

	switch telegram.Classify(cause) {
	case telegram.KindRateLimited:
		wait := p.cfg.MaxFloodWait
		if hint, ok := telegram.RetryAfterHint(cause); ok && hint < wait {
			wait = hint
		}
		p.suspendedUntil.Store(key, time.Now().Add(wait))
		log.Printf("[Ingest Account:%s] Rate limited, suspending polling for %s", key, wait)
		return true
	case telegram.KindAuth:
		log.Printf("[Ingest Account:%s] Session dead while polling: %v", key, cause)
		p.pool.ReportFailure(ctx, account, cause)
		return true
	case telegram.KindNotFound:
		log.Printf("[Ingest Channel:%s] Channel unreachable, parking: %v", channel.ID.Hex(), cause)
		p.entities.Delete(channel.ID.Hex())
		if err := p.channels.SetActive(ctx, channel.ID, false, cause.Error()); err != nil {
			log.Printf("[Ingest Channel:%s] Failed to park channel: %v", channel.ID.Hex(), err)
		}
		return false
	default:
		log.Printf("[Ingest Channel:%s] Transient poll error: %v", channel.ID.Hex(), cause)
		return false
	}
}

// entityFor resolves the channel entity once and caches it; resolution is
// idempotent so the cache is safe to evict at any time.
func (p *Pipeline) entityFor(ctx context.Context, conn telegram.SessionClient, channel *models.Channel) (*telegram.Entity, error) {
	if cached, ok := p.entities.Load(channel.ID.Hex()); ok {
		return cached.(*telegram.Entity), nil
	}

	if channel.TelegramID != 0 {
		entity := &telegram.Entity{
			ID:         channel.TelegramID,
			AccessHash: channel.AccessHash,
			Title:      channel.Title,
			Username:   channel.Username,
		}
		p.entities.Store(channel.ID.Hex(), entity)
		return entity, nil
	}

	entity, err := conn.ResolveEntity(ctx, channel.Ref)
	if err != nil {
		return nil, err
	}
	if err := p.channels.UpdateEntity(ctx, channel.ID, entity.ID, entity.AccessHash, entity.Title, entity.Username, entity.Participants); err != nil {
		log.Printf("[Ingest Channel:%s] Failed to store resolved entity: %v", channel.ID.Hex(), err)
	}
	p.entities.Store(channel.ID.Hex(), entity)
	return entity, nil
}
