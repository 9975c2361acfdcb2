package telegram

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"chanwatch/internal/database"
	"chanwatch/internal/database/models"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
)

// connectTimeout bounds how long Connect waits for the MTProto handshake.
const connectTimeout = 30 * time.Second

// GotdFactory builds gotd-backed session clients. baseCtx is the process
// lifecycle context: connections are torn down when it is cancelled even if
// nobody calls Disconnect.
type GotdFactory struct {
	appID    int
	appHash  string
	accounts database.AccountRepository
	baseCtx  context.Context

	mu        sync.RWMutex
	deletions DeletionSink
}

// NewGotdFactory creates a factory for real MTProto clients.
func NewGotdFactory(baseCtx context.Context, appID int, appHash string, accounts database.AccountRepository) *GotdFactory {
	return &GotdFactory{
		appID:    appID,
		appHash:  appHash,
		accounts: accounts,
		baseCtx:  baseCtx,
	}
}

// SetDeletionSink wires the consumer of pushed deletion notices in after
// construction; the ingestion pipeline is built later than the factory.
func (f *GotdFactory) SetDeletionSink(sink DeletionSink) {
	f.mu.Lock()
	f.deletions = sink
	f.mu.Unlock()
}

// NewClient builds a SessionClient for the account. The session blob is
// loaded from and persisted to the account record in Mongo.
func (f *GotdFactory) NewClient(account *models.Account) SessionClient {
	storage := &mongoSessionStorage{accounts: f.accounts, accountID: account.ID}
	client := telegram.NewClient(f.appID, f.appHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  telegram.UpdateHandlerFunc(f.handleUpdates),
	})
	return &gotdClient{
		phone:   account.Phone,
		client:  client,
		baseCtx: f.baseCtx,
	}
}

// handleUpdates forwards channel message deletions pushed over any live
// session to the deletion sink. Everything else is left to polling.
func (f *GotdFactory) handleUpdates(ctx context.Context, u tg.UpdatesClass) error {
	var updates []tg.UpdateClass
	switch box := u.(type) {
	case *tg.Updates:
		updates = box.Updates
	case *tg.UpdatesCombined:
		updates = box.Updates
	default:
		return nil
	}

	f.mu.RLock()
	sink := f.deletions
	f.mu.RUnlock()
	if sink == nil {
		return nil
	}

	for _, upd := range updates {
		del, ok := upd.(*tg.UpdateDeleteChannelMessages)
		if !ok {
			continue
		}
		ids := make([]int64, 0, len(del.Messages))
		for _, id := range del.Messages {
			ids = append(ids, int64(id))
		}
		sink.HandleRemoteDeletions(ctx, del.ChannelID, ids)
	}
	return nil
}

// gotdClient is one live MTProto session. The gotd client keeps its
// connection inside Run; we hold Run in a background goroutine and issue
// API calls from the owning account loop until Disconnect cancels it.
type gotdClient struct {
	phone   string
	client  *telegram.Client
	baseCtx context.Context

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect starts the session and blocks until it is usable.
func (c *gotdClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil // already connected
	}
	runCtx, cancel := context.WithCancel(c.baseCtx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(done)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		errCh <- err
	}()

	select {
	case <-ready:
		log.Printf("[SessionClient Phone:%s] Connected", c.phone)
		return nil
	case err := <-errCh:
		c.teardown()
		return fmt.Errorf("mtproto connect failed: %w", err)
	case <-time.After(connectTimeout):
		c.teardown()
		return fmt.Errorf("mtproto connect timed out after %s", connectTimeout)
	case <-ctx.Done():
		c.teardown()
		return ctx.Err()
	}
}

// IsAuthorized probes whether the session is still signed in.
func (c *gotdClient) IsAuthorized(ctx context.Context) (bool, error) {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return false, fmt.Errorf("auth status check failed: %w", err)
	}
	return status.Authorized, nil
}

// ResolveEntity resolves a channel reference into its network identity.
// Accepts bare usernames, @usernames and t.me links.
func (c *gotdClient) ResolveEntity(ctx context.Context, ref string) (*Entity, error) {
	username := normalizeRef(ref)
	api := c.client.API()

	resolved, err := api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", username, err)
	}

	var channel *tg.Channel
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			channel = ch
			break
		}
	}
	if channel == nil {
		return nil, fmt.Errorf("reference %q did not resolve to a channel", username)
	}

	accessHash, _ := channel.GetAccessHash()
	entity := &Entity{
		ID:         channel.ID,
		AccessHash: accessHash,
		Title:      channel.Title,
		Username:   channel.Username,
	}
	if count, ok := channel.GetParticipantsCount(); ok {
		entity.Participants = count
	}

	// Full-channel fetch fills in the about text and an exact participant
	// count; failures here are not fatal since the short form is enough to
	// start polling.
	full, err := api.ChannelsGetFullChannel(ctx, &tg.InputChannel{
		ChannelID:  channel.ID,
		AccessHash: accessHash,
	})
	if err == nil {
		if channelFull, ok := full.FullChat.(*tg.ChannelFull); ok {
			entity.About = channelFull.About
			entity.Participants = channelFull.ParticipantsCount
		}
	} else {
		log.Printf("[SessionClient Phone:%s] Full channel fetch for %q failed: %v", c.phone, username, err)
	}

	return entity, nil
}

// FetchMessages returns up to limit most recent channel messages, newest first.
func (c *gotdClient) FetchMessages(ctx context.Context, entity *Entity, limit int) ([]RemoteMessage, error) {
	api := c.client.API()

	history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer: &tg.InputPeerChannel{
			ChannelID:  entity.ID,
			AccessHash: entity.AccessHash,
		},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for channel %d: %w", entity.ID, err)
	}

	channelMessages, ok := history.(*tg.MessagesChannelMessages)
	if !ok {
		return nil, fmt.Errorf("unexpected history response %T for channel %d", history, entity.ID)
	}

	users := make(map[int64]*tg.User, len(channelMessages.Users))
	for _, u := range channelMessages.Users {
		if user, ok := u.(*tg.User); ok {
			users[user.ID] = user
		}
	}

	messages := make([]RemoteMessage, 0, len(channelMessages.Messages))
	for _, raw := range channelMessages.Messages {
		msg, ok := raw.(*tg.Message)
		if !ok {
			continue // service messages and holes carry nothing to ingest
		}
		remote := RemoteMessage{
			ID:        int64(msg.ID),
			Text:      msg.Message,
			MediaType: mediaType(msg),
			Date:      time.Unix(int64(msg.Date), 0).UTC(),
		}
		if from, ok := msg.GetFromID(); ok {
			switch peer := from.(type) {
			case *tg.PeerUser:
				remote.SenderID = peer.UserID
				if user, ok := users[peer.UserID]; ok {
					remote.SenderName = strings.TrimSpace(user.FirstName + " " + user.LastName)
				}
			case *tg.PeerChannel:
				remote.SenderID = peer.ChannelID
			}
		}
		messages = append(messages, remote)
	}

	return messages, nil
}

// Disconnect cancels the run loop and waits for it to wind down.
func (c *gotdClient) Disconnect() error {
	c.teardown()
	return nil
}

func (c *gotdClient) teardown() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Printf("[SessionClient Phone:%s] Run loop did not stop within 5s", c.phone)
		}
	}
}

// normalizeRef strips @ prefixes and t.me link forms down to a username.
func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "https://")
	ref = strings.TrimPrefix(ref, "http://")
	ref = strings.TrimPrefix(ref, "t.me/")
	ref = strings.TrimPrefix(ref, "telegram.me/")
	ref = strings.TrimPrefix(ref, "@")
	if idx := strings.IndexByte(ref, '/'); idx >= 0 {
		ref = ref[:idx]
	}
	return ref
}

func mediaType(msg *tg.Message) string {
	media, ok := msg.GetMedia()
	if !ok {
		return "text"
	}
	switch media.(type) {
	case *tg.MessageMediaPhoto:
		return "photo"
	case *tg.MessageMediaDocument:
		return "document"
	case *tg.MessageMediaWebPage:
		return "webpage"
	case *tg.MessageMediaPoll:
		return "poll"
	default:
		return "other"
	}
}
