// Package telegram wraps the MTProto client library behind a small
// interface so the pool manager and ingestion pipeline never depend on the
// wire protocol directly.
package telegram

import (
	"context"
	"time"

	"chanwatch/internal/database/models"
)

// Entity is the resolved identity of a channel as the external network
// knows it.
type Entity struct {
	ID           int64
	AccessHash   int64
	Title        string
	Username     string
	About        string
	Participants int
}

// RemoteMessage is one message as fetched from the external network, before
// ingestion. An ID of zero means the upstream payload carried no usable
// identity and the message must be dropped.
type RemoteMessage struct {
	ID         int64
	SenderID   int64
	SenderName string
	Text       string
	MediaType  string
	Date       time.Time
}

// SessionClient is one authenticated session against the external network.
// A client is owned by exactly one account and used only from that
// account's polling loop.
type SessionClient interface {
	// Connect establishes the session. It blocks until the connection is
	// usable or the context is done.
	Connect(ctx context.Context) error
	// IsAuthorized probes whether the session is still signed in.
	IsAuthorized(ctx context.Context) (bool, error)
	// ResolveEntity resolves a channel reference (username or t.me link)
	// into its network identity.
	ResolveEntity(ctx context.Context, ref string) (*Entity, error)
	// FetchMessages returns up to limit most recent messages of the entity,
	// newest first.
	FetchMessages(ctx context.Context, entity *Entity, limit int) ([]RemoteMessage, error)
	// Disconnect tears the session down. Safe to call more than once.
	Disconnect() error
}

// ClientFactory builds a SessionClient for an account. The pool manager
// owns the factory so tests can substitute fakes.
type ClientFactory interface {
	NewClient(account *models.Account) SessionClient
}

// DeletionSink receives deletion notices pushed over a live session, keyed
// by the channel's external id. Implemented by the ingestion pipeline.
type DeletionSink interface {
	HandleRemoteDeletions(ctx context.Context, channelTelegramID int64, telegramIDs []int64)
}
