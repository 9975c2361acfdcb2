package telegram

import (
	"context"

	"chanwatch/internal/database"

	"github.com/gotd/td/session"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// mongoSessionStorage persists gotd session blobs through the account
// repository, so session state lives next to the rest of the account record.
type mongoSessionStorage struct {
	accounts  database.AccountRepository
	accountID primitive.ObjectID
}

var _ session.Storage = (*mongoSessionStorage)(nil)

// LoadSession returns the stored session blob for the account.
func (s *mongoSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	account, err := s.accounts.GetByID(ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	if len(account.SessionData) == 0 {
		return nil, session.ErrNotFound
	}
	return account.SessionData, nil
}

// StoreSession saves the session blob back to the account record.
func (s *mongoSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.accounts.SaveSession(ctx, s.accountID, data)
}
