package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"chanwatch/internal/backoff"
	"chanwatch/internal/database/models"
	"chanwatch/internal/telegram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// --- Mocks ---

type MockAccountRepo struct {
	mock.Mock
}

func (m *MockAccountRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Account, error) {
	args := m.Called(ctx, id)
	if acc, ok := args.Get(0).(*models.Account); ok {
		return acc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepo) ListByStatus(ctx context.Context, statuses ...string) ([]models.Account, error) {
	args := m.Called(ctx, statuses)
	if accs, ok := args.Get(0).([]models.Account); ok {
		return accs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepo) UpdateStatus(ctx context.Context, id primitive.ObjectID, status, lastError string) error {
	args := m.Called(ctx, id, status, lastError)
	return args.Error(0)
}

func (m *MockAccountRepo) IncChannelsCount(ctx context.Context, id primitive.ObjectID, delta int) error {
	args := m.Called(ctx, id, delta)
	return args.Error(0)
}

func (m *MockAccountRepo) TouchLastActive(ctx context.Context, id primitive.ObjectID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAccountRepo) SaveSession(ctx context.Context, id primitive.ObjectID, data []byte) error {
	args := m.Called(ctx, id, data)
	return args.Error(0)
}

type MockAssignmentRepo struct {
	mock.Mock
}

func (m *MockAssignmentRepo) Create(ctx context.Context, a *models.Assignment) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockAssignmentRepo) GetActiveByChannel(ctx context.Context, channelID primitive.ObjectID) (*models.Assignment, error) {
	args := m.Called(ctx, channelID)
	if a, ok := args.Get(0).(*models.Assignment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssignmentRepo) ListActiveByAccount(ctx context.Context, accountID primitive.ObjectID) ([]models.Assignment, error) {
	args := m.Called(ctx, accountID)
	if as, ok := args.Get(0).([]models.Assignment); ok {
		return as, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssignmentRepo) CountActiveByAccount(ctx context.Context, accountID primitive.ObjectID) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAssignmentRepo) CompareAndSwapStatus(ctx context.Context, id primitive.ObjectID, fromStatus, toStatus string) error {
	args := m.Called(ctx, id, fromStatus, toStatus)
	return args.Error(0)
}

func (m *MockAssignmentRepo) ChannelIDsWithActive(ctx context.Context) (map[primitive.ObjectID]bool, error) {
	args := m.Called(ctx)
	if ids, ok := args.Get(0).(map[primitive.ObjectID]bool); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSessionClient struct {
	mock.Mock
}

func (m *MockSessionClient) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSessionClient) IsAuthorized(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionClient) ResolveEntity(ctx context.Context, ref string) (*telegram.Entity, error) {
	args := m.Called(ctx, ref)
	if e, ok := args.Get(0).(*telegram.Entity); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionClient) FetchMessages(ctx context.Context, entity *telegram.Entity, limit int) ([]telegram.RemoteMessage, error) {
	args := m.Called(ctx, entity, limit)
	if msgs, ok := args.Get(0).([]telegram.RemoteMessage); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionClient) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

type MockFactory struct {
	mock.Mock
}

func (m *MockFactory) NewClient(account *models.Account) telegram.SessionClient {
	args := m.Called(account)
	return args.Get(0).(telegram.SessionClient)
}

type MockReassigner struct {
	mock.Mock
}

func (m *MockReassigner) ReassignAccountChannels(ctx context.Context, accountID primitive.ObjectID) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

type MockAlertSink struct {
	mock.Mock
}

func (m *MockAlertSink) AccountUnhealthy(ctx context.Context, account *models.Account, reason string) {
	m.Called(ctx, account, reason)
}

// --- Tests ---

func fastConfig() Config {
	return Config{
		MaxConnectAttempts: 3,
		AttemptWindow:      time.Hour,
		HealthInterval:     time.Minute,
		Reconnect: backoff.Policy{
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Factor:         1,
		},
	}
}

func TestGetConnectionCachesClient(t *testing.T) {
	ctx := context.Background()
	accounts := &MockAccountRepo{}
	factory := &MockFactory{}
	client := &MockSessionClient{}
	account := &models.Account{ID: primitive.NewObjectID(), Status: models.AccountStatusActive}

	factory.On("NewClient", account).Return(client).Once()
	client.On("Connect", ctx).Return(nil).Once()
	client.On("IsAuthorized", ctx).Return(true, nil)
	accounts.On("TouchLastActive", ctx, account.ID).Return(nil)

	m := NewManager(accounts, &MockAssignmentRepo{}, factory, fastConfig())

	first, err := m.GetConnection(ctx, account)
	assert.NoError(t, err)
	second, err := m.GetConnection(ctx, account)
	assert.NoError(t, err)
	assert.Same(t, first, second)
	factory.AssertExpectations(t)
	client.AssertExpectations(t)
}

func TestGetConnectionAttemptBudget(t *testing.T) {
	ctx := context.Background()
	accounts := &MockAccountRepo{}
	factory := &MockFactory{}
	client := &MockSessionClient{}
	account := &models.Account{ID: primitive.NewObjectID(), Status: models.AccountStatusActive}

	cfg := fastConfig()
	cfg.MaxConnectAttempts = 2

	factory.On("NewClient", account).Return(client)
	client.On("Connect", mock.Anything).Return(errors.New("dial tcp: connection refused"))

	m := NewManager(accounts, &MockAssignmentRepo{}, factory, cfg)

	_, err := m.GetConnection(ctx, account)
	assert.Error(t, err)
	_, err = m.GetConnection(ctx, account)
	assert.Error(t, err)

	// Budget burned inside the window: fail fast without dialing.
	_, err = m.GetConnection(ctx, account)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	client.AssertNumberOfCalls(t, "Connect", 2)
}

func TestCheckHealthMarksUnauthorizedAccountBanned(t *testing.T) {
	ctx := context.Background()
	accounts := &MockAccountRepo{}
	factory := &MockFactory{}
	client := &MockSessionClient{}
	reassigner := &MockReassigner{}
	alerts := &MockAlertSink{}
	account := &models.Account{ID: primitive.NewObjectID(), Status: models.AccountStatusActive}

	factory.On("NewClient", account).Return(client)
	client.On("Connect", mock.Anything).Return(nil)
	// Connection works but the session is not authorized.
	client.On("IsAuthorized", mock.Anything).Return(false, nil)
	client.On("Disconnect").Return(nil)
	accounts.On("TouchLastActive", mock.Anything, account.ID).Return(nil)
	accounts.On("UpdateStatus", mock.Anything, account.ID, models.AccountStatusBanned, telegram.ErrNotAuthorized.Error()).Return(nil)
	reassigner.On("ReassignAccountChannels", mock.Anything, account.ID).Return(nil)
	alerts.On("AccountUnhealthy", mock.Anything, account, telegram.ErrNotAuthorized.Error()).Return()

	m := NewManager(accounts, &MockAssignmentRepo{}, factory, fastConfig())
	m.SetReassigner(reassigner)
	m.SetAlerts(alerts)

	healthy := m.CheckHealth(ctx, account)

	assert.False(t, healthy)
	assert.Equal(t, models.AccountStatusBanned, account.Status)
	accounts.AssertExpectations(t)
	reassigner.AssertExpectations(t)
	alerts.AssertExpectations(t)
}

func TestReportFailureIgnoresTransientErrors(t *testing.T) {
	ctx := context.Background()
	accounts := &MockAccountRepo{}
	account := &models.Account{ID: primitive.NewObjectID(), Status: models.AccountStatusActive}

	m := NewManager(accounts, &MockAssignmentRepo{}, &MockFactory{}, fastConfig())
	m.ReportFailure(ctx, account, errors.New("read tcp: i/o timeout"))

	accounts.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReleaseIfIdleDisconnectsUnusedAccount(t *testing.T) {
	ctx := context.Background()
	accounts := &MockAccountRepo{}
	assignments := &MockAssignmentRepo{}
	factory := &MockFactory{}
	client := &MockSessionClient{}
	account := &models.Account{ID: primitive.NewObjectID(), Status: models.AccountStatusActive}

	factory.On("NewClient", account).Return(client).Once()
	client.On("Connect", mock.Anything).Return(nil).Once()
	client.On("IsAuthorized", mock.Anything).Return(true, nil).Once()
	client.On("Disconnect").Return(nil).Once()
	accounts.On("TouchLastActive", mock.Anything, account.ID).Return(nil)
	assignments.On("CountActiveByAccount", mock.Anything, account.ID).Return(int64(0), nil)

	m := NewManager(accounts, assignments, factory, fastConfig())
	first, err := m.GetConnection(ctx, account)
	assert.NoError(t, err)
	// The second lookup probes and reuses the cached client.
	second, err := m.GetConnection(ctx, account)
	assert.NoError(t, err)
	assert.Same(t, first, second)

	m.ReleaseIfIdle(ctx, account)
	client.AssertExpectations(t)

	// A second release is a no-op; nothing is cached anymore.
	m.ReleaseIfIdle(ctx, account)
	client.AssertNumberOfCalls(t, "Disconnect", 1)
}

func TestHealthChecksReleaseIdleConnections(t *testing.T) {
	ctx := context.Background()
	accounts := &MockAccountRepo{}
	assignments := &MockAssignmentRepo{}
	factory := &MockFactory{}
	client := &MockSessionClient{}
	account := models.Account{ID: primitive.NewObjectID(), Status: models.AccountStatusActive}

	accounts.On("ListByStatus", mock.Anything, mock.Anything).
		Return([]models.Account{account}, nil)
	factory.On("NewClient", mock.Anything).Return(client)
	client.On("Connect", mock.Anything).Return(nil)
	client.On("IsAuthorized", mock.Anything).Return(true, nil)
	client.On("Disconnect").Return(nil).Once()
	accounts.On("TouchLastActive", mock.Anything, account.ID).Return(nil)
	// Healthy but holding no assignments: the session slot is freed.
	assignments.On("CountActiveByAccount", mock.Anything, account.ID).Return(int64(0), nil)

	m := NewManager(accounts, assignments, factory, fastConfig())
	m.runHealthChecks(ctx)

	client.AssertExpectations(t)
	assignments.AssertExpectations(t)
}
