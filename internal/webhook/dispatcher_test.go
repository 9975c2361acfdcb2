package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chanwatch/internal/database/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// --- Mocks ---

type MockWebhookRepo struct {
	mock.Mock
}

func (m *MockWebhookRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Webhook, error) {
	args := m.Called(ctx, id)
	if w, ok := args.Get(0).(*models.Webhook); ok {
		return w, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockWebhookRepo) Create(ctx context.Context, w *models.Webhook) error {
	args := m.Called(ctx, w)
	return args.Error(0)
}

func (m *MockWebhookRepo) ListActiveForEvent(ctx context.Context, eventType string) ([]models.Webhook, error) {
	args := m.Called(ctx, eventType)
	if ws, ok := args.Get(0).([]models.Webhook); ok {
		return ws, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockWebhookRepo) RecordSuccess(ctx context.Context, id primitive.ObjectID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockWebhookRepo) RecordFailure(ctx context.Context, id primitive.ObjectID, lastError string) (int, error) {
	args := m.Called(ctx, id, lastError)
	return args.Int(0), args.Error(1)
}

func (m *MockWebhookRepo) UpdateStatus(ctx context.Context, id primitive.ObjectID, status string) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

type MockDeliveryRepo struct {
	mock.Mock
}

func (m *MockDeliveryRepo) Create(ctx context.Context, d *models.WebhookDelivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockDeliveryRepo) Complete(ctx context.Context, id primitive.ObjectID, statusCode int, success bool, deliveryErr string) error {
	args := m.Called(ctx, id, statusCode, success, deliveryErr)
	return args.Error(0)
}

func (m *MockDeliveryRepo) ListFailedSince(ctx context.Context, since time.Time) ([]models.WebhookDelivery, error) {
	args := m.Called(ctx, since)
	if ds, ok := args.Get(0).([]models.WebhookDelivery); ok {
		return ds, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockAlertSink struct {
	mock.Mock
}

func (m *MockAlertSink) WebhookDisabled(ctx context.Context, webhook *models.Webhook) {
	m.Called(ctx, webhook)
}

func testMessage() *models.Message {
	return &models.Message{
		ID:         primitive.NewObjectID(),
		ChannelID:  primitive.NewObjectID(),
		TelegramID: 42,
		SenderID:   7,
		SenderName: "sender",
		Text:       "hello",
		Date:       time.Now().UTC().Truncate(time.Second),
	}
}

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	return cfg
}

// --- Tests ---

func TestDispatchSignsPayloadAndRecordsDelivery(t *testing.T) {
	ctx := context.Background()
	message := testMessage()

	type received struct {
		body       []byte
		signature  string
		deliveryID string
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get("X-Signature"), deliveryID: r.Header.Get("X-Delivery-ID")}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := models.Webhook{
		ID:        primitive.NewObjectID(),
		URL:       server.URL,
		EventType: models.WebhookEventNewMessage,
		Status:    models.WebhookStatusActive,
		Secret:    "topsecret",
	}

	webhooks := &MockWebhookRepo{}
	deliveries := &MockDeliveryRepo{}
	webhooks.On("ListActiveForEvent", ctx, "new_message").Return([]models.Webhook{hook}, nil)
	deliveries.On("Create", ctx, mock.MatchedBy(func(d *models.WebhookDelivery) bool {
		return d.WebhookID == hook.ID && d.MessageID == message.ID && d.DeliveryID != ""
	})).Return(nil)
	deliveries.On("Complete", ctx, mock.Anything, http.StatusOK, true, "").Return(nil)
	webhooks.On("RecordSuccess", ctx, hook.ID).Return(nil)

	d := NewDispatcher(webhooks, deliveries, fastTestConfig(), nil)
	err := d.Dispatch(ctx, "new_message", message)
	require.NoError(t, err)

	r := <-got
	assert.Equal(t, Sign(r.body, "topsecret"), r.signature)
	assert.NotEmpty(t, r.deliveryID)

	var p payload
	require.NoError(t, json.Unmarshal(r.body, &p))
	assert.Equal(t, "new_message", p.EventType)
	assert.Equal(t, message.ChannelID.Hex(), p.Message.ChannelID)
	assert.Equal(t, int64(42), p.Message.ExternalMessageID)
	assert.Equal(t, "hello", p.Message.Content)
	assert.False(t, p.Message.IsDeleted)

	webhooks.AssertExpectations(t)
	deliveries.AssertExpectations(t)
}

func TestDispatchDisablesWebhookAtFailureLimit(t *testing.T) {
	ctx := context.Background()
	message := testMessage()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	hook := models.Webhook{
		ID:        primitive.NewObjectID(),
		URL:       server.URL,
		EventType: models.WebhookEventAll,
		Status:    models.WebhookStatusActive,
		Secret:    "s",
		// Two failures already on record; this one is the last straw.
		FailureCount: 2,
	}

	webhooks := &MockWebhookRepo{}
	deliveries := &MockDeliveryRepo{}
	alerts := &MockAlertSink{}
	webhooks.On("ListActiveForEvent", ctx, "deleted_message").Return([]models.Webhook{hook}, nil)
	deliveries.On("Create", ctx, mock.Anything).Return(nil)
	deliveries.On("Complete", ctx, mock.Anything, http.StatusInternalServerError, false, mock.Anything).Return(nil)
	webhooks.On("RecordFailure", ctx, hook.ID, mock.Anything).Return(3, nil)
	webhooks.On("UpdateStatus", ctx, hook.ID, models.WebhookStatusFailed).Return(nil)
	alerts.On("WebhookDisabled", ctx, mock.MatchedBy(func(w *models.Webhook) bool {
		return w.ID == hook.ID && w.FailureCount == 3
	})).Return()

	d := NewDispatcher(webhooks, deliveries, fastTestConfig(), alerts)
	err := d.Dispatch(ctx, "deleted_message", message)
	require.NoError(t, err, "a failing webhook never fails the dispatch itself")

	webhooks.AssertExpectations(t)
	deliveries.AssertExpectations(t)
	alerts.AssertExpectations(t)
}

func TestDispatchNoMatchingWebhooksIsCheap(t *testing.T) {
	ctx := context.Background()
	webhooks := &MockWebhookRepo{}
	deliveries := &MockDeliveryRepo{}
	webhooks.On("ListActiveForEvent", ctx, "new_message").Return([]models.Webhook{}, nil)

	d := NewDispatcher(webhooks, deliveries, fastTestConfig(), nil)
	assert.NoError(t, d.Dispatch(ctx, "new_message", testMessage()))
	deliveries.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestRetryFailedDeliveriesSkipsDisabledWebhooks(t *testing.T) {
	ctx := context.Background()

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	activeHook := &models.Webhook{ID: primitive.NewObjectID(), URL: server.URL, Status: models.WebhookStatusActive, Secret: "s"}
	disabledHook := &models.Webhook{ID: primitive.NewObjectID(), URL: server.URL, Status: models.WebhookStatusFailed, Secret: "s"}

	failed := []models.WebhookDelivery{
		{ID: primitive.NewObjectID(), WebhookID: activeHook.ID, MessageID: primitive.NewObjectID(), EventType: "new_message", Payload: `{"event_type":"new_message"}`},
		{ID: primitive.NewObjectID(), WebhookID: disabledHook.ID, MessageID: primitive.NewObjectID(), EventType: "new_message", Payload: `{"event_type":"new_message"}`},
	}

	webhooks := &MockWebhookRepo{}
	deliveries := &MockDeliveryRepo{}
	deliveries.On("ListFailedSince", ctx, mock.Anything).Return(failed, nil)
	webhooks.On("GetByID", ctx, activeHook.ID).Return(activeHook, nil)
	webhooks.On("GetByID", ctx, disabledHook.ID).Return(disabledHook, nil)
	deliveries.On("Create", ctx, mock.Anything).Return(nil).Once()
	deliveries.On("Complete", ctx, mock.Anything, http.StatusOK, true, "").Return(nil).Once()
	webhooks.On("RecordSuccess", ctx, activeHook.ID).Return(nil)

	d := NewDispatcher(webhooks, deliveries, fastTestConfig(), nil)
	d.RetryFailedDeliveries(ctx)

	assert.Equal(t, 1, requests, "only the active webhook is retried")
	webhooks.AssertExpectations(t)
	deliveries.AssertExpectations(t)
}

func TestSignIsStableAndSecretBound(t *testing.T) {
	body := []byte(`{"event_type":"new_message"}`)
	assert.Equal(t, Sign(body, "k1"), Sign(body, "k1"))
	assert.NotEqual(t, Sign(body, "k1"), Sign(body, "k2"))
	assert.Len(t, Sign(body, "k1"), 64)
}
