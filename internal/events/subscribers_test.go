package events

import (
	"bytes"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
)

// MockEventBus is a mock for EventBus.Bus
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Subscribe(topic string, fn interface{}) error {
	args := m.Called(topic, fn)
	return args.Error(0)
}

func (m *MockEventBus) SubscribeAsync(topic string, fn interface{}, transactional bool) error {
	args := m.Called(topic, fn, transactional)
	return args.Error(0)
}

func (m *MockEventBus) SubscribeOnce(topic string, fn interface{}) error {
	args := m.Called(topic, fn)
	return args.Error(0)
}

func (m *MockEventBus) SubscribeOnceAsync(topic string, fn interface{}) error {
	args := m.Called(topic, fn)
	return args.Error(0)
}

func (m *MockEventBus) Unsubscribe(topic string, handler interface{}) error {
	args := m.Called(topic, handler)
	return args.Error(0)
}

func (m *MockEventBus) Publish(topic string, args ...interface{}) {
	m.Called(append([]interface{}{topic}, args...)...)
}

func (m *MockEventBus) HasCallback(topic string) bool {
	args := m.Called(topic)
	return args.Bool(0)
}

func (m *MockEventBus) WaitAsync() {
	m.Called()
}

func TestSubscriber_LogsBusEvents(t *testing.T) {
	var buf bytes.Buffer
	bus := EventBus.New()
	NewSubscribers(logger.MockWithWriter(&buf), bus)

	bus.Publish(domain.EventStoreBackendSwitched, domain.BackendSwitched{
		From:       "valkey",
		To:         "memory",
		Reason:     "connection refused",
		SwitchedAt: time.Now(),
	})
	assert.Contains(t, buf.String(), "storage backend switched")
	assert.Contains(t, buf.String(), `"from":"valkey"`)
	assert.Contains(t, buf.String(), `"to":"memory"`)

	buf.Reset()
	bus.Publish(domain.EventJobFailed, domain.JobFailedPermanently{
		JobID:    "0f2d71c9",
		UserID:   "ur1234567",
		Attempts: 3,
		LastErr:  "imdb: upstream unavailable (status 503)",
		FailedAt: time.Now(),
	})
	assert.Contains(t, buf.String(), "watchlist refresh failed permanently")
	assert.Contains(t, buf.String(), `"user":"ur1234567"`)
	assert.Contains(t, buf.String(), `"attempts":3`)

	buf.Reset()
	bus.Publish(domain.EventUpdateAvailable, domain.UpdateAvailable{
		CurrentVersion: "v1.0.0",
		LatestVersion:  "v1.1.0",
		URL:            "https://github.com/flurbudurbur/Eiga/releases/tag/v1.1.0",
		FoundAt:        time.Now(),
	})
	assert.Contains(t, buf.String(), "a newer release is available")
	assert.Contains(t, buf.String(), `"latest":"v1.1.0"`)
}

func TestSubscriber_RegisterSubscribeError(t *testing.T) {
	mockBus := new(MockEventBus)
	mockBus.On("Subscribe", mock.Anything, mock.Anything).Return(assert.AnError)

	assert.NotPanics(t, func() {
		_ = NewSubscribers(logger.Mock(), mockBus)
	})

	mockBus.AssertNumberOfCalls(t, "Subscribe", 3)
}
