package rabbitmq

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/tlsfleet/crawlercore/internal/orchestration"
)

// These tests cover the adapter's local bookkeeping (the done-channel
// registry) without requiring a live broker; publish/consume round-trips
// need an actual RabbitMQ instance and are exercised by integration
// tests outside this package.

func TestPublishDoneNotificationRequiresOpenChannel(t *testing.T) {
	m := &Manager{log: zerolog.Nop()}
	err := m.PublishDoneNotification(context.Background(), orchestration.DoneNotification{BulkScanID: "abc"})
	assert.Error(t, err)
}

func TestRegisterDoneNotificationConsumerRequiresOpenChannel(t *testing.T) {
	m := &Manager{log: zerolog.Nop()}
	err := m.RegisterDoneNotificationConsumer(context.Background(), "abc", func(orchestration.DoneNotification) {})
	assert.Error(t, err)
}

func TestCloseDoneChannelNoopWhenNotOpen(t *testing.T) {
	m := &Manager{log: zerolog.Nop()}
	err := m.CloseDoneChannel(context.Background(), "never-opened")
	assert.NoError(t, err)
}
