// Package orchestration defines the message-broker capability the
// Controller, Worker, and Progress Monitor depend on: publish a scan
// job, subscribe a bounded-prefetch consumer, and open a per-bulk-scan
// done-notification channel.
package orchestration

import (
	"context"

	"github.com/tlsfleet/crawlercore/internal/model"
)

// Delivery wraps a consumed message together with the broker's
// acknowledgement handle. Handlers must call Ack (or Nack) exactly once.
type Delivery struct {
	Job  model.ScanJobDescription
	Ack  func() error
	Nack func(requeue bool) error
}

// DoneNotification is a synthesized or worker-emitted terminal
// notification on a bulk scan's done channel.
type DoneNotification struct {
	BulkScanID string
	JobStatus  model.JobStatus
	ScanTarget model.ScanTarget
}

// Broker is the capability the orchestration core depends on. The
// rabbitmq package provides the concrete AMQP-backed adapter.
type Broker interface {
	// PublishScanJob delivers job to the shared scan-job queue for
	// exactly one worker consumer (at-least-once under broker
	// semantics).
	PublishScanJob(ctx context.Context, job model.ScanJobDescription) error

	// RegisterScanJobConsumer starts a subscription against the shared
	// scan-job queue with the given prefetch (QoS) bound. handler is
	// invoked once per delivery; the caller must Ack/Nack.
	RegisterScanJobConsumer(ctx context.Context, prefetch int, handler func(Delivery)) error

	// OpenDoneChannel provisions the per-bulk-scan done-notification
	// queue, to be called when the Progress Monitor starts monitoring a
	// bulk scan.
	OpenDoneChannel(ctx context.Context, bulkScanID string) error

	// CloseDoneChannel tears down the per-bulk-scan done-notification
	// queue, to be called at finalize.
	CloseDoneChannel(ctx context.Context, bulkScanID string) error

	// PublishDoneNotification publishes a terminal notification on the
	// named bulk scan's done channel.
	PublishDoneNotification(ctx context.Context, n DoneNotification) error

	// RegisterDoneNotificationConsumer subscribes to a bulk scan's done
	// channel.
	RegisterDoneNotificationConsumer(ctx context.Context, bulkScanID string, handler func(DoneNotification)) error

	// Close tears down the broker connection.
	Close() error
}
