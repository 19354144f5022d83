// Package rabbitmq is the RabbitMQ-backed implementation of the
// orchestration.Broker capability. All bulk scans share one durable
// work queue for scan jobs; each bulk scan gets its own queue for done
// notifications, opened when monitoring starts and torn down at
// finalize.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/tlsfleet/crawlercore/internal/model"
	"github.com/tlsfleet/crawlercore/internal/orchestration"
)

const scanJobsQueue = "scan.jobs"

func doneQueueName(bulkScanID string) string {
	return "scan.done." + bulkScanID
}

// Manager owns the AMQP connection and channels used by the
// orchestration core. Reconnects are not attempted automatically:
// connection loss during steady-state operation surfaces to the caller,
// in-flight consumers simply stop receiving deliveries, and the process
// is expected to exit.
type Manager struct {
	conn *amqp.Connection
	log  zerolog.Logger

	mu       sync.Mutex
	doneChs  map[string]*amqp.Channel
	pubCh    *amqp.Channel
}

// NewManager dials amqpURL and declares the shared scan-job queue.
func NewManager(amqpURL string, log zerolog.Logger) (*Manager, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open publish channel: %w", err)
	}
	if _, err := pubCh.QueueDeclare(scanJobsQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: declare %s: %w", scanJobsQueue, err)
	}

	return &Manager{
		conn:    conn,
		log:     log,
		pubCh:   pubCh,
		doneChs: make(map[string]*amqp.Channel),
	}, nil
}

// Close implements orchestration.Broker.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.doneChs {
		if err := ch.Close(); err != nil {
			m.log.Warn().Str("bulkScanId", id).Err(err).Msg("rabbitmq: error closing done channel")
		}
	}
	if m.pubCh != nil {
		m.pubCh.Close()
	}
	return m.conn.Close()
}

type jobMessage struct {
	ScanTarget     model.ScanTarget     `json:"scanTarget"`
	BulkScanInfo   model.BulkScanInfo   `json:"bulkScanInfo"`
	DBName         string               `json:"dbName"`
	CollectionName string               `json:"collectionName"`
	Status         model.JobStatus      `json:"status"`
}

// PublishScanJob implements orchestration.Broker. The delivery tag is
// transport-only and is never part of the serialized body.
func (m *Manager) PublishScanJob(ctx context.Context, job model.ScanJobDescription) error {
	body, err := json.Marshal(jobMessage{
		ScanTarget:     job.ScanTarget,
		BulkScanInfo:   job.BulkScanInfo,
		DBName:         job.DBName,
		CollectionName: job.CollectionName,
		Status:         job.Status,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: encode scan job: %w", err)
	}
	err = m.pubCh.PublishWithContext(ctx, "", scanJobsQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish scan job: %w", err)
	}
	return nil
}

// RegisterScanJobConsumer implements orchestration.Broker.
func (m *Manager) RegisterScanJobConsumer(ctx context.Context, prefetch int, handler func(orchestration.Delivery)) error {
	ch, err := m.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq: set qos %d: %w", prefetch, err)
	}
	deliveries, err := ch.Consume(scanJobsQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume %s: %w", scanJobsQueue, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg jobMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					m.log.Error().Err(err).Msg("rabbitmq: malformed scan job message, nacking without requeue")
					d.Nack(false, false)
					continue
				}
				job := model.ScanJobDescription{
					ScanTarget:     msg.ScanTarget,
					BulkScanInfo:   msg.BulkScanInfo,
					DBName:         msg.DBName,
					CollectionName: msg.CollectionName,
					Status:         msg.Status,
				}
				tag := d.DeliveryTag
				job.SetDeliveryTag(tag)
				handler(orchestration.Delivery{
					Job:  job,
					Ack:  func() error { return ch.Ack(tag, false) },
					Nack: func(requeue bool) error { return ch.Nack(tag, false, requeue) },
				})
			}
		}
	}()
	return nil
}

// OpenDoneChannel implements orchestration.Broker.
func (m *Manager) OpenDoneChannel(ctx context.Context, bulkScanID string) error {
	ch, err := m.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open done channel for %s: %w", bulkScanID, err)
	}
	if _, err := ch.QueueDeclare(doneQueueName(bulkScanID), true, true, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: declare done queue for %s: %w", bulkScanID, err)
	}

	m.mu.Lock()
	m.doneChs[bulkScanID] = ch
	m.mu.Unlock()
	return nil
}

// CloseDoneChannel implements orchestration.Broker.
func (m *Manager) CloseDoneChannel(ctx context.Context, bulkScanID string) error {
	m.mu.Lock()
	ch, ok := m.doneChs[bulkScanID]
	delete(m.doneChs, bulkScanID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := ch.QueueDelete(doneQueueName(bulkScanID), false, false, false); err != nil {
		m.log.Warn().Str("bulkScanId", bulkScanID).Err(err).Msg("rabbitmq: error deleting done queue")
	}
	return ch.Close()
}

type doneMessage struct {
	BulkScanID string          `json:"bulkScanId"`
	JobStatus  model.JobStatus `json:"jobStatus"`
	ScanTarget model.ScanTarget `json:"scanTarget"`
}

// PublishDoneNotification implements orchestration.Broker.
func (m *Manager) PublishDoneNotification(ctx context.Context, n orchestration.DoneNotification) error {
	m.mu.Lock()
	ch, ok := m.doneChs[n.BulkScanID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("rabbitmq: no done channel open for bulk scan %s", n.BulkScanID)
	}

	body, err := json.Marshal(doneMessage{
		BulkScanID: n.BulkScanID,
		JobStatus:  n.JobStatus,
		ScanTarget: n.ScanTarget,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: encode done notification: %w", err)
	}
	err = ch.PublishWithContext(ctx, "", doneQueueName(n.BulkScanID), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish done notification for %s: %w", n.BulkScanID, err)
	}
	return nil
}

// RegisterDoneNotificationConsumer implements orchestration.Broker.
func (m *Manager) RegisterDoneNotificationConsumer(ctx context.Context, bulkScanID string, handler func(orchestration.DoneNotification)) error {
	m.mu.Lock()
	ch, ok := m.doneChs[bulkScanID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("rabbitmq: no done channel open for bulk scan %s", bulkScanID)
	}

	deliveries, err := ch.Consume(doneQueueName(bulkScanID), "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume done queue for %s: %w", bulkScanID, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg doneMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					m.log.Error().Err(err).Msg("rabbitmq: malformed done notification, dropping")
					continue
				}
				handler(orchestration.DoneNotification{
					BulkScanID: msg.BulkScanID,
					JobStatus:  msg.JobStatus,
					ScanTarget: msg.ScanTarget,
				})
			}
		}
	}()
	return nil
}
