package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
)

// StreamPublisher appends dashboard events to a Redis stream so that every
// replica's events reach the consumer group feeding the websocket hub.
type StreamPublisher struct {
	rdb    *redis.Client
	stream string
	logger *logrus.Logger
}

func NewStreamPublisher(rdb *redis.Client, logger *logrus.Logger) *StreamPublisher {
	return &StreamPublisher{
		rdb:    rdb,
		stream: constants.DashboardEventsStream,
		logger: logger,
	}
}

func (sp *StreamPublisher) Notify(ctx context.Context, event models.DashboardEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal dashboard event: %w", err)
	}

	messageID, err := sp.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sp.stream,
		Values: map[string]interface{}{
			"event_id":   event.ID,
			"type":       event.Type,
			"session_id": event.SessionID,
			"ticket_id":  event.TicketID,
			"at":         event.At.UnixMilli(),
			"event_data": string(eventData),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add dashboard event to stream: %w", err)
	}

	sp.logger.WithFields(logrus.Fields{
		"type":       event.Type,
		"session_id": event.SessionID,
		"message_id": messageID,
	}).Debug("Published dashboard event to stream")
	return nil
}

// EventHandler receives each decoded stream event.
type EventHandler func(ctx context.Context, event models.DashboardEvent) error

// StreamConsumer reads the dashboard stream through a consumer group and
// hands each event to a handler. Events whose handler fails stay pending and
// are reclaimed by the recovery loop.
type StreamConsumer struct {
	rdb          *redis.Client
	stream       string
	group        string
	consumerName string
	handler      EventHandler
	logger       *logrus.Logger
	metrics      *metrics.Metrics

	claimInterval time.Duration
	minIdle       time.Duration
	block         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewStreamConsumer(rdb *redis.Client, podID string, handler EventHandler, logger *logrus.Logger, metrics *metrics.Metrics) *StreamConsumer {
	return &StreamConsumer{
		rdb:           rdb,
		stream:        constants.DashboardEventsStream,
		group:         constants.DashboardConsumerGroup,
		consumerName:  fmt.Sprintf("consumer-%s", podID),
		handler:       handler,
		logger:        logger,
		metrics:       metrics,
		claimInterval: 30 * time.Second,
		minIdle:       1 * time.Minute,
		block:         1 * time.Second,
		stopCh:        make(chan struct{}),
	}
}

// WithRecovery overrides how often pending events are reclaimed and how
// long they must sit idle first.
func (sc *StreamConsumer) WithRecovery(interval, minIdle time.Duration) *StreamConsumer {
	sc.claimInterval = interval
	sc.minIdle = minIdle
	return sc
}

// WithGroup sets the consumer group. Each group receives every event once.
func (sc *StreamConsumer) WithGroup(group string) *StreamConsumer {
	sc.group = group
	return sc
}

func (sc *StreamConsumer) Start(ctx context.Context) error {
	if err := sc.createConsumerGroup(ctx); err != nil {
		return err
	}

	sc.logger.WithField("consumer_name", sc.consumerName).Info("Starting dashboard stream consumer")

	sc.wg.Add(2)
	go sc.consumeLoop(ctx)
	go sc.pendingMessagesRecovery(ctx)
	return nil
}

func (sc *StreamConsumer) Stop() {
	sc.stopOnce.Do(func() { close(sc.stopCh) })
	sc.wg.Wait()
}

func (sc *StreamConsumer) createConsumerGroup(ctx context.Context) error {
	err := sc.rdb.XGroupCreateMkStream(ctx, sc.stream, sc.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (sc *StreamConsumer) consumeLoop(ctx context.Context) {
	defer sc.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		default:
			sc.consumeMessages(ctx)
		}
	}
}

func (sc *StreamConsumer) consumeMessages(ctx context.Context) {
	streams, err := sc.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sc.group,
		Consumer: sc.consumerName,
		Streams:  []string{sc.stream, ">"},
		Count:    10,
		Block:    sc.block,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			sc.logger.WithError(err).Error("Failed to read from dashboard stream")
			select {
			case <-ctx.Done():
			case <-sc.stopCh:
			case <-time.After(sc.block):
			}
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			sc.processMessage(ctx, message)
		}
	}
}

func (sc *StreamConsumer) processMessage(ctx context.Context, message redis.XMessage) {
	event, err := parseEvent(message)
	if err != nil {
		sc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse dashboard event")
		sc.count("parse_error")
		// Acknowledge message to prevent reprocessing
		sc.acknowledge(ctx, message.ID)
		return
	}

	if err := sc.handler(ctx, *event); err != nil {
		sc.logger.WithError(err).WithFields(logrus.Fields{
			"type":       event.Type,
			"session_id": event.SessionID,
			"message_id": message.ID,
		}).Error("Failed to deliver dashboard event")
		sc.count("handler_error")
		// Don't acknowledge - let it retry
		return
	}

	if err := sc.acknowledge(ctx, message.ID); err != nil {
		sc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge dashboard event")
		return
	}
	sc.count("success")
}

func parseEvent(message redis.XMessage) (*models.DashboardEvent, error) {
	data, ok := message.Values["event_data"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid event_data")
	}
	var event models.DashboardEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("invalid event_data: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event without type")
	}
	return &event, nil
}

func (sc *StreamConsumer) acknowledge(ctx context.Context, messageID string) error {
	return sc.rdb.XAck(ctx, sc.stream, sc.group, messageID).Err()
}

func (sc *StreamConsumer) pendingMessagesRecovery(ctx context.Context) {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		case <-ticker.C:
			sc.processPendingMessages(ctx)
		}
	}
}

func (sc *StreamConsumer) processPendingMessages(ctx context.Context) {
	pending, err := sc.rdb.XPending(ctx, sc.stream, sc.group).Result()
	if err != nil {
		sc.logger.WithError(err).Error("Failed to get pending dashboard events")
		return
	}
	if pending.Count == 0 {
		return
	}

	messages, _, err := sc.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   sc.stream,
		Group:    sc.group,
		Consumer: sc.consumerName,
		MinIdle:  sc.minIdle,
		Count:    10,
		Start:    "0-0",
	}).Result()
	if err != nil {
		sc.logger.WithError(err).Error("Failed to auto-claim pending dashboard events")
		return
	}

	if len(messages) > 0 {
		sc.logger.WithField("claimed", len(messages)).Info("Reprocessing pending dashboard events")
	}
	for _, message := range messages {
		sc.processMessage(ctx, message)
	}
}

func (sc *StreamConsumer) count(status string) {
	if sc.metrics != nil {
		sc.metrics.DashboardEventsProcessed.WithLabelValues(status).Inc()
	}
}
