package orchestrator

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/channel"
	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/session"
)

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Processor runs one inbound message to completion. Failsafe answers a
// message whose turn could not be completed.
type Processor interface {
	Key(event models.InboundEvent) models.SessionKey
	Process(ctx context.Context, event models.InboundEvent) (*Result, error)
	Failsafe(ctx context.Context, event models.InboundEvent, cause error) *Result
}

// EpisodeCloser ends a handover episode when control returns to the bot.
type EpisodeCloser interface {
	CloseEpisode(ctx context.Context, key models.SessionKey) (*models.ConversationSession, error)
}

type DispatcherOptions struct {
	Shards    int
	QueueSize int
	// RequeueLimit bounds how often a turn is retried after a concurrent
	// write was detected on its session.
	RequeueLimit int
}

type job struct {
	event channel.Event
	key   models.SessionKey
}

// Dispatcher routes events to a fixed set of workers by session key. All
// events of one session land on the same worker, so they are processed in
// arrival order while different sessions proceed concurrently.
type Dispatcher struct {
	processor Processor
	closer    EpisodeCloser
	locker    session.Locker
	opts      DispatcherOptions
	logger    *logrus.Logger

	shards []chan job

	pendingMu sync.Mutex
	pending   map[models.SessionKey]int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(processor Processor, closer EpisodeCloser, locker session.Locker, opts DispatcherOptions, logger *logrus.Logger) *Dispatcher {
	if opts.Shards <= 0 {
		opts.Shards = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RequeueLimit < 0 {
		opts.RequeueLimit = constants.DefaultRequeueLimit
	}
	if locker == nil {
		locker = session.NewLocalLocker()
	}

	shards := make([]chan job, opts.Shards)
	for i := range shards {
		shards[i] = make(chan job, opts.QueueSize)
	}
	return &Dispatcher{
		processor: processor,
		closer:    closer,
		locker:    locker,
		opts:      opts,
		logger:    logger,
		shards:    shards,
		pending:   make(map[models.SessionKey]int),
	}
}

// Start launches one worker per shard. Workers run until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.WithField("shards", len(d.shards)).Info("Starting dispatcher")
	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, i, ch)
	}
}

// Submit queues an event. It blocks while the shard is full and returns
// when ctx is done or the dispatcher is stopped.
func (d *Dispatcher) Submit(ctx context.Context, event channel.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	key := d.processor.Key(event.Message)
	d.adjustPending(key, 1)

	select {
	case d.shards[d.shardFor(key)] <- job{event: event, key: key}:
		return nil
	case <-ctx.Done():
		d.adjustPending(key, -1)
		return ctx.Err()
	}
}

// Stop refuses new events, drains the queues and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Superseded reports whether a newer event for key is queued but not yet
// started.
func (d *Dispatcher) Superseded(key models.SessionKey) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return d.pending[key] > 0
}

func (d *Dispatcher) worker(ctx context.Context, shard int, ch <-chan job) {
	defer d.wg.Done()
	for j := range ch {
		d.adjustPending(j.key, -1)
		d.handle(ctx, shard, j)
	}
}

func (d *Dispatcher) handle(ctx context.Context, shard int, j job) {
	logger := d.logger.WithFields(logrus.Fields{
		"shard":   shard,
		"session": j.key.String(),
		"kind":    j.event.Kind,
	})

	unlock, err := d.locker.Lock(ctx, j.key.String())
	if err != nil {
		logger.WithError(err).Error("Failed to lock session")
		if j.event.Kind == channel.KindMessage {
			d.failsafe(ctx, logger, j, err)
		}
		return
	}
	defer unlock()

	if j.event.Kind == channel.KindControlReturned {
		if _, err := d.closer.CloseEpisode(ctx, j.key); err != nil {
			if errors.Is(err, models.ErrIllegalTransition) || errors.Is(err, models.ErrSessionNotFound) {
				logger.WithError(err).Debug("Ignoring control return without open episode")
				return
			}
			logger.WithError(err).Error("Failed to close handover episode")
		}
		return
	}

	for attempt := 0; ; attempt++ {
		result, err := d.processor.Process(ctx, j.event.Message)
		switch {
		case err == nil:
			logger.WithFields(logrus.Fields{
				"session_id": result.SessionID,
				"outcome":    result.Outcome,
			}).Debug("Turn processed")
			return
		case errors.Is(err, models.ErrMalformedEvent):
			logger.WithError(err).Warn("Rejected malformed event")
			return
		case errors.Is(err, models.ErrStateConsistency) && attempt < d.opts.RequeueLimit:
			logger.WithError(err).WithField("attempt", attempt+1).Warn("Concurrent session write, re-queueing turn")
		case errors.Is(err, models.ErrStateConsistency):
			logger.WithError(err).WithField("attempts", attempt+1).Error("Re-queue limit reached")
			d.failsafe(ctx, logger, j, err)
			return
		default:
			logger.WithError(err).WithField("attempts", attempt+1).Error("Turn failed")
			return
		}
	}
}

// failsafe hands a turn that could not be completed to the processor's
// fallback so the user is never left without an answer.
func (d *Dispatcher) failsafe(ctx context.Context, logger *logrus.Entry, j job, cause error) {
	if ctx.Err() != nil {
		return
	}
	result := d.processor.Failsafe(ctx, j.event.Message, cause)
	if result != nil {
		logger.WithField("outcome", result.Outcome).Warn("Turn answered by failsafe")
	}
}

func (d *Dispatcher) shardFor(key models.SessionKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) adjustPending(key models.SessionKey, delta int) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[key] += delta
	if d.pending[key] <= 0 {
		delete(d.pending, key)
	}
}
