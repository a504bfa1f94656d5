package handover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/session"
	"conversation-orchestrator/pkg/synth"
)

type fakeChannel struct {
	mu         sync.Mutex
	sent       []models.Reply
	passes     int
	passErrors int // fail this many PassThreadControl calls first
}

func (f *fakeChannel) SendMessage(ctx context.Context, recipientID string, reply models.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, reply)
	return nil
}

func (f *fakeChannel) PassThreadControl(ctx context.Context, recipientID, targetAppID, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	if f.passErrors > 0 {
		f.passErrors--
		return errors.New("graph api 500")
	}
	return nil
}

type fakeTickets struct {
	mu      sync.Mutex
	tickets []*models.SupportTicket
	fail    int // fail this many Create calls first
	calls   int
}

func (f *fakeTickets) Create(ctx context.Context, ticket *models.SupportTicket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return errors.New("ticket store unavailable")
	}
	f.tickets = append(f.tickets, ticket)
	return nil
}

func (f *fakeTickets) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickets)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.DashboardEvent
}

func (f *fakeNotifier) Notify(ctx context.Context, event models.DashboardEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) find(eventType string) (models.DashboardEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return models.DashboardEvent{}, false
}

func (f *fakeNotifier) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

// manualRetries records scheduled jobs without running them.
type manualRetries struct {
	mu   sync.Mutex
	jobs []RetryJob
}

func (m *manualRetries) Schedule(ctx context.Context, job RetryJob, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}
func (m *manualRetries) Start(ctx context.Context, handler RetryHandler) {}
func (m *manualRetries) Stop()                                          {}

func (m *manualRetries) pop() (RetryJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) == 0 {
		return RetryJob{}, false
	}
	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	return job, true
}

// conflictingStore reports a concurrent write for the next conflicts updates.
type conflictingStore struct {
	session.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) Update(ctx context.Context, key models.SessionKey, fn session.UpdateFunc) (*models.ConversationSession, error) {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return nil, models.ErrStateConsistency
	}
	c.mu.Unlock()
	return c.Store.Update(ctx, key, fn)
}

func (c *conflictingStore) conflict(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts = n
}

type fixture struct {
	store    *session.MemoryStore
	channel  *fakeChannel
	tickets  *fakeTickets
	notifier *fakeNotifier
	retries  *manualRetries
	metrics  *metrics.Metrics
	esc      *Escalator
	key      models.SessionKey
	synth    *synth.Synthesizer
	logger   *logrus.Logger
}

// escalatorOn builds an escalator sharing the fixture's fakes over store.
func (f *fixture) escalatorOn(store session.Store) *Escalator {
	return NewEscalator(store, f.tickets, f.channel, f.notifier, f.synth, f.retries,
		Options{MaxRetries: 3, RetryBackoff: time.Millisecond}, f.logger, f.metrics)
}

func newFixture(t *testing.T, passErrors int) *fixture {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	f := &fixture{
		store:    session.NewMemoryStore(logger),
		channel:  &fakeChannel{passErrors: passErrors},
		tickets:  &fakeTickets{},
		notifier: &fakeNotifier{},
		retries:  &manualRetries{},
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		key:      models.SessionKey{Channel: "messenger", UserID: "psid-1"},
	}
	f.synth = synth.NewSynthesizer(synth.NewTemplates(config.DefaultRules()))
	f.logger = logger
	f.esc = f.escalatorOn(f.store)

	_, err := f.store.GetOrCreate(context.Background(), f.key, time.Now())
	require.NoError(t, err)
	_, err = f.store.Update(context.Background(), f.key, func(s *models.ConversationSession) error {
		s.AppendTurn(models.Turn{Timestamp: time.Now(), Sender: models.SenderUser, Message: "ขอเงินคืน", MessageID: "mid.1"})
		return nil
	})
	require.NoError(t, err)
	return f
}

var refundTrigger = models.HandoverTrigger{Reason: models.TriggerCriticalKeyword, Evidence: `matched "ขอเงินคืน"`}

func TestEscalator_CriticalKeywordHandover(t *testing.T) {
	f := newFixture(t, 0)

	result, err := f.esc.Escalate(context.Background(), f.key, refundTrigger, "th", "mid.1")
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Equal(t, models.StatusHandedOver, result.Session.Status)

	require.Equal(t, 1, f.tickets.count())
	ticket := f.tickets.tickets[0]
	assert.Equal(t, models.PriorityHigh, ticket.Priority)
	assert.Equal(t, "psid-1", ticket.PSID)
	assert.Equal(t, "critical_keyword", ticket.Annotations["reason"])
	assert.NotEmpty(t, ticket.Transcript)
	assert.Equal(t, ticket.ID, result.Session.TicketID)

	require.Len(t, f.channel.sent, 1)
	assert.Contains(t, f.channel.sent[0].Text, ticket.ID)
	assert.Equal(t, models.ReplyHandover, f.channel.sent[0].Kind)

	assert.Equal(t, []string{models.EventHandoverRequested, models.EventHandoverConfirmed}, f.notifier.types())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.HandoversTriggered.WithLabelValues("critical_keyword")))

	last := result.Session.Log[len(result.Session.Log)-1]
	assert.True(t, last.HasFlag(models.FlagHandoverNotice))
	assert.Equal(t, "mid.1", last.ReplyTo)
}

func TestEscalator_ConcurrentTriggersCreateOneTicket(t *testing.T) {
	f := newFixture(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.esc.Escalate(context.Background(), f.key, refundTrigger, "en", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.tickets.count())
}

func TestEscalator_StatusIsMonotonicWithinEpisode(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.esc.Escalate(ctx, f.key, refundTrigger, "en", "")
	require.NoError(t, err)

	again, err := f.esc.Escalate(ctx, f.key, models.HandoverTrigger{Reason: models.TriggerUserRequest}, "en", "")
	require.NoError(t, err)
	assert.True(t, again.AlreadyOpen)
	assert.Equal(t, models.StatusHandedOver, again.Session.Status)
	assert.Equal(t, 1, f.tickets.count())

	closed, err := f.esc.CloseEpisode(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, closed.Status)
	assert.Equal(t, 2, closed.Episode)
	assert.Empty(t, closed.TicketID)

	_, err = f.esc.CloseEpisode(ctx, f.key)
	assert.True(t, errors.Is(err, models.ErrIllegalTransition))

	// A new episode may escalate again with a new ticket.
	next, err := f.esc.Escalate(ctx, f.key, models.HandoverTrigger{Reason: models.TriggerUserRequest}, "en", "")
	require.NoError(t, err)
	assert.False(t, next.AlreadyOpen)
	assert.Equal(t, 2, f.tickets.count())
	assert.Equal(t, models.PriorityMedium, f.tickets.tickets[1].Priority)
}

func TestEscalator_ConfirmationRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	result, err := f.esc.Escalate(ctx, f.key, refundTrigger, "en", "")
	require.NoError(t, err)
	assert.False(t, result.Confirmed)
	assert.Equal(t, models.StatusPendingHandover, result.Session.Status)

	job, ok := f.retries.pop()
	require.True(t, ok)
	assert.Equal(t, 1, job.Attempt)
	f.esc.RetryConfirm(ctx, job)

	job, ok = f.retries.pop()
	require.True(t, ok)
	assert.Equal(t, 2, job.Attempt)
	f.esc.RetryConfirm(ctx, job)

	_, ok = f.retries.pop()
	assert.False(t, ok)

	sess, err := f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHandedOver, sess.Status)
	assert.False(t, sess.NeedsManual)
	assert.Equal(t, 1, f.tickets.count())
}

func TestEscalator_ConfirmationExhaustedNeedsManual(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.esc.Escalate(ctx, f.key, refundTrigger, "en", "")
	require.NoError(t, err)

	for {
		job, ok := f.retries.pop()
		if !ok {
			break
		}
		f.esc.RetryConfirm(ctx, job)
	}

	sess, err := f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingHandover, sess.Status)
	assert.True(t, sess.NeedsManual)
	assert.Equal(t, 4, f.channel.passes)
	assert.Contains(t, f.notifier.types(), models.EventHandoverManual)
	assert.Equal(t, float64(4), testutil.ToFloat64(f.metrics.HandoverConfirmFailures))
}

func TestEscalator_StaleRetryIsDropped(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.esc.Escalate(ctx, f.key, refundTrigger, "en", "")
	require.NoError(t, err)
	job, ok := f.retries.pop()
	require.True(t, ok)

	_, err = f.esc.CloseEpisode(ctx, f.key)
	require.NoError(t, err)

	f.esc.RetryConfirm(ctx, job)
	assert.Equal(t, 1, f.channel.passes)

	sess, err := f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sess.Status)
}

func TestEscalator_TicketWriteRetriedOnce(t *testing.T) {
	f := newFixture(t, 0)
	f.tickets.fail = 1

	result, err := f.esc.Escalate(context.Background(), f.key, refundTrigger, "en", "")
	require.NoError(t, err)

	assert.Equal(t, 2, f.tickets.calls)
	require.NotNil(t, result.Ticket)
	assert.Equal(t, models.StatusHandedOver, result.Session.Status)
	assert.False(t, result.Session.NeedsManual)
	assert.Contains(t, f.channel.sent[0].Text, result.Ticket.ID)
}

func TestEscalator_UnstoredTicketNeedsManualFiling(t *testing.T) {
	f := newFixture(t, 0)
	f.tickets.fail = 2
	ctx := context.Background()

	result, err := f.esc.Escalate(ctx, f.key, refundTrigger, "en", "mid.1")
	require.NoError(t, err)
	assert.Nil(t, result.Ticket)
	assert.Equal(t, 0, f.tickets.count())

	// The user still reaches a human but is never quoted a case number
	// nobody can look up.
	assert.True(t, result.Confirmed)
	assert.Equal(t, models.StatusHandedOver, result.Session.Status)
	assert.True(t, result.Session.NeedsManual)
	assert.True(t, result.Session.TicketPending)
	require.Len(t, f.channel.sent, 1)
	assert.NotContains(t, f.channel.sent[0].Text, result.Session.TicketID)
	assert.Equal(t, synth.KeyHandoverNoTicket, f.channel.sent[0].TemplateKey)

	event, ok := f.notifier.find(models.EventTicketFailed)
	require.True(t, ok)
	require.NotNil(t, event.Ticket)
	assert.Equal(t, result.Session.TicketID, event.Ticket.ID)
	assert.Equal(t, models.PriorityHigh, event.Ticket.Priority)
	assert.NotEmpty(t, event.Ticket.Transcript)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.HandoverManualInterventions))

	// Writing again while the episode is open repeats the ticketless notice.
	notice := f.esc.SendPendingNotice(ctx, result.Session, "en", "")
	assert.Equal(t, synth.KeyHandoverNoTicket, notice.TemplateKey)

	closed, err := f.esc.CloseEpisode(ctx, f.key)
	require.NoError(t, err)
	assert.False(t, closed.NeedsManual)
	assert.False(t, closed.TicketPending)
}

func TestEscalator_RetryRecoversFromConcurrentWrite(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	store := &conflictingStore{Store: f.store}
	esc := f.escalatorOn(store)

	_, err := esc.Escalate(ctx, f.key, refundTrigger, "en", "")
	require.NoError(t, err)
	job, ok := f.retries.pop()
	require.True(t, ok)

	// Control passes but every re-read of the session loses the race.
	store.conflict(100)
	esc.RetryConfirm(ctx, job)
	assert.Equal(t, 2, f.channel.passes)

	sess, err := f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingHandover, sess.Status)
	job, ok = f.retries.pop()
	require.True(t, ok, "retry must be rescheduled after a concurrent write")
	assert.Equal(t, 2, job.Attempt)

	// A conflict that clears within the in-place re-reads is absorbed.
	store.conflict(1)
	esc.RetryConfirm(ctx, job)

	sess, err = f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHandedOver, sess.Status)
	_, ok = f.retries.pop()
	assert.False(t, ok)
}

func TestMemoryRetryScheduler(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	s := NewMemoryRetryScheduler(logger)

	got := make(chan RetryJob, 1)
	s.Start(context.Background(), func(ctx context.Context, job RetryJob) { got <- job })

	require.NoError(t, s.Schedule(context.Background(), RetryJob{TicketID: "TKT-1", Attempt: 1}, 5*time.Millisecond))
	select {
	case job := <-got:
		assert.Equal(t, "TKT-1", job.TicketID)
	case <-time.After(time.Second):
		t.Fatal("retry job never ran")
	}

	require.NoError(t, s.Schedule(context.Background(), RetryJob{TicketID: "TKT-2"}, time.Hour))
	assert.Equal(t, 1, s.Pending())
	s.Stop()
	assert.Equal(t, 0, s.Pending())
	assert.Error(t, s.Schedule(context.Background(), RetryJob{}, time.Millisecond))
}
