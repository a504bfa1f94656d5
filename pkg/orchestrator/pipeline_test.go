package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"conversation-orchestrator/pkg/assembler"
	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/executor"
	"conversation-orchestrator/pkg/gamedb"
	"conversation-orchestrator/pkg/handover"
	"conversation-orchestrator/pkg/issueflow"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/planner"
	"conversation-orchestrator/pkg/session"
	"conversation-orchestrator/pkg/synth"
	"conversation-orchestrator/pkg/tickets"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type sentMessage struct {
	recipient string
	reply     models.Reply
}

type recordingChannel struct {
	mu      sync.Mutex
	sent    []sentMessage
	passes  int
	sendErr error
	onSend  func()
}

func (c *recordingChannel) SendMessage(ctx context.Context, recipientID string, reply models.Reply) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, sentMessage{recipient: recipientID, reply: reply})
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (c *recordingChannel) PassThreadControl(ctx context.Context, recipientID, targetAppID, metadata string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passes++
	return nil
}

func (c *recordingChannel) replies() []models.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Reply, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.reply
	}
	return out
}

type staticHistory struct{}

func (staticHistory) History(ctx context.Context, userID string) (*models.History, error) {
	return &models.History{
		UserID:    userID,
		Entries:   map[string]interface{}{"vip_level": "gold"},
		FetchedAt: time.Now(),
	}, nil
}

// conflictOnceStore fails the first update after it is armed with a
// concurrent write.
type conflictOnceStore struct {
	session.Store
	mu    sync.Mutex
	armed bool
}

func (c *conflictOnceStore) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
}

func (c *conflictOnceStore) Update(ctx context.Context, key models.SessionKey, fn session.UpdateFunc) (*models.ConversationSession, error) {
	c.mu.Lock()
	armed := c.armed
	c.armed = false
	c.mu.Unlock()
	if armed {
		return nil, models.ErrStateConsistency
	}
	return c.Store.Update(ctx, key, fn)
}

type fixedScorer float64

func (s fixedScorer) Score(ctx context.Context, c synth.Candidate, tc *models.TurnContext) (float64, error) {
	return float64(s), nil
}

type failingPlanner struct{}

func (failingPlanner) ClassifyAndPlan(ctx context.Context, tc *models.TurnContext) (models.Classification, error) {
	return models.Classification{}, errors.New("model unavailable")
}

type panickingPlanner struct{}

func (panickingPlanner) ClassifyAndPlan(ctx context.Context, tc *models.TurnContext) (models.Classification, error) {
	panic("planner exploded")
}

type countingPlanner struct {
	planner.Planner
	mu    sync.Mutex
	calls int
}

func (c *countingPlanner) ClassifyAndPlan(ctx context.Context, tc *models.TurnContext) (models.Classification, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Planner.ClassifyAndPlan(ctx, tc)
}

func newGameServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/launch-date", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"date": "2026-11-20"})
	})
	mux.HandleFunc("/knowledge/search", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"articles": []map[string]interface{}{
				{"title": "Classes", "snippet": "There are 5 classes", "score": 0.8},
			},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type harness struct {
	pipeline *Pipeline
	store    *session.MemoryStore
	tickets  *tickets.Service
	ticketDB *tickets.MemoryStore
	channel  *recordingChannel
	metrics  *metrics.Metrics
	planner  *countingPlanner
	seq      int
}

type harnessOptions struct {
	planner planner.Planner
	scorer  synth.Scorer

	// store wraps the memory store seen by the pipeline.
	store func(session.Store) session.Store
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	logger := testLogger()
	rules := config.DefaultRules()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	store := session.NewMemoryStore(logger)
	var pipelineStore session.Store = store
	if opts.store != nil {
		pipelineStore = opts.store(store)
	}
	ticketDB := tickets.NewMemoryStore()
	ticketSvc := tickets.NewService(ticketDB, nil, logger, m)
	ch := &recordingChannel{}

	game := newGameServer(t)
	gameClient := gamedb.NewClient(game.URL, "", 0, logger)
	exec := executor.New(executor.Options{Timeout: time.Second}, logger).
		Register(models.ActionAPICall, gamedb.NewAPICall(gameClient)).
		Register(models.ActionKnowledgeSearch, gamedb.NewKnowledgeSearch(gameClient)).
		Register(models.ActionCreateTicket, ticketSvc)

	base := opts.planner
	if base == nil {
		base = planner.NewKeywordPlanner(rules, logger)
	}
	counting := &countingPlanner{Planner: base}

	scorer := opts.scorer
	if scorer == nil {
		scorer = synth.HeuristicScorer{}
	}

	synthesizer := synth.NewSynthesizer(synth.NewTemplates(rules))
	retries := handover.NewMemoryRetryScheduler(logger)
	t.Cleanup(retries.Stop)
	escalator := handover.NewEscalator(pipelineStore, ticketSvc, ch, nil, synthesizer, retries, handover.Options{
		CallTimeout: time.Second,
	}, logger, m)

	p := NewPipeline(Deps{
		Assembler: assembler.New(pipelineStore, staticHistory{}, assembler.Options{HistoryTimeout: time.Second}, logger),
		Store:     pipelineStore,
		Planner:   counting,
		Executor:  exec,
		Synth:     synthesizer,
		Gate:      synth.NewGate(synthesizer, scorer, 0.6, 1, logger),
		Engine:    handover.NewEngine(rules, nil),
		Escalator: escalator,
		Issues:    issueflow.NewMachine(rules, 2),
		Tickets:   ticketSvc,
		Channel:   ch,
		Recorder:  m,
	}, Options{PlannerTimeout: time.Second, SendTimeout: time.Second}, logger)

	return &harness{
		pipeline: p,
		store:    store,
		tickets:  ticketSvc,
		ticketDB: ticketDB,
		channel:  ch,
		metrics:  m,
		planner:  counting,
	}
}

func (h *harness) event(user, text string) models.InboundEvent {
	h.seq++
	return models.InboundEvent{
		SenderID:  user,
		Timestamp: time.Now().UnixMilli(),
		Text:      text,
		MessageID: fmt.Sprintf("mid.%s.%d", user, h.seq),
	}
}

func (h *harness) process(t *testing.T, event models.InboundEvent) *Result {
	t.Helper()
	result, err := h.pipeline.Process(context.Background(), event)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func (h *harness) session(t *testing.T, user string) *models.ConversationSession {
	t.Helper()
	sess, err := h.store.Get(context.Background(), models.SessionKey{Channel: "messenger", UserID: user})
	require.NoError(t, err)
	return sess
}

func TestPipeline_AnswersLaunchDateInThai(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	event := h.event("psid-1", "เกมเปิดเมื่อไหร่ครับ")
	result := h.process(t, event)

	assert.Equal(t, metrics.OutcomeAnswered, result.Outcome)
	require.NotNil(t, result.Reply)
	assert.Contains(t, result.Reply.Text, "2026-11-20")

	replies := h.channel.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, result.Reply.Text, replies[0].Text)

	sess := h.session(t, "psid-1")
	require.Len(t, sess.Log, 2)
	assert.Equal(t, models.SenderUser, sess.Log[0].Sender)
	assert.Equal(t, "get_launch_date", sess.Log[0].Intent)
	assert.Equal(t, models.SenderAgent, sess.Log[1].Sender)
	assert.Equal(t, event.MessageID, sess.Log[1].ReplyTo)
	assert.Empty(t, sess.Log[1].Flags)
	assert.Equal(t, constants.LanguageThai, sess.Context.GetString(constants.ContextLanguage))
	assert.Equal(t, []string{"get_launch_date"}, sess.Context.GetStrings(constants.ContextRecentIntents))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TurnsProcessed.WithLabelValues(metrics.OutcomeAnswered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActionsExecuted.WithLabelValues(string(models.ActionAPICall), "success")))
}

func TestPipeline_RedeliveredMessageIsNotAnsweredTwice(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	event := h.event("psid-1", "เกมเปิดเมื่อไหร่ครับ")
	first := h.process(t, event)
	second := h.process(t, event)

	assert.Equal(t, metrics.OutcomeAnswered, first.Outcome)
	assert.Equal(t, metrics.OutcomeDuplicate, second.Outcome)
	assert.Len(t, h.channel.replies(), 1)
	assert.Len(t, h.session(t, "psid-1").Log, 2)
	assert.Equal(t, 1, h.planner.calls)
}

func TestPipeline_CriticalKeywordHandsOverBeforePlanning(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	result := h.process(t, h.event("psid-2", "ขอเงินคืนค่ะ เติมผิดไป"))

	assert.Equal(t, metrics.OutcomeHandover, result.Outcome)
	require.NotNil(t, result.Trigger)
	assert.Equal(t, models.TriggerCriticalKeyword, result.Trigger.Reason)
	assert.Equal(t, 0, h.planner.calls)

	require.NotEmpty(t, result.TicketID)
	ticket, err := h.tickets.Get(context.Background(), result.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, ticket.Priority)
	assert.Equal(t, "critical", ticket.Category)
	assert.Equal(t, "psid-2", ticket.PSID)
	assert.NotEmpty(t, ticket.Transcript)

	replies := h.channel.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, models.ReplyHandover, replies[0].Kind)
	assert.Contains(t, replies[0].Text, result.TicketID)
	assert.Equal(t, 1, h.channel.passes)

	sess := h.session(t, "psid-2")
	assert.Equal(t, models.StatusHandedOver, sess.Status)
	assert.Equal(t, result.TicketID, sess.TicketID)

	// The bot stays silent while a human owns the thread.
	silent := h.process(t, h.event("psid-2", "สวัสดีครับ"))
	assert.Equal(t, metrics.OutcomeSilent, silent.Outcome)
	assert.Len(t, h.channel.replies(), 1)
	assert.Equal(t, 1, h.ticketDB.Len())
}

func TestPipeline_TwoFailedTroubleshootingRoundsEscalate(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	user := "psid-3"

	result := h.process(t, h.event(user, "I have a lag problem"))
	assert.Equal(t, metrics.OutcomeIssueFlow, result.Outcome)
	sess := h.session(t, user)
	assert.Equal(t, constants.IssueFlowKeyPrefix+sess.ID, sess.ActiveIssue)
	assert.Equal(t, models.CategoryTechnical, sess.Context.GetString(constants.ContextLastIssue))

	result = h.process(t, h.event(user, "It freezes every time I enter the lobby"))
	assert.Equal(t, metrics.OutcomeIssueFlow, result.Outcome)
	require.NotNil(t, result.Reply)
	require.Len(t, result.Reply.QuickReplies, 2)
	assert.Equal(t, issueflow.PayloadResolved, result.Reply.QuickReplies[0].Payload)
	assert.Equal(t, issueflow.PayloadNotResolved, result.Reply.QuickReplies[1].Payload)

	notResolved := h.event(user, "Not yet")
	notResolved.Payload = issueflow.PayloadNotResolved
	result = h.process(t, notResolved)
	assert.Equal(t, metrics.OutcomeIssueFlow, result.Outcome)

	sess = h.session(t, user)
	last := sess.Log[len(sess.Log)-1]
	assert.Equal(t, models.SenderAgent, last.Sender)
	assert.True(t, last.HasFlag(models.FlagResolutionFailed))

	flow, err := h.store.GetIssueFlow(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, flow.ResolutionAttempts)

	again := h.event(user, "Still the same")
	again.Payload = issueflow.PayloadNotResolved
	result = h.process(t, again)

	assert.Equal(t, metrics.OutcomeHandover, result.Outcome)
	require.NotNil(t, result.Trigger)
	assert.Equal(t, models.TriggerAgentConfusion, result.Trigger.Reason)

	ticket, err := h.tickets.Get(context.Background(), result.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryTechnical, ticket.Category)
	assert.Equal(t, models.PriorityMedium, ticket.Priority)

	sess = h.session(t, user)
	assert.Empty(t, sess.ActiveIssue)
	assert.Equal(t, models.StatusHandedOver, sess.Status)
	_, err = h.store.GetIssueFlow(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, models.ErrIssueFlowNotFound))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IssueFlowTransitions.WithLabelValues(string(models.StepInitial), string(models.StepCollectingDetails))))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IssueFlowTransitions.WithLabelValues(string(models.StepProvidingSolution), models.OutcomeEscalated)))
}

func TestPipeline_BillingIssueOpensTicket(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	user := "psid-4"

	result := h.process(t, h.event(user, "I was charged twice, top up problem"))

	assert.Equal(t, metrics.OutcomeIssueFlow, result.Outcome)
	require.NotEmpty(t, result.TicketID)
	require.NotNil(t, result.Reply)
	assert.Contains(t, result.Reply.Text, result.TicketID)

	ticket, err := h.tickets.Get(context.Background(), result.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryBilling, ticket.Category)
	assert.Equal(t, models.PriorityHigh, ticket.Priority)

	sess := h.session(t, user)
	assert.Empty(t, sess.ActiveIssue)
	assert.Equal(t, models.StatusActive, sess.Status)
	assert.Equal(t, []string{models.CategoryBilling}, sess.Context.GetStrings(constants.ContextUnresolvedIssues))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TicketsCreated.WithLabelValues(tickets.SourceIssueFlow, string(models.PriorityHigh))))
}

func TestPipeline_MalformedEventTouchesNoSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.pipeline.Process(context.Background(), models.InboundEvent{SenderID: "psid-5", Text: "   "})
	assert.True(t, errors.Is(err, models.ErrMalformedEvent))

	_, err = h.pipeline.Process(context.Background(), models.InboundEvent{Text: "hello"})
	assert.True(t, errors.Is(err, models.ErrMalformedEvent))

	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.Empty(t, h.channel.replies())
}

func TestPipeline_RejectedReplyIsNeverSent(t *testing.T) {
	h := newHarness(t, harnessOptions{scorer: fixedScorer(0.1)})

	result := h.process(t, h.event("psid-6", "เกมเปิดเมื่อไหร่ครับ"))

	assert.Equal(t, metrics.OutcomeHandover, result.Outcome)
	require.NotNil(t, result.Trigger)
	assert.Equal(t, models.TriggerAgentConfusion, result.Trigger.Reason)

	replies := h.channel.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, models.ReplyHandover, replies[0].Kind)
	assert.NotContains(t, replies[0].Text, "2026-11-20")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.QualityRejections))
}

func TestPipeline_SupersededResynthesisIsDiscarded(t *testing.T) {
	h := newHarness(t, harnessOptions{scorer: fixedScorer(0.1)})
	h.pipeline.WithSuperseded(func(models.SessionKey) bool { return true })

	result := h.process(t, h.event("psid-7", "เกมเปิดเมื่อไหร่ครับ"))

	assert.Equal(t, metrics.OutcomeSilent, result.Outcome)
	assert.Empty(t, h.channel.replies())
	assert.Equal(t, models.StatusActive, h.session(t, "psid-7").Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ResynthesisDiscarded))
}

func TestPipeline_PlannerFailureAsksForClarification(t *testing.T) {
	h := newHarness(t, harnessOptions{planner: failingPlanner{}})

	result := h.process(t, h.event("psid-8", "เกมเปิดเมื่อไหร่ครับ"))

	assert.Equal(t, metrics.OutcomeClarified, result.Outcome)
	require.NotNil(t, result.Reply)
	assert.Equal(t, models.ReplyClarification, result.Reply.Kind)
	assert.Len(t, h.channel.replies(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PlannerFailures))
}

func TestPipeline_PanicApologisesAndEscalates(t *testing.T) {
	h := newHarness(t, harnessOptions{planner: panickingPlanner{}})

	result := h.process(t, h.event("psid-9", "hello there"))

	assert.Equal(t, metrics.OutcomeHandover, result.Outcome)
	assert.NotEmpty(t, result.TicketID)

	replies := h.channel.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, models.ReplyApology, replies[0].Kind)
	assert.Equal(t, models.ReplyHandover, replies[1].Kind)
	assert.Equal(t, models.StatusHandedOver, h.session(t, "psid-9").Status)
}

func TestPipeline_PendingHandoverRepeatsNotice(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	user := "psid-10"

	h.process(t, h.event(user, "hello"))
	_, err := h.store.Update(context.Background(), models.SessionKey{Channel: "messenger", UserID: user}, func(s *models.ConversationSession) error {
		return s.BeginHandover(models.HandoverTrigger{Reason: models.TriggerUserRequest}, "TKT-PENDING", time.Now())
	})
	require.NoError(t, err)
	before := len(h.channel.replies())

	result := h.process(t, h.event(user, "are you there?"))

	assert.Equal(t, metrics.OutcomeHandover, result.Outcome)
	require.NotNil(t, result.Reply)
	assert.Equal(t, models.ReplyHandover, result.Reply.Kind)
	assert.Len(t, h.channel.replies(), before+1)
	assert.Equal(t, 0, h.ticketDB.Len())
}

func TestPipeline_RepeatedQuestionEscalatesWhenChannelClockLags(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	user := "psid-11"

	var result *Result
	for i := 0; i < 3; i++ {
		event := h.event(user, "เกมเปิดเมื่อไหร่ครับ")
		// Platform timestamps are taken before the webhook reaches us.
		event.Timestamp = time.Now().Add(-2 * time.Second).UnixMilli()
		result = h.process(t, event)
	}

	sess := h.session(t, user)
	assert.Len(t, sess.EpisodeLog(), len(sess.Log))
	assert.Equal(t, metrics.OutcomeHandover, result.Outcome)
	require.NotNil(t, result.Trigger)
	assert.Equal(t, models.TriggerAgentConfusion, result.Trigger.Reason)
}

func TestPipeline_FailsafeAnswersUnprocessedTurn(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	event := h.event("psid-12", "เกมเปิดเมื่อไหร่ครับ")

	result := h.pipeline.Failsafe(context.Background(), event, models.ErrStateConsistency)

	assert.Equal(t, metrics.OutcomeHandover, result.Outcome)
	assert.NotEmpty(t, result.TicketID)
	replies := h.channel.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, models.ReplyApology, replies[0].Kind)
	assert.Equal(t, models.ReplyHandover, replies[1].Kind)

	sess := h.session(t, "psid-12")
	assert.True(t, sess.HasMessage(event.MessageID))
	assert.Equal(t, models.StatusHandedOver, sess.Status)

	ticket, err := h.tickets.Get(context.Background(), result.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerAgentConfusion, ticket.Trigger.Reason)

	again := h.pipeline.Failsafe(context.Background(), event, models.ErrStateConsistency)
	assert.Equal(t, metrics.OutcomeDuplicate, again.Outcome)
	assert.Len(t, h.channel.replies(), 2)
}

func TestPipeline_RequeueAfterSendDoesNotResend(t *testing.T) {
	var conflicts *conflictOnceStore
	h := newHarness(t, harnessOptions{store: func(s session.Store) session.Store {
		conflicts = &conflictOnceStore{Store: s}
		return conflicts
	}})
	h.channel.onSend = conflicts.arm

	event := h.event("psid-13", "เกมเปิดเมื่อไหร่ครับ")
	for i := 0; i < 3; i++ {
		_, err := h.pipeline.Process(context.Background(), event)
		if !errors.Is(err, models.ErrStateConsistency) {
			require.NoError(t, err)
		}
	}

	assert.Len(t, h.channel.replies(), 1)
	sess := h.session(t, "psid-13")
	assert.True(t, sess.HasReplyTo(event.MessageID))
}

func TestPipeline_UndeliveredReplyIsFlagged(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.channel.sendErr = errors.New("graph api 500")

	event := h.event("psid-14", "เกมเปิดเมื่อไหร่ครับ")
	result := h.process(t, event)

	assert.Equal(t, metrics.OutcomeAnswered, result.Outcome)
	sess := h.session(t, "psid-14")
	require.Len(t, sess.Log, 2)
	assert.Equal(t, event.MessageID, sess.Log[1].ReplyTo)
	assert.True(t, sess.Log[1].HasFlag(models.FlagUndelivered))
}
