package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/assembler"
	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/executor"
	"conversation-orchestrator/pkg/handover"
	"conversation-orchestrator/pkg/issueflow"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/planner"
	"conversation-orchestrator/pkg/session"
	"conversation-orchestrator/pkg/synth"
	"conversation-orchestrator/pkg/tickets"
)

// TicketOpener opens a ticket on behalf of a session.
type TicketOpener interface {
	Open(ctx context.Context, sess *models.ConversationSession, category string, priority models.TicketPriority, description, source string) (*models.SupportTicket, error)
}

// Deps are the stages a Pipeline runs a turn through.
type Deps struct {
	Assembler *assembler.Assembler
	Store     session.Store
	Planner   planner.Planner
	Executor  *executor.Executor
	Synth     *synth.Synthesizer
	Gate      *synth.Gate
	Engine    *handover.Engine
	Escalator *handover.Escalator
	Issues    *issueflow.Machine
	Tickets   TicketOpener
	Channel   handover.Channel
	Recorder  metrics.Recorder
}

type Options struct {
	PlannerTimeout time.Duration
	SendTimeout    time.Duration
	// RecentIntents bounds the recent_intents context list.
	RecentIntents int
}

// Result summarises one processed turn.
type Result struct {
	SessionID string
	Outcome   string
	Reply     *models.Reply
	Trigger   *models.HandoverTrigger
	TicketID  string
}

// Pipeline runs a single inbound message through context assembly,
// planning, execution, synthesis and the handover checks. It must only be
// called for one session at a time; the Dispatcher guarantees that.
type Pipeline struct {
	deps       Deps
	opts       Options
	logger     *logrus.Logger
	superseded func(key models.SessionKey) bool
	now        func() time.Time
}

func NewPipeline(deps Deps, opts Options, logger *logrus.Logger) *Pipeline {
	if deps.Recorder == nil {
		deps.Recorder = metrics.NopRecorder{}
	}
	if opts.PlannerTimeout <= 0 {
		opts.PlannerTimeout = constants.MillisecondsToDuration(constants.DefaultExternalCallTimeoutMS)
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = constants.MillisecondsToDuration(constants.DefaultExternalCallTimeoutMS)
	}
	if opts.RecentIntents <= 0 {
		opts.RecentIntents = 5
	}
	return &Pipeline{
		deps:       deps,
		opts:       opts,
		logger:     logger,
		superseded: func(models.SessionKey) bool { return false },
		now:        time.Now,
	}
}

// WithSuperseded installs the check that tells the quality gate a newer
// message for the session is already queued.
func (p *Pipeline) WithSuperseded(fn func(key models.SessionKey) bool) *Pipeline {
	p.superseded = fn
	return p
}

// WithClock replaces the wall clock, for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Key returns the session an event belongs to.
func (p *Pipeline) Key(event models.InboundEvent) models.SessionKey {
	return p.deps.Assembler.Key(event)
}

type turn struct {
	tc         *models.TurnContext
	rec        metrics.TurnRecord
	result     *Result
	skipRecord bool
}

func (t *turn) logger(base *logrus.Logger) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"session_id": t.tc.Session.ID,
		"message_id": t.tc.MessageID,
	})
}

// Process handles one inbound message. A malformed event is rejected before
// any session is touched. models.ErrStateConsistency is returned so the
// caller can re-queue the event; every other failure is absorbed by sending
// an apology and escalating.
func (p *Pipeline) Process(ctx context.Context, event models.InboundEvent) (result *Result, err error) {
	start := p.now()

	tc, err := p.deps.Assembler.Assemble(ctx, event)
	if err != nil {
		return nil, err
	}

	t := &turn{
		tc:     tc,
		rec:    metrics.TurnRecord{SessionID: tc.Session.ID, Channel: tc.Key.Channel, Degraded: tc.Degraded},
		result: &Result{SessionID: tc.Session.ID},
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger(p.logger).WithField("panic", r).Error("Turn panicked")
			p.failsafe(ctx, t, fmt.Errorf("panic: %v", r))
			err = nil
		}
		if !t.skipRecord {
			t.rec.Outcome = t.result.Outcome
			t.rec.Duration = p.now().Sub(start)
			p.deps.Recorder.RecordTurn(t.rec)
		}
		result = t.result
	}()

	if err := p.run(ctx, t); err != nil {
		if errors.Is(err, models.ErrStateConsistency) {
			t.skipRecord = true
			return t.result, err
		}
		if ctx.Err() != nil {
			t.result.Outcome = metrics.OutcomeFailed
			return t.result, err
		}
		p.failsafe(ctx, t, err)
	}
	return t.result, nil
}

func (p *Pipeline) run(ctx context.Context, t *turn) error {
	tc := t.tc
	sess := tc.Session

	if tc.Duplicate && sess.HasReplyTo(tc.MessageID) {
		t.logger(p.logger).Debug("Redelivered message already answered")
		t.result.Outcome = metrics.OutcomeDuplicate
		return nil
	}

	switch sess.Status {
	case models.StatusHandedOver:
		t.result.Outcome = metrics.OutcomeSilent
		return nil
	case models.StatusPendingHandover:
		notice := p.deps.Escalator.SendPendingNotice(ctx, sess, tc.Language, tc.MessageID)
		t.result.Outcome = metrics.OutcomeHandover
		t.result.Reply = &notice
		return nil
	}

	if trigger := p.deps.Engine.Evaluate(handover.Input{
		Stage:   handover.StagePreEmptive,
		Text:    tc.Text(),
		Session: sess,
	}); trigger != nil {
		return p.escalate(ctx, t, *trigger)
	}

	if sess.ActiveIssue != "" {
		flow, err := p.deps.Store.GetIssueFlow(ctx, sess.ID)
		switch {
		case err == nil:
			tr := p.deps.Issues.Step(flow, issueflow.Input{Text: tc.Text(), Now: tc.Now})
			return p.applyIssue(ctx, t, tr)
		case errors.Is(err, models.ErrIssueFlowNotFound):
			t.logger(p.logger).WithField("active_issue", sess.ActiveIssue).Warn("Active issue flow missing, clearing reference")
			if err := p.update(ctx, t, func(s *models.ConversationSession) error {
				s.ActiveIssue = ""
				return nil
			}); err != nil {
				return err
			}
		default:
			return err
		}
	}

	cls := p.classify(ctx, t)
	if err := p.annotate(ctx, t, cls); err != nil {
		return err
	}

	if cls.Intent == models.IntentReportIssue {
		tr := p.deps.Issues.Start(tc.Session.ID, issueflow.Input{Text: tc.Text(), Now: tc.Now})
		return p.applyIssue(ctx, t, tr)
	}
	return p.respond(ctx, t, cls)
}

// classify calls the planner once. A failure or timeout falls back to the
// unknown intent with an empty plan.
func (p *Pipeline) classify(ctx context.Context, t *turn) models.Classification {
	tc := t.tc
	planCtx, cancel := context.WithTimeout(ctx, p.opts.PlannerTimeout)
	cls, err := p.deps.Planner.ClassifyAndPlan(planCtx, tc)
	cancel()
	if err != nil {
		t.logger(p.logger).WithError(err).Warn("Planner failed, falling back to clarification")
		t.rec.PlannerFailed = true
		cls = planner.Fallback(tc.Language)
	}
	if cls.Language == "" {
		cls.Language = tc.Language
	}

	t.rec.Intent = cls.Intent
	t.rec.Confidence = cls.Confidence
	t.logger(p.logger).WithFields(logrus.Fields{
		"intent":     cls.Intent,
		"confidence": cls.Confidence,
		"actions":    cls.Plan.Len(),
	}).Debug("Classified turn")
	return cls
}

func (p *Pipeline) annotate(ctx context.Context, t *turn, cls models.Classification) error {
	tc := t.tc
	return p.update(ctx, t, func(s *models.ConversationSession) error {
		s.AnnotateUserTurn(tc.MessageID, cls.Intent, cls.Confidence)
		if cls.Intent == models.IntentUnknown {
			return nil
		}
		recent := append(s.Context.GetStrings(constants.ContextRecentIntents), cls.Intent)
		if len(recent) > p.opts.RecentIntents {
			recent = recent[len(recent)-p.opts.RecentIntents:]
		}
		s.Context.Set(constants.ContextRecentIntents, recent, tc.Now)
		return nil
	})
}

// respond executes the plan, gates the synthesized reply and delivers it.
func (p *Pipeline) respond(ctx context.Context, t *turn, cls models.Classification) error {
	tc := t.tc
	results := p.deps.Executor.Execute(ctx, cls.Plan, tc)

	failed := 0
	for _, r := range results {
		t.rec.ActionTypes = append(t.rec.ActionTypes, string(r.Action.Type))
		t.rec.ActionFailures = append(t.rec.ActionFailures, !r.Outcome.Success)
		if !r.Outcome.Success {
			failed++
		}
	}
	t.rec.ActionsTotal = len(results)
	t.rec.ActionsFailed = failed

	verdict := p.deps.Gate.Run(ctx, tc, cls, results, func() bool {
		return p.isSuperseded(ctx, tc.Key, tc.Session.ID)
	})
	t.rec.QualityScores = verdict.Scores
	t.rec.QualityRetried = verdict.Retried

	if verdict.Discarded {
		t.logger(p.logger).Info("Turn superseded during re-synthesis, reply discarded")
		t.rec.Discarded = true
		t.result.Outcome = metrics.OutcomeSilent
		return nil
	}

	var forced *models.Evidence
	if verdict.Accepted {
		var flags []string
		if len(results) > 0 && failed == len(results) {
			flags = append(flags, models.FlagResolutionFailed)
		}
		if err := p.deliver(ctx, t, verdict.Reply, flags); err != nil {
			return err
		}
		t.result.Outcome = metrics.OutcomeAnswered
		if verdict.Reply.Kind == models.ReplyClarification {
			t.result.Outcome = metrics.OutcomeClarified
		}
	} else {
		forced = &models.Evidence{
			Reason: models.TriggerAgentConfusion,
			Detail: verdict.Err().Error(),
		}
	}

	if trigger := p.postResponse(t, forced); trigger != nil {
		return p.escalate(ctx, t, *trigger)
	}
	if forced != nil {
		// Nothing passed the gate and the session can no longer escalate.
		apology := p.deps.Synth.Render(tc.Language, synth.KeyApology, nil, models.ReplyApology)
		if err := p.deliver(ctx, t, apology, []string{models.FlagQualityRejected}); err != nil {
			return err
		}
		t.result.Outcome = metrics.OutcomeFailed
	}
	return nil
}

// applyIssue persists an issue-flow transition and acts on it.
func (p *Pipeline) applyIssue(ctx context.Context, t *turn, tr issueflow.Transition) error {
	tc := t.tc
	flow := tr.Flow
	t.result.Outcome = metrics.OutcomeIssueFlow
	if t.rec.Intent == "" {
		t.rec.Intent = models.IntentReportIssue
	}

	t.rec.IssueFrom = string(tr.From)
	t.rec.IssueTo = string(flow.Step)
	if flow.Closed {
		t.rec.IssueTo = string(flow.Outcome)
	}

	logger := t.logger(p.logger).WithFields(logrus.Fields{
		"from":     tr.From,
		"to":       flow.Step,
		"category": flow.Category,
		"closed":   flow.Closed,
	})
	logger.Info("Issue flow transition")

	vars := tr.Vars
	if tr.CreateTicket != nil {
		ticket, err := p.deps.Tickets.Open(ctx, tc.Session, tr.CreateTicket.Category, tr.CreateTicket.Priority, tr.CreateTicket.Description, tickets.SourceIssueFlow)
		if err != nil {
			logger.WithError(err).Error("Failed to open issue ticket")
			if err := p.saveIssue(ctx, t, flow, false); err != nil {
				return err
			}
			return p.escalate(ctx, t, models.HandoverTrigger{
				Reason:   models.TriggerAgentConfusion,
				Evidence: "issue ticket could not be created: " + err.Error(),
			})
		}
		vars["ticket_id"] = ticket.ID
		t.result.TicketID = ticket.ID
	}

	if tr.Escalate != nil {
		// The flow reference stays on the session until the handover ticket
		// has picked up the issue category.
		if err := p.saveIssue(ctx, t, flow, true); err != nil {
			return err
		}
		if trigger := p.postResponse(t, tr.Escalate); trigger != nil {
			if err := p.escalate(ctx, t, *trigger); err != nil {
				return err
			}
		}
		return p.update(ctx, t, func(s *models.ConversationSession) error {
			s.ActiveIssue = ""
			return nil
		})
	}

	if err := p.saveIssue(ctx, t, flow, false); err != nil {
		return err
	}

	reply := p.deps.Synth.Render(tc.Language, tr.ReplyKey, vars, models.ReplyIssueFlow)
	if tr.OfferFeedbackQR {
		reply.QuickReplies = p.feedbackReplies(tc.Language)
	}
	var flags []string
	if tr.ResolutionFailed {
		flags = append(flags, models.FlagResolutionFailed)
	}
	if err := p.deliver(ctx, t, reply, flags); err != nil {
		return err
	}

	if trigger := p.postResponse(t, nil); trigger != nil {
		return p.escalate(ctx, t, *trigger)
	}
	return nil
}

// saveIssue stores or removes the flow and mirrors it onto the session.
// keepRef leaves the session pointing at a closed flow.
func (p *Pipeline) saveIssue(ctx context.Context, t *turn, flow *models.IssueResolutionFlow, keepRef bool) error {
	if flow.Closed {
		if err := p.deps.Store.DeleteIssueFlow(ctx, flow.SessionID); err != nil {
			return err
		}
	} else if err := p.deps.Store.SaveIssueFlow(ctx, flow); err != nil {
		return err
	}

	now := t.tc.Now
	return p.update(ctx, t, func(s *models.ConversationSession) error {
		if flow.Closed && !keepRef {
			s.ActiveIssue = ""
		} else {
			s.ActiveIssue = constants.IssueFlowKeyPrefix + flow.SessionID
		}
		if flow.Category == "" {
			return nil
		}
		s.Context.Set(constants.ContextLastIssue, flow.Category, now)

		unresolved := s.Context.GetStrings(constants.ContextUnresolvedIssues)
		if flow.Closed && flow.Outcome == models.OutcomeResolved {
			unresolved = without(unresolved, flow.Category)
		} else if !contains(unresolved, flow.Category) {
			unresolved = append(unresolved, flow.Category)
		}
		s.Context.Set(constants.ContextUnresolvedIssues, unresolved, now)
		return nil
	})
}

func (p *Pipeline) feedbackReplies(lang string) []models.QuickReply {
	templates := p.deps.Synth.Templates()
	resolved, _ := templates.Render(lang, issueflow.KeyQRResolved, 0, nil)
	notResolved, _ := templates.Render(lang, issueflow.KeyQRNotResolved, 0, nil)
	if resolved == "" {
		resolved = issueflow.PayloadResolved
	}
	if notResolved == "" {
		notResolved = issueflow.PayloadNotResolved
	}
	return []models.QuickReply{
		{Title: resolved, Payload: issueflow.PayloadResolved},
		{Title: notResolved, Payload: issueflow.PayloadNotResolved},
	}
}

// postResponse consults the engine against the session as it stands after
// the reply was logged.
func (p *Pipeline) postResponse(t *turn, forced *models.Evidence) *models.HandoverTrigger {
	return p.deps.Engine.Evaluate(handover.Input{
		Stage:   handover.StagePostResponse,
		Text:    t.tc.Text(),
		Session: t.tc.Session,
		Forced:  forced,
	})
}

// deliver logs reply as an agent turn and then sends it. Logging first means
// a re-queued turn finds the reply already answered instead of sending it a
// second time. A send failure is recorded on the turn rather than returned.
func (p *Pipeline) deliver(ctx context.Context, t *turn, reply models.Reply, flags []string) error {
	tc := t.tc
	if tc.Degraded {
		flags = append(flags, models.FlagDegradedContext)
	}

	if err := p.update(ctx, t, func(s *models.ConversationSession) error {
		s.AppendTurn(models.Turn{
			Timestamp: p.now(),
			Sender:    models.SenderAgent,
			Message:   reply.Text,
			ReplyTo:   tc.MessageID,
			Flags:     flags,
		})
		return nil
	}); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	err := p.deps.Channel.SendMessage(sendCtx, tc.Key.UserID, reply)
	cancel()
	t.rec.Delivered = err == nil
	if err != nil {
		t.logger(p.logger).WithError(err).Error("Failed to deliver reply")
		if err := p.update(ctx, t, func(s *models.ConversationSession) error {
			s.MarkUndelivered(tc.MessageID)
			return nil
		}); err != nil {
			t.logger(p.logger).WithError(err).Warn("Failed to flag undelivered reply")
		}
	}

	r := reply
	t.result.Reply = &r
	return nil
}

func (p *Pipeline) escalate(ctx context.Context, t *turn, trigger models.HandoverTrigger) error {
	tc := t.tc
	res, err := p.deps.Escalator.Escalate(ctx, tc.Key, trigger, tc.Language, tc.MessageID)
	if err != nil {
		return err
	}

	t.result.Outcome = metrics.OutcomeHandover
	t.rec.HandoverReason = string(trigger.Reason)
	tc.Session = res.Session

	if res.AlreadyOpen {
		notice := p.deps.Escalator.SendPendingNotice(ctx, res.Session, tc.Language, tc.MessageID)
		t.result.Reply = &notice
		t.result.Trigger = res.Session.Trigger
		return nil
	}

	tr := trigger
	t.result.Trigger = &tr
	t.result.Reply = &res.Notice
	if res.Ticket != nil {
		t.result.TicketID = res.Ticket.ID
	}
	t.rec.Delivered = true
	return nil
}

// Failsafe answers an event whose turn could not be completed, for example
// after repeated concurrent writes, with an apology and an agent_confusion
// escalation. Events already answered or owned by a human are left alone.
func (p *Pipeline) Failsafe(ctx context.Context, event models.InboundEvent, cause error) *Result {
	if err := models.ValidateEvent(event); err != nil {
		return &Result{Outcome: metrics.OutcomeFailed}
	}
	start := p.now()
	key := p.Key(event)
	messageID := event.DedupID()

	if _, err := p.deps.Store.GetOrCreate(ctx, key, start); err != nil {
		p.logger.WithError(err).WithField("session", key.String()).Warn("Failed to load session for failsafe")
	}
	sess, err := p.deps.Store.Update(ctx, key, func(s *models.ConversationSession) error {
		if !s.HasMessage(messageID) {
			s.AppendTurn(models.Turn{
				Timestamp: event.Time(start),
				Sender:    models.SenderUser,
				Message:   event.Text,
				MessageID: messageID,
			})
		}
		return nil
	})
	if err != nil {
		p.logger.WithError(err).WithField("session", key.String()).Warn("Failed to log user turn for failsafe")
		if sess, err = p.deps.Store.Get(ctx, key); err != nil {
			sess = models.NewSession("", key.Channel, key.UserID, start)
		}
	}

	t := &turn{
		tc: &models.TurnContext{
			Event:     event,
			MessageID: messageID,
			Key:       key,
			Session:   sess,
			Language:  assembler.DetectLanguage(event.Text, sess.Context.GetString(constants.ContextLanguage)),
			Now:       start,
		},
		rec:    metrics.TurnRecord{SessionID: sess.ID, Channel: key.Channel},
		result: &Result{SessionID: sess.ID},
	}

	switch {
	case sess.HasReplyTo(messageID):
		t.result.Outcome = metrics.OutcomeDuplicate
		return t.result
	case sess.Status == models.StatusHandedOver:
		t.result.Outcome = metrics.OutcomeSilent
		return t.result
	}

	p.failsafe(ctx, t, cause)
	t.rec.Outcome = t.result.Outcome
	t.rec.Duration = p.now().Sub(start)
	p.deps.Recorder.RecordTurn(t.rec)
	return t.result
}

// failsafe answers an unrecoverable turn with an apology and hands the
// conversation to a human.
func (p *Pipeline) failsafe(ctx context.Context, t *turn, cause error) {
	tc := t.tc
	logger := t.logger(p.logger).WithError(cause)
	logger.Error("Turn failed, apologising and escalating")
	t.result.Outcome = metrics.OutcomeFailed

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Failsafe panicked")
		}
	}()

	apology := p.deps.Synth.Render(tc.Language, synth.KeyApology, nil, models.ReplyApology)
	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	if err := p.deps.Channel.SendMessage(sendCtx, tc.Key.UserID, apology); err != nil {
		logger.WithError(err).Error("Failed to send apology")
	}
	cancel()
	t.result.Reply = &apology

	res, err := p.deps.Escalator.Escalate(ctx, tc.Key, models.HandoverTrigger{
		Reason:   models.TriggerAgentConfusion,
		Evidence: "unrecoverable failure: " + cause.Error(),
	}, tc.Language, tc.MessageID)
	if err != nil {
		logger.WithError(err).Error("Failed to escalate after failure")
		return
	}
	if !res.AlreadyOpen {
		t.result.Outcome = metrics.OutcomeHandover
		t.rec.HandoverReason = string(models.TriggerAgentConfusion)
		if res.Ticket != nil {
			t.result.TicketID = res.Ticket.ID
		}
	}
}

func (p *Pipeline) update(ctx context.Context, t *turn, fn session.UpdateFunc) error {
	sess, err := p.deps.Store.Update(ctx, t.tc.Key, fn)
	if err != nil {
		return err
	}
	t.tc.Session = sess
	return nil
}

// isSuperseded reports whether the turn's result would no longer be wanted:
// a newer message is queued or the session was archived under it.
func (p *Pipeline) isSuperseded(ctx context.Context, key models.SessionKey, sessionID string) bool {
	if p.superseded(key) {
		return true
	}
	current, err := p.deps.Store.Get(ctx, key)
	if err != nil {
		return errors.Is(err, models.ErrSessionNotFound)
	}
	return current.ID != sessionID || current.Archived
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func without(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
