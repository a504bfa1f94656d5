package handover

import (
	"fmt"
	"sort"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/planner"
)

// Stage is the pipeline point at which the engine is consulted.
type Stage int

const (
	// StagePreEmptive runs right after context assembly, before planning.
	StagePreEmptive Stage = iota
	// StagePostResponse runs after the reply was gated.
	StagePostResponse
)

func (s Stage) String() string {
	if s == StagePreEmptive {
		return "pre_emptive"
	}
	return "post_response"
}

// Input is what the engine evaluates. Session is read, never written.
type Input struct {
	Stage   Stage
	Text    string
	Session *models.ConversationSession
	// Forced carries an agent_confusion raised by the quality gate or the
	// issue-resolution flow.
	Forced *models.Evidence
}

// EmotionAnalyzer rates how negative a message is, between 0 and 1.
type EmotionAnalyzer interface {
	Negativity(text string) float64
}

// Engine decides whether a turn escalates to a human. It has no side
// effects; the Escalator acts on its decisions.
type Engine struct {
	rules   *config.Rules
	emotion EmotionAnalyzer
}

func NewEngine(rules *config.Rules, emotion EmotionAnalyzer) *Engine {
	if emotion == nil {
		emotion = NewLexiconEmotion(rules)
	}
	return &Engine{rules: rules, emotion: emotion}
}

// Evaluate returns the trigger to record, or nil. Only active sessions can
// escalate. When several predicates fire the highest-priority reason wins and
// the rest are kept as contributing evidence.
func (e *Engine) Evaluate(in Input) *models.HandoverTrigger {
	if in.Session == nil || in.Session.Status != models.StatusActive {
		return nil
	}

	var fired []models.Evidence
	switch in.Stage {
	case StagePreEmptive:
		if phrase, ok := planner.MatchAny(in.Text, e.rules.CriticalPhrases); ok {
			fired = append(fired, models.Evidence{Reason: models.TriggerCriticalKeyword, Detail: fmt.Sprintf("matched %q", phrase)})
		}
		if phrase, ok := planner.MatchAny(in.Text, e.rules.UserRequestPhrases); ok {
			fired = append(fired, models.Evidence{Reason: models.TriggerUserRequest, Detail: fmt.Sprintf("matched %q", phrase)})
		}
	case StagePostResponse:
		if ev, ok := e.negativeEmotion(in); ok {
			fired = append(fired, ev)
		}
		if ev, ok := e.agentConfusion(in.Session); ok {
			fired = append(fired, ev)
		}
		if in.Forced != nil {
			fired = append(fired, *in.Forced)
		}
	}

	return Select(fired)
}

// Select picks the highest-priority evidence as the trigger reason.
func Select(fired []models.Evidence) *models.HandoverTrigger {
	if len(fired) == 0 {
		return nil
	}
	sorted := make([]models.Evidence, len(fired))
	copy(sorted, fired)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Reason.Priority() > sorted[j].Reason.Priority()
	})

	trigger := &models.HandoverTrigger{Reason: sorted[0].Reason, Evidence: sorted[0].Detail}
	for _, ev := range sorted[1:] {
		trigger.Contributing = append(trigger.Contributing, ev)
	}
	return trigger
}

func (e *Engine) negativeEmotion(in Input) (models.Evidence, bool) {
	if score := e.emotion.Negativity(in.Text); score > constants.NegativeEmotionThreshold {
		return models.Evidence{
			Reason: models.TriggerNegativeEmotion,
			Detail: fmt.Sprintf("negativity %.2f", score),
		}, true
	}

	indicators := 0
	seen := 0
	log := in.Session.EpisodeLog()
	for i := len(log) - 1; i >= 0 && seen < constants.FrustrationWindowTurns; i-- {
		if log[i].Sender != models.SenderUser {
			continue
		}
		seen++
		indicators += planner.CountMatches(log[i].Message, e.rules.FrustrationPhrases)
	}
	if indicators > constants.FrustrationIndicatorLimit {
		return models.Evidence{
			Reason: models.TriggerNegativeEmotion,
			Detail: fmt.Sprintf("%d frustration indicators in last %d user turns", indicators, seen),
		}, true
	}
	return models.Evidence{}, false
}

func (e *Engine) agentConfusion(sess *models.ConversationSession) (models.Evidence, bool) {
	log := sess.EpisodeLog()

	failed := 0
	intents := make(map[string]int)
	for _, turn := range log {
		if turn.HasFlag(models.FlagResolutionFailed) {
			failed++
		}
		if turn.Sender == models.SenderUser && repeatable(turn.Intent) {
			intents[turn.Intent]++
		}
	}

	if failed >= constants.FailedResolutionLimit {
		return models.Evidence{
			Reason: models.TriggerAgentConfusion,
			Detail: fmt.Sprintf("%d failed resolution attempts", failed),
		}, true
	}

	// Deterministic order so the evidence text is stable.
	names := make([]string, 0, len(intents))
	for name := range intents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if intents[name] >= constants.RepeatedIssueLimit {
			return models.Evidence{
				Reason: models.TriggerAgentConfusion,
				Detail: fmt.Sprintf("intent %s repeated %d times", name, intents[name]),
			}, true
		}
	}
	return models.Evidence{}, false
}

func repeatable(intent string) bool {
	switch intent {
	case "", models.IntentGreeting, models.IntentGoodbye:
		return false
	default:
		return true
	}
}
