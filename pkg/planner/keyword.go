package planner

import (
	"context"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/models"
)

// intentOrder breaks ties between intents with the same number of hits.
var intentOrder = []string{
	models.IntentRequestTicket,
	models.IntentComplaint,
	models.IntentReportIssue,
	models.IntentLaunchDate,
	models.IntentGameInfo,
	models.IntentGreeting,
	models.IntentGoodbye,
}

// KeywordPlanner classifies by keyword tables from the rules file.
type KeywordPlanner struct {
	rules  *config.Rules
	logger *logrus.Logger
}

func NewKeywordPlanner(rules *config.Rules, logger *logrus.Logger) *KeywordPlanner {
	return &KeywordPlanner{rules: rules, logger: logger}
}

func (p *KeywordPlanner) ClassifyAndPlan(ctx context.Context, tc *models.TurnContext) (models.Classification, error) {
	if err := ctx.Err(); err != nil {
		return models.Classification{}, err
	}

	text := tc.Text()
	intent, hits := p.classify(text)

	confidence := 0.3
	if hits > 0 {
		confidence = 0.6 + 0.15*float64(hits)
		if confidence > 0.95 {
			confidence = 0.95
		}
	}

	p.logger.WithFields(logrus.Fields{
		"intent":     intent,
		"confidence": confidence,
		"hits":       hits,
	}).Debug("Classified message by keywords")

	return models.Classification{
		Intent:     intent,
		Confidence: confidence,
		Language:   tc.Language,
		Plan:       PlanFor(intent, text, tc.Language),
	}, nil
}

func (p *KeywordPlanner) classify(text string) (string, int) {
	best, bestHits := models.IntentUnknown, 0
	for _, intent := range intentOrder {
		hits := CountMatches(text, keywordsFor(p.rules, intent))
		if hits > bestHits {
			best, bestHits = intent, hits
		}
	}
	return best, bestHits
}
