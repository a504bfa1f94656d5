package planner

import (
	"context"
	"strings"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/models"
)

// Planner classifies the latest user message and proposes an action plan.
// It is called at most once per turn.
type Planner interface {
	ClassifyAndPlan(ctx context.Context, tc *models.TurnContext) (models.Classification, error)
}

// Fallback is the classification used when the planner fails: intent
// unknown, an empty plan, and a clarification reply downstream.
func Fallback(language string) models.Classification {
	return models.Classification{
		Intent:   models.IntentUnknown,
		Language: language,
		Plan:     models.NewActionPlan(),
		Fallback: true,
	}
}

// PlanFor builds the action plan for an intent.
func PlanFor(intent, text, language string) models.ActionPlan {
	switch intent {
	case models.IntentLaunchDate:
		return models.NewActionPlan(models.Action{
			Type:       models.ActionAPICall,
			Parameters: map[string]interface{}{"endpoint": "launch_date"},
		})
	case models.IntentGameInfo:
		return models.NewActionPlan(models.Action{
			Type:       models.ActionKnowledgeSearch,
			Parameters: map[string]interface{}{"query": text, "language": language},
		})
	case models.IntentRequestTicket, models.IntentComplaint:
		category := models.CategoryGeneral
		if intent == models.IntentComplaint {
			category = "complaint"
		}
		return models.NewActionPlan(models.Action{
			Type: models.ActionCreateTicket,
			Parameters: map[string]interface{}{
				"category":    category,
				"priority":    string(models.PriorityMedium),
				"description": text,
			},
		})
	default:
		return models.NewActionPlan()
	}
}

// MatchAny reports whether text contains any of phrases, ignoring case.
// Text is padded with spaces so phrases like "hi " also match at the end.
func MatchAny(text string, phrases []string) (string, bool) {
	padded := " " + strings.ToLower(text) + " "
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if strings.Contains(padded, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

// CountMatches returns how many of phrases occur in text.
func CountMatches(text string, phrases []string) int {
	padded := " " + strings.ToLower(text) + " "
	n := 0
	for _, p := range phrases {
		if p != "" && strings.Contains(padded, strings.ToLower(p)) {
			n++
		}
	}
	return n
}

// keywordsFor flattens every language's keywords for an intent.
func keywordsFor(rules *config.Rules, intent string) []string {
	var out []string
	for _, words := range rules.IntentKeywords[intent] {
		out = append(out, words...)
	}
	return out
}
