package synth

import (
	"fmt"
	"hash/fnv"
	"strings"

	"conversation-orchestrator/pkg/models"
)

// Template keys used outside of intent replies
const (
	KeyUnknown          = "unknown"
	KeyPartialFailure   = "partial_failure"
	KeyAllFailed        = "all_failed"
	KeyApology          = "apology"
	KeyHandoverPrefix   = "handover."
	KeyHandoverWait     = "handover.pending"
	KeyHandoverNoTicket = "handover.no_ticket"
)

// Synthesizer turns a classification and its action results into a reply.
type Synthesizer struct {
	templates *Templates
}

func NewSynthesizer(templates *Templates) *Synthesizer {
	return &Synthesizer{templates: templates}
}

func (s *Synthesizer) Templates() *Templates {
	return s.templates
}

// Synthesize builds a candidate reply. Texts listed in avoid were already
// rejected for this turn and are skipped when another variant exists.
func (s *Synthesizer) Synthesize(tc *models.TurnContext, cls models.Classification, results []models.ActionResult, avoid []string) models.Reply {
	lang := tc.Language
	start := variantSeed(tc.MessageID)

	if cls.Fallback || cls.Intent == models.IntentUnknown || !s.templates.Has(lang, cls.Intent) {
		return s.pick(lang, KeyUnknown, start, nil, avoid, models.ReplyClarification, "")
	}

	vars, failed := Vars(results)
	if len(results) > 0 && failed == len(results) {
		return s.pick(lang, KeyAllFailed, start, nil, avoid, models.ReplyApology, "")
	}

	suffix := ""
	if failed > 0 {
		suffix, _ = s.templates.Render(lang, KeyPartialFailure, 0, nil)
	}
	return s.pick(lang, cls.Intent, start, vars, avoid, models.ReplyAnswer, suffix)
}

// Render builds a system reply (handover notice, issue prompt, apology).
func (s *Synthesizer) Render(lang, key string, vars map[string]string, kind models.ReplyKind) models.Reply {
	text, ok := s.templates.Render(lang, key, 0, vars)
	if !ok {
		text, _ = s.templates.Render(lang, KeyApology, 0, nil)
	}
	return models.Reply{Text: text, Kind: kind, TemplateKey: key}
}

func (s *Synthesizer) pick(lang, key string, start int, vars map[string]string, avoid []string, kind models.ReplyKind, suffix string) models.Reply {
	variants := s.templates.Variants(lang, key)
	var text string
	for i := 0; i < len(variants); i++ {
		text = Fill(variants[(start+i)%len(variants)], vars)
		if suffix != "" {
			text = text + " " + suffix
		}
		if !contains(avoid, text) {
			break
		}
	}
	return models.Reply{Text: text, Kind: kind, TemplateKey: key}
}

// Vars extracts template variables from successful results and counts the
// failed ones.
func Vars(results []models.ActionResult) (map[string]string, int) {
	vars := make(map[string]string)
	failed := 0
	for _, r := range results {
		if !r.Outcome.Success {
			failed++
			continue
		}
		key := varName(r.Action)
		switch v := r.Outcome.Value.(type) {
		case string:
			vars[key] = v
		case map[string]interface{}:
			for k, field := range v {
				vars[k] = fmt.Sprint(field)
			}
		case map[string]string:
			for k, field := range v {
				vars[k] = field
			}
		case nil:
		default:
			vars[key] = fmt.Sprint(v)
		}
	}
	return vars, failed
}

func varName(action models.Action) string {
	switch action.Type {
	case models.ActionAPICall:
		if action.Param("endpoint") == "launch_date" {
			return "date"
		}
		return "result"
	case models.ActionKnowledgeSearch:
		return "answer"
	case models.ActionCreateTicket:
		return "ticket_id"
	default:
		return string(action.Type)
	}
}

func variantSeed(messageID string) int {
	h := fnv.New32a()
	h.Write([]byte(messageID))
	return int(h.Sum32() & 0x7fffffff)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if strings.TrimSpace(item) == strings.TrimSpace(s) {
			return true
		}
	}
	return false
}
