package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/models"
)

// Candidate is a reply under review together with what produced it.
type Candidate struct {
	Reply          models.Reply
	Classification models.Classification
	Results        []models.ActionResult
	Attempt        int
}

// Scorer rates a candidate reply between 0 and 1.
type Scorer interface {
	Score(ctx context.Context, c Candidate, tc *models.TurnContext) (float64, error)
}

// HeuristicScorer scores replies from planner confidence and action outcomes
// without calling out to a model.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(ctx context.Context, c Candidate, tc *models.TurnContext) (float64, error) {
	text := strings.TrimSpace(c.Reply.Text)
	switch {
	case text == "":
		return 0, nil
	case HasPlaceholder(text):
		return 0.2, nil
	case c.Reply.Kind == models.ReplyClarification:
		return 0.8, nil
	case c.Reply.Kind == models.ReplyApology:
		return 0.7, nil
	}

	score := 0.5 + 0.5*c.Classification.Confidence
	for _, r := range c.Results {
		if !r.Outcome.Success {
			score -= 0.15
			break
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// Verdict is the outcome of gating one turn's reply.
type Verdict struct {
	Reply    models.Reply
	Accepted bool
	// Discarded means a re-synthesis was dropped because the turn was
	// superseded; nothing should be sent.
	Discarded bool
	Retried   bool
	Scores    []float64
	Rejected  []models.Reply
}

// Err explains a verdict that produced no reply. It is nil when a reply was
// accepted or the turn was discarded.
func (v Verdict) Err() error {
	if v.Accepted || v.Discarded {
		return nil
	}
	best := 0.0
	for _, score := range v.Scores {
		if score > best {
			best = score
		}
	}
	return fmt.Errorf("%w: best score %.2f over %d candidates", models.ErrLowQualityResponse, best, len(v.Scores))
}

// Gate scores candidates and re-synthesizes rejected ones a bounded number
// of times. A reply below the threshold is never accepted.
type Gate struct {
	synth     *Synthesizer
	scorer    Scorer
	threshold float64
	retries   int
	logger    *logrus.Logger
}

func NewGate(synth *Synthesizer, scorer Scorer, threshold float64, retries int, logger *logrus.Logger) *Gate {
	if threshold <= 0 {
		threshold = constants.DefaultQualityThreshold
	}
	if retries < 0 {
		retries = constants.DefaultQualityRetries
	}
	return &Gate{
		synth:     synth,
		scorer:    scorer,
		threshold: threshold,
		retries:   retries,
		logger:    logger,
	}
}

// Run produces a gated reply. superseded is consulted before and after each
// re-synthesis; when it reports true the result is discarded.
func (g *Gate) Run(ctx context.Context, tc *models.TurnContext, cls models.Classification, results []models.ActionResult, superseded func() bool) Verdict {
	var v Verdict
	var avoid []string

	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			v.Retried = true
			if superseded != nil && superseded() {
				v.Discarded = true
				return v
			}
		}

		reply := g.synth.Synthesize(tc, cls, results, avoid)
		score, err := g.scorer.Score(ctx, Candidate{Reply: reply, Classification: cls, Results: results, Attempt: attempt}, tc)
		if err != nil {
			g.logger.WithError(err).WithField("attempt", attempt).Warn("Quality scorer failed, treating candidate as rejected")
			score = 0
		}
		v.Scores = append(v.Scores, score)

		if attempt > 0 && superseded != nil && superseded() {
			v.Discarded = true
			return v
		}

		if err == nil && score >= g.threshold {
			v.Reply = reply
			v.Accepted = true
			return v
		}

		g.logger.WithFields(logrus.Fields{
			"attempt":      attempt,
			"score":        score,
			"threshold":    g.threshold,
			"template_key": reply.TemplateKey,
		}).Info("Candidate reply rejected by quality gate")

		v.Rejected = append(v.Rejected, reply)
		avoid = append(avoid, reply.Text)
	}
	return v
}
