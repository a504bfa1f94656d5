package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/models"
)

// Capability performs one kind of action against an external system.
type Capability interface {
	Execute(ctx context.Context, action models.Action, tc *models.TurnContext) (interface{}, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, action models.Action, tc *models.TurnContext) (interface{}, error)

func (f CapabilityFunc) Execute(ctx context.Context, action models.Action, tc *models.TurnContext) (interface{}, error) {
	return f(ctx, action, tc)
}

type Options struct {
	// Timeout bounds every single action.
	Timeout time.Duration
	// Parallel runs consecutive read-only actions concurrently. Side-effecting
	// actions always run alone, after everything before them has finished.
	Parallel bool
}

// Executor runs an action plan. A failing action never aborts the plan;
// results line up with the plan positions.
type Executor struct {
	capabilities map[models.ActionType]Capability
	opts         Options
	logger       *logrus.Logger
}

func New(opts Options, logger *logrus.Logger) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = constants.MillisecondsToDuration(constants.DefaultExternalCallTimeoutMS)
	}
	return &Executor{
		capabilities: make(map[models.ActionType]Capability),
		opts:         opts,
		logger:       logger,
	}
}

// Register binds a capability to an action type.
func (e *Executor) Register(actionType models.ActionType, capability Capability) *Executor {
	e.capabilities[actionType] = capability
	return e
}

func (e *Executor) Execute(ctx context.Context, plan models.ActionPlan, tc *models.TurnContext) []models.ActionResult {
	results := make([]models.ActionResult, plan.Len())
	if !e.opts.Parallel {
		for i := 0; i < plan.Len(); i++ {
			results[i] = e.run(ctx, plan.At(i), tc)
		}
		return results
	}

	i := 0
	for i < plan.Len() {
		if plan.At(i).Type.SideEffecting() {
			results[i] = e.run(ctx, plan.At(i), tc)
			i++
			continue
		}

		j := i
		for j < plan.Len() && !plan.At(j).Type.SideEffecting() {
			j++
		}

		var g errgroup.Group
		for k := i; k < j; k++ {
			g.Go(func() error {
				results[k] = e.run(ctx, plan.At(k), tc)
				return nil
			})
		}
		g.Wait()
		i = j
	}
	return results
}

func (e *Executor) run(ctx context.Context, action models.Action, tc *models.TurnContext) (result models.ActionResult) {
	result.Action = action
	start := time.Now()

	capability, ok := e.capabilities[action.Type]
	if !ok {
		result.Outcome = models.Failed(fmt.Sprintf("unknown action type %q", action.Type))
		e.logger.WithField("action_type", action.Type).Warn("No capability for action type")
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = models.Failed(fmt.Sprintf("capability panic: %v", r))
			e.logger.WithFields(logrus.Fields{
				"action_type": action.Type,
				"panic":       r,
			}).Error("Capability panicked")
		}
	}()

	value, err := capability.Execute(ctx, action, tc)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		result.Outcome = models.Failed(err.Error())
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action_type": action.Type,
			"duration":    time.Since(start),
		}).Warn("Action failed")
		return result
	}

	result.Outcome = models.Succeeded(value)
	e.logger.WithFields(logrus.Fields{
		"action_type": action.Type,
		"duration":    time.Since(start),
	}).Debug("Action succeeded")
	return result
}
