package models

// ActionType names the external capability an action calls
type ActionType string

const (
	ActionAPICall         ActionType = "api_call"
	ActionKnowledgeSearch ActionType = "knowledge_search"
	ActionCreateTicket    ActionType = "create_ticket"
)

// SideEffecting reports whether the action mutates external state.
func (t ActionType) SideEffecting() bool {
	return t == ActionCreateTicket
}

// Action is one step of an action plan
type Action struct {
	Type       ActionType             `json:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Param returns a string parameter.
func (a Action) Param(key string) string {
	v, ok := a.Parameters[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ActionPlan is an ordered, immutable list of actions produced once per turn
type ActionPlan struct {
	actions []Action
}

// NewActionPlan copies actions into a new plan.
func NewActionPlan(actions ...Action) ActionPlan {
	copied := make([]Action, len(actions))
	for i, a := range actions {
		params := make(map[string]interface{}, len(a.Parameters))
		for k, v := range a.Parameters {
			params[k] = v
		}
		copied[i] = Action{Type: a.Type, Parameters: params}
	}
	return ActionPlan{actions: copied}
}

// Len returns the number of actions.
func (p ActionPlan) Len() int {
	return len(p.actions)
}

// At returns the action at position i.
func (p ActionPlan) At(i int) Action {
	return p.actions[i]
}

// Actions returns a copy of the plan's actions.
func (p ActionPlan) Actions() []Action {
	out := make([]Action, len(p.actions))
	copy(out, p.actions)
	return out
}

// Outcome is success(value) or failure(reason)
type Outcome struct {
	Success bool        `json:"success"`
	Value   interface{} `json:"value,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Succeeded builds a success outcome.
func Succeeded(value interface{}) Outcome {
	return Outcome{Success: true, Value: value}
}

// Failed builds a failure outcome.
func Failed(reason string) Outcome {
	return Outcome{Success: false, Reason: reason}
}

// ActionResult pairs an action with its outcome
type ActionResult struct {
	Action  Action  `json:"action"`
	Outcome Outcome `json:"outcome"`
}

// Classification is the planner's output for one turn
type Classification struct {
	Intent     string     `json:"intent"`
	Confidence float64    `json:"confidence"`
	Language   string     `json:"language,omitempty"`
	Plan       ActionPlan `json:"-"`
	Fallback   bool       `json:"fallback,omitempty"`
}

// Well-known intents
const (
	IntentUnknown       = "unknown"
	IntentGreeting      = "greeting"
	IntentGoodbye       = "goodbye"
	IntentLaunchDate    = "get_launch_date"
	IntentGameInfo      = "game_info"
	IntentReportIssue   = "report_issue"
	IntentRequestTicket = "request_ticket"
	IntentComplaint     = "complaint"
)
