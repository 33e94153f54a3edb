// Package model defines the shared data types that flow between the
// runtime's components: Turn, Plan, Step, PersonalityInstance, and the
// EventEnvelope every cross-component message is wrapped in.
package model

import "time"

// TurnStatus is the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnStatusPending   TurnStatus = "PENDING"
	TurnStatusPlanning  TurnStatus = "PLANNING"
	TurnStatusExecuting TurnStatus = "EXECUTING"
	TurnStatusCompleted TurnStatus = "COMPLETED"
	TurnStatusFailed    TurnStatus = "FAILED"
)

// IsTerminal reports whether status has no further transitions.
func (s TurnStatus) IsTerminal() bool {
	return s == TurnStatusCompleted || s == TurnStatusFailed
}

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "PENDING"
	PlanStatusInProgress PlanStatus = "IN_PROGRESS"
	PlanStatusCompleted  PlanStatus = "COMPLETED"
	PlanStatusFailed     PlanStatus = "FAILED"
)

// StepType names the kind of action a Step performs.
type StepType string

const (
	StepTypeLLMCall   StepType = "LLM_CALL"
	StepTypeToolCall  StepType = "TOOL_CALL"
	StepTypeMemoryOp  StepType = "MEMORY_OP"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// Message is a role+content pair, used for user input and final responses.
type Message struct {
	Role    string
	Content string
}

// ErrorInfo is the normalized {code, message} record attached to a
// terminal Turn or a failed Step.
type ErrorInfo struct {
	Code    string
	Message string
}

// StepMetrics records per-step cost and latency accounting.
type StepMetrics struct {
	LatencyMS        int64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Provider         string
	Model            string
	ErrorKind        string
}

// TurnMetrics is an additive roll-up of StepMetrics across a Turn.
type TurnMetrics struct {
	LatencyMS        int64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LLMCalls         int
}

// Add folds a step's metrics into the turn roll-up. Only steps that
// recorded a cost contribute to CostUSD, matching the testable property
// that Turn.metrics.cost_usd equals the sum of per-step costs.
func (m *TurnMetrics) Add(step StepMetrics) {
	m.LatencyMS += step.LatencyMS
	m.PromptTokens += step.PromptTokens
	m.CompletionTokens += step.CompletionTokens
	if step.CostUSD != 0 {
		m.CostUSD += step.CostUSD
	}
	if step.Provider != "" && step.Model != "" {
		m.LLMCalls++
	}
}

// Step is a single action within a Plan.
type Step struct {
	StepID      string
	PlanID      string
	TurnID      string
	StepIndex   int
	StepType    StepType
	Parameters  map[string]any
	Description string
	Status      StepStatus
	Result      any
	Error       *ErrorInfo
	Metrics     *StepMetrics
	StartedAt   time.Time
}

// Plan is the ordered sequence of Steps derived from a user request.
// PlanExecutor never mutates a Plan after publishing its steps; step
// order is total.
type Plan struct {
	PlanID string
	TurnID string
	Steps  []Step
	Status PlanStatus
}

// NextIndex returns the index of the first step that has not yet
// produced a terminal result, or len(Steps) if every step is terminal.
func (p *Plan) NextIndex() int {
	for i := range p.Steps {
		switch p.Steps[i].Status {
		case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
			continue
		default:
			return i
		}
	}
	return len(p.Steps)
}

// Turn is one user request and its eventual response, with all
// intermediate planning and execution state.
type Turn struct {
	TurnID        string
	Version       int
	Status        TurnStatus
	UserInput     Message
	PersonalityID string
	SessionID     string
	PlanID        string
	Plan          *Plan
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinalResponse *Message
	ErrorInfo     *ErrorInfo
	Metrics       TurnMetrics
	Metadata      map[string]any
	TraceID       string
	SeenStepIDs   map[string]struct{}
	History       []Message
}

// PersonalityInstance is an immutable snapshot of a loaded personality
// pack. Reloading PersonalityPackManager replaces the registry entry but
// never mutates an instance already handed to an in-flight Turn.
type PersonalityInstance struct {
	ID                 string
	Version            string
	SystemPromptText   string
	Traits             map[string]any
	ToolsModuleRef     string
	AvailableToolNames []string
	DefaultProvider    string
	DefaultModel       string
}

// EventType enumerates the event kinds published on the EventBus.
type EventType string

const (
	EventTypeTurnStart           EventType = "turn.start"
	EventTypeStepExecuteLLMCall  EventType = "step.execute.llm_call"
	EventTypeStepExecuteToolCall EventType = "step.execute.tool_call"
	EventTypeStepExecuteMemoryOp EventType = "step.execute.memory_op"
	EventTypeStepResult          EventType = "step.result"
	EventTypeTurnCompleted       EventType = "turn.completed"
	EventTypeTurnFailed          EventType = "turn.failed"
)

// StepExecuteEventType returns the step.execute.* event type for a step type.
func StepExecuteEventType(t StepType) EventType {
	switch t {
	case StepTypeLLMCall:
		return EventTypeStepExecuteLLMCall
	case StepTypeToolCall:
		return EventTypeStepExecuteToolCall
	case StepTypeMemoryOp:
		return EventTypeStepExecuteMemoryOp
	default:
		return ""
	}
}

// EventEnvelope is the common wrapper for every cross-component event.
type EventEnvelope struct {
	EventID     string
	EventType   EventType
	SpecVersion string
	Timestamp   time.Time
	TraceID     string
	TurnID      string
	PlanID      string
	StepID      string
	Payload     any
}

// TurnStartPayload is the payload of a turn.start event.
type TurnStartPayload struct {
	TurnID string
}

// StepExecutePayload is the payload of a step.execute.* event.
type StepExecutePayload struct {
	Step Step
}

// StepResultPayload is the payload of a step.result event.
type StepResultPayload struct {
	Step Step
}

// TurnCompletedPayload is the payload of a turn.completed event.
type TurnCompletedPayload struct {
	TurnID        string
	FinalResponse Message
	Metrics       TurnMetrics
}

// TurnFailedPayload is the payload of a turn.failed event.
type TurnFailedPayload struct {
	TurnID string
	Error  ErrorInfo
}
