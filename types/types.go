package types

// WorkflowType classifies a workflow definition.
type WorkflowType string

const (
	WorkflowTypeBasic      WorkflowType = "basic"
	WorkflowTypeApproval   WorkflowType = "approval"
	WorkflowTypeAdvanced   WorkflowType = "advanced"
	WorkflowTypeAutomation WorkflowType = "automation"
)

// StepType classifies a step of a workflow graph.
type StepType string

const (
	StepTypeStart               StepType = "start"
	StepTypeStandard            StepType = "standard"
	StepTypeAction              StepType = "action"
	StepTypeWait                StepType = "wait"
	StepTypeUserchoice          StepType = "userchoice"
	StepTypeMultichoice         StepType = "multichoice"
	StepTypeMultichoiceFirstWin StepType = "multichoice_first_win"
	StepTypeFinished            StepType = "finished"
	StepTypeDefault             StepType = "default"
)

// SourcePointType classifies an outgoing decision point of a step.
type SourcePointType string

const (
	SourcePointStandard SourcePointType = "standard"
	SourcePointCase     SourcePointType = "case"
	SourcePointChoice   SourcePointType = "choice"
	SourcePointElse     SourcePointType = "else"
	SourcePointTimeout  SourcePointType = "timeout"
)

// TransitionType is the kind of a transition. An empty value used as a filter matches any type.
type TransitionType string

const (
	TransitionAutomatic TransitionType = "automatic"
	TransitionManual    TransitionType = "manual"
)

// Action status markers stored on a StateObject.
const (
	ActionStatusNone    = ""
	ActionStatusRunning = "running"
)

// Workflow defines the structure of a workflow graph.
type Workflow struct {
	ID          uint64       `json:"id" validate:"required"`
	GUID        string       `json:"guid"`
	Name        string       `json:"name" validate:"required"`
	DisplayName string       `json:"display_name"`
	Type        WorkflowType `json:"type" validate:"omitempty,oneof=basic approval advanced automation"`
	Steps       []Step       `json:"steps" validate:"required,min=1,dive"`
	Transitions []Transition `json:"transitions" validate:"dive"`
}

// Step is a node of the workflow graph.
type Step struct {
	ID                     uint64        `json:"id" validate:"required"`
	GUID                   string        `json:"guid" validate:"required"`
	WorkflowID             uint64        `json:"workflow_id"`
	Name                   string        `json:"name"`
	DisplayName            string        `json:"display_name"`
	Type                   StepType      `json:"type" validate:"required"`
	AllowBranch            bool          `json:"allow_branch"`
	HasSingleWinTransition bool          `json:"has_single_win_transition"`
	ActionID               uint64        `json:"action_id,omitempty"`
	Timeout                *Timeout      `json:"timeout,omitempty"`
	SourcePoints           []SourcePoint `json:"source_points,omitempty" validate:"dive"`
	Notification           *Notification `json:"notification,omitempty"`
}

// SourcePoint is an outgoing decision point on a step.
type SourcePoint struct {
	GUID      string          `json:"guid" validate:"required"`
	Label     string          `json:"label"`
	Type      SourcePointType `json:"type"`
	Condition string          `json:"condition,omitempty"`
}

// Transition is a directed edge bound to one source point of its start step.
type Transition struct {
	ID              uint64         `json:"id" validate:"required"`
	WorkflowID      uint64         `json:"workflow_id"`
	StartStepID     uint64         `json:"start_step_id" validate:"required"`
	EndStepID       uint64         `json:"end_step_id" validate:"required"`
	SourcePointGUID string         `json:"source_point_guid,omitempty"`
	Type            TransitionType `json:"type"`
}

// Timeout describes a one-shot timer armed when a state enters the step.
// An empty TargetStepGUID means the end step of the transition bound to the
// step's timeout source point.
type Timeout struct {
	Interval       string `json:"interval"`
	TargetStepGUID string `json:"target_step_guid,omitempty"`
}

// Notification names the message template sent after a state enters the step.
type Notification struct {
	Template   string   `json:"template"`
	Recipients []string `json:"recipients"`
}

// ActionDefinition references a pluggable executable by its logical key.
type ActionDefinition struct {
	ID            uint64                 `json:"id" validate:"required"`
	Name          string                 `json:"name"`
	Key           string                 `json:"key" validate:"required"`
	Enabled       bool                   `json:"enabled"`
	MaxRetries    int                    `json:"max_retries,omitempty" validate:"min=0"`
	RetryDelaySec int                    `json:"retry_delay_sec,omitempty" validate:"min=0"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
}

// StateObject tracks where one info object currently sits in a workflow.
type StateObject struct {
	ID            uint64                 `json:"id"`
	GUID          string                 `json:"guid"`
	WorkflowID    uint64                 `json:"workflow_id"`
	CurrentStepID uint64                 `json:"current_step_id"`
	ObjectID      string                 `json:"object_id"`
	SiteID        uint64                 `json:"site_id"`
	ActionStatus  string                 `json:"action_status"`
	Finished      bool                   `json:"finished"`
	Context       map[string]interface{} `json:"context"`
	StepChangedAt int64                  `json:"step_changed_at"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
}

// InfoObject is the business entity moved through a workflow.
type InfoObject interface {
	ObjectID() string
	SiteID() uint64
	DisplayName() string
}

// User is the acting user of an engine operation.
type User struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}
