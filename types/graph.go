package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

// ErrInvalidGraph is returned by Workflow.Validate.
var ErrInvalidGraph = errors.New("invalid workflow graph")

// IsAction reports whether the step executes an action.
func (s *Step) IsAction() bool {
	return s != nil && s.Type == StepTypeAction
}

// IsWait reports whether the step parks the state until an external event.
func (s *Step) IsWait() bool {
	return s != nil && s.Type == StepTypeWait
}

// IsTerminal reports whether the step ends the workflow.
func (s *Step) IsTerminal() bool {
	return s != nil && (s.Type == StepTypeFinished || s.Type == StepTypeDefault)
}

// HasTimeout reports whether entering the step arms a timer.
func (s *Step) HasTimeout() bool {
	return s != nil && s.Timeout != nil && s.Timeout.Interval != ""
}

// SourcePointsExcept returns the source points whose type is not excluded.
func (s *Step) SourcePointsExcept(excluded SourcePointType) []SourcePoint {
	points := make([]SourcePoint, 0, len(s.SourcePoints))
	for _, sp := range s.SourcePoints {
		if sp.Type != excluded {
			points = append(points, sp)
		}
	}
	return points
}

// TimeoutSourcePoint returns the step's timeout source point, if any.
func (s *Step) TimeoutSourcePoint() (SourcePoint, bool) {
	for _, sp := range s.SourcePoints {
		if sp.Type == SourcePointTimeout {
			return sp, true
		}
	}
	return SourcePoint{}, false
}

// StepByID finds a step by ID.
func (w *Workflow) StepByID(id uint64) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StepByGUID finds a step by GUID.
func (w *Workflow) StepByGUID(guid string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].GUID == guid {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StartStep returns the step of type start, or the first step when none is marked.
func (w *Workflow) StartStep() (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].Type == StepTypeStart {
			return &w.Steps[i], true
		}
	}
	if len(w.Steps) == 0 {
		return nil, false
	}
	return &w.Steps[0], true
}

// TransitionsFrom returns the transitions leaving stepID. A non-empty
// sourcePointGUID restricts the result to that source point and a non-empty
// filter restricts it to that transition type.
func (w *Workflow) TransitionsFrom(stepID uint64, sourcePointGUID string, filter TransitionType) []Transition {
	var out []Transition
	for _, t := range w.Transitions {
		if t.StartStepID != stepID {
			continue
		}
		if sourcePointGUID != "" && t.SourcePointGUID != sourcePointGUID {
			continue
		}
		if filter != "" && t.Type != filter {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Validate checks the structural rules the engine relies on.
func (w *Workflow) Validate() error {
	if err := validate.Struct(w); err != nil {
		return errors.Wrap(ErrInvalidGraph, err.Error())
	}

	stepIDs := make(map[uint64]bool, len(w.Steps))
	stepGUIDs := make(map[string]bool, len(w.Steps))
	points := make(map[string]uint64)
	for _, step := range w.Steps {
		if stepIDs[step.ID] {
			return errors.Wrapf(ErrInvalidGraph, "duplicate step ID %d", step.ID)
		}
		if stepGUIDs[step.GUID] {
			return errors.Wrapf(ErrInvalidGraph, "duplicate step GUID %s", step.GUID)
		}
		stepIDs[step.ID] = true
		stepGUIDs[step.GUID] = true
		if step.WorkflowID != 0 && step.WorkflowID != w.ID {
			return errors.Wrapf(ErrInvalidGraph, "step %d belongs to workflow %d", step.ID, step.WorkflowID)
		}
		if !step.AllowBranch && len(step.SourcePointsExcept(SourcePointTimeout)) > 1 {
			return errors.Wrapf(ErrInvalidGraph, "step %d does not allow branching but has several source points", step.ID)
		}
		for _, sp := range step.SourcePoints {
			if _, ok := points[sp.GUID]; ok {
				return errors.Wrapf(ErrInvalidGraph, "duplicate source point %s", sp.GUID)
			}
			points[sp.GUID] = step.ID
		}
	}

	bound := make(map[string]bool)
	for _, t := range w.Transitions {
		if !stepIDs[t.StartStepID] || !stepIDs[t.EndStepID] {
			return errors.Wrapf(ErrInvalidGraph, "transition %d references a step outside the workflow", t.ID)
		}
		if t.SourcePointGUID == "" {
			continue
		}
		owner, ok := points[t.SourcePointGUID]
		if !ok || owner != t.StartStepID {
			return errors.Wrapf(ErrInvalidGraph, "transition %d is bound to unknown source point %s", t.ID, t.SourcePointGUID)
		}
		if bound[t.SourcePointGUID] {
			return errors.Wrapf(ErrInvalidGraph, "source point %s has more than one transition", t.SourcePointGUID)
		}
		bound[t.SourcePointGUID] = true
	}
	return nil
}

// String implements fmt.Stringer for log attributes.
func (s *Step) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%d)", s.Name, s.ID)
}
