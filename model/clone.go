package model

import "maps"

// CloneTurn deep-copies a Turn so callers across a component boundary
// (EventBus handlers, ContextManager readers) cannot observe each
// other's mutations.
func CloneTurn(t Turn) Turn {
	clone := t
	if t.Plan != nil {
		planClone := ClonePlan(*t.Plan)
		clone.Plan = &planClone
	}
	if t.FinalResponse != nil {
		resp := *t.FinalResponse
		clone.FinalResponse = &resp
	}
	if t.ErrorInfo != nil {
		errInfo := *t.ErrorInfo
		clone.ErrorInfo = &errInfo
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		maps.Copy(clone.Metadata, t.Metadata)
	}
	if t.SeenStepIDs != nil {
		clone.SeenStepIDs = make(map[string]struct{}, len(t.SeenStepIDs))
		maps.Copy(clone.SeenStepIDs, t.SeenStepIDs)
	}
	if t.History != nil {
		clone.History = append([]Message(nil), t.History...)
	}
	return clone
}

// ClonePlan deep-copies a Plan including every Step.
func ClonePlan(p Plan) Plan {
	clone := p
	if p.Steps != nil {
		clone.Steps = make([]Step, len(p.Steps))
		for i := range p.Steps {
			clone.Steps[i] = CloneStep(p.Steps[i])
		}
	}
	return clone
}

// CloneStep deep-copies a Step.
func CloneStep(s Step) Step {
	clone := s
	if s.Parameters != nil {
		clone.Parameters = make(map[string]any, len(s.Parameters))
		maps.Copy(clone.Parameters, s.Parameters)
	}
	if s.Error != nil {
		errInfo := *s.Error
		clone.Error = &errInfo
	}
	if s.Metrics != nil {
		metrics := *s.Metrics
		clone.Metrics = &metrics
	}
	return clone
}

// CloneInstance copies a PersonalityInstance so registry reloads cannot
// mutate a snapshot already handed to an in-flight Turn.
func CloneInstance(i PersonalityInstance) PersonalityInstance {
	clone := i
	if i.Traits != nil {
		clone.Traits = make(map[string]any, len(i.Traits))
		maps.Copy(clone.Traits, i.Traits)
	}
	if i.AvailableToolNames != nil {
		clone.AvailableToolNames = append([]string(nil), i.AvailableToolNames...)
	}
	return clone
}
