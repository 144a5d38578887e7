package models

import "fmt"

// StageState is the state of a single stage (extraction, transform,
// embedding) within a step. Valid sequences are a prefix of
// idle -> running -> finished or idle -> running -> failed.
type StageState string

const (
	StageIdle     StageState = "idle"
	StageRunning  StageState = "running"
	StageFinished StageState = "finished"
	StageFailed   StageState = "failed"
)

// OverallState is the state of a whole job run.
type OverallState string

const (
	OverallIdle      OverallState = "idle"
	OverallRunning   OverallState = "running"
	OverallFinished  OverallState = "finished"
	OverallFailed    OverallState = "failed"
	OverallCancelled OverallState = "cancelled"
)

// Stage identifies one of the three pipeline stages.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageTransform  Stage = "transform"
	StageEmbedding  Stage = "embedding"
)

// StepStatus tracks the three stage states for a single step.
type StepStatus struct {
	Order       int        `json:"order"`
	DisplayName string     `json:"display_name"`
	Extraction  StageState `json:"extraction"`
	Transform   StageState `json:"transform"`
	Embedding   StageState `json:"embedding"`
}

// Finished reports whether all three stages of the step are finished.
func (s *StepStatus) Finished() bool {
	return s.Extraction == StageFinished && s.Transform == StageFinished && s.Embedding == StageFinished
}

// Stage returns the state of the named stage.
func (s *StepStatus) Stage(stage Stage) StageState {
	switch stage {
	case StageExtraction:
		return s.Extraction
	case StageTransform:
		return s.Transform
	case StageEmbedding:
		return s.Embedding
	}
	return StageIdle
}

// SetStage sets the named stage, enforcing monotonic transitions: a stage
// only moves forward through idle -> running -> finished|failed. Setting a
// stage to its current state is a no-op.
func (s *StepStatus) SetStage(stage Stage, state StageState) error {
	current := s.Stage(stage)
	if current == state {
		return nil
	}
	if !validStageTransition(current, state) {
		return fmt.Errorf("invalid %s transition %s -> %s", stage, current, state)
	}
	switch stage {
	case StageExtraction:
		s.Extraction = state
	case StageTransform:
		s.Transform = state
	case StageEmbedding:
		s.Embedding = state
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	return nil
}

func validStageTransition(from, to StageState) bool {
	switch from {
	case StageIdle:
		return to == StageRunning || to == StageFailed
	case StageRunning:
		return to == StageFinished || to == StageFailed
	}
	return false
}

// StepDef names one provider step and its display label. Providers register
// an ordered step list; each step passes through all three stages before
// the next step begins.
type StepDef struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// JobStatus is the canonical per-job status document persisted as JSON on
// the schedule row. It is only ever mutated under a row-level lock.
type JobStatus struct {
	Overall OverallState           `json:"overall"`
	Steps   map[string]*StepStatus `json:"steps"`
}

// NewJobStatus builds an all-idle status document for the given step list.
func NewJobStatus(steps []StepDef) *JobStatus {
	doc := &JobStatus{
		Overall: OverallIdle,
		Steps:   make(map[string]*StepStatus, len(steps)),
	}
	for i, def := range steps {
		doc.Steps[def.Name] = &StepStatus{
			Order:       i + 1,
			DisplayName: def.DisplayName,
			Extraction:  StageIdle,
			Transform:   StageIdle,
			Embedding:   StageIdle,
		}
	}
	return doc
}

// Clone returns a deep copy of the status document.
func (d *JobStatus) Clone() *JobStatus {
	if d == nil {
		return nil
	}
	out := &JobStatus{
		Overall: d.Overall,
		Steps:   make(map[string]*StepStatus, len(d.Steps)),
	}
	for name, step := range d.Steps {
		copied := *step
		out.Steps[name] = &copied
	}
	return out
}

// Step returns the status entry for the named step.
func (d *JobStatus) Step(name string) (*StepStatus, error) {
	step, ok := d.Steps[name]
	if !ok {
		return nil, fmt.Errorf("unknown step %q", name)
	}
	return step, nil
}

// OrderedSteps returns the step names sorted by their order field.
func (d *JobStatus) OrderedSteps() []string {
	names := make([]string, len(d.Steps))
	for name, step := range d.Steps {
		if step.Order >= 1 && step.Order <= len(names) {
			names[step.Order-1] = name
		}
	}
	return names
}

// NextStep returns the name of the first step after the given one, or ""
// when it is the final step.
func (d *JobStatus) NextStep(after string) string {
	ordered := d.OrderedSteps()
	for i, name := range ordered {
		if name == after && i+1 < len(ordered) {
			return ordered[i+1]
		}
	}
	return ""
}

// AllFinished reports whether every step is fully finished.
func (d *JobStatus) AllFinished() bool {
	for _, step := range d.Steps {
		if !step.Finished() {
			return false
		}
	}
	return len(d.Steps) > 0
}

// Percent returns run progress as finished stages over total stages.
func (d *JobStatus) Percent() float64 {
	total := len(d.Steps) * 3
	if total == 0 {
		return 0
	}
	finished := 0
	for _, step := range d.Steps {
		for _, state := range []StageState{step.Extraction, step.Transform, step.Embedding} {
			if state == StageFinished {
				finished++
			}
		}
	}
	return float64(finished) / float64(total) * 100
}
