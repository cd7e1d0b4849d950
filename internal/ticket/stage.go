package ticket

import (
	"slices"
	"time"
)

// Stage is a ticket's position in the receiving workflow
type Stage string

const (
	StageUploaded   Stage = "uploaded"
	StageReviewed   Stage = "reviewed"
	StageRegistered Stage = "registered"
	StageWeighing   Stage = "weighing"
	StageClassified Stage = "classified"
	StageClosed     Stage = "closed"
)

var stageOrder = []Stage{
	StageUploaded,
	StageReviewed,
	StageRegistered,
	StageWeighing,
	StageClassified,
	StageClosed,
}

var stageLabels = map[Stage]string{
	StageUploaded:   "Imagen cargada",
	StageReviewed:   "En revisión",
	StageRegistered: "Registrado",
	StageWeighing:   "En pesaje",
	StageClassified: "Clasificado",
	StageClosed:     "Cerrado",
}

// Valid reports whether s is a known stage
func (s Stage) Valid() bool {
	return slices.Contains(stageOrder, s)
}

// Label is the Spanish name shown to operators
func (s Stage) Label() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}

// Next returns the stage that follows s
func (s Stage) Next() (Stage, bool) {
	i := slices.Index(stageOrder, s)
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// CanAdvanceTo reports whether target is the immediate successor of s.
// Stages are never skipped and never revisited.
func (s Stage) CanAdvanceTo(target Stage) bool {
	next, ok := s.Next()
	return ok && next == target
}

// Before reports whether s comes earlier in the workflow than other
func (s Stage) Before(other Stage) bool {
	return slices.Index(stageOrder, s) < slices.Index(stageOrder, other)
}

// Advance moves the ticket to target, recording the change
func (t *Ticket) Advance(target Stage, at time.Time) error {
	if !t.Stage.CanAdvanceTo(target) {
		return &StageError{Current: t.Stage, Target: target}
	}
	t.Stage = target
	t.History = append(t.History, StageChange{Stage: target, At: at})
	t.UpdatedAt = at
	return nil
}

// require fails with a StageError unless the ticket is in one of stages
func (t *Ticket) require(op string, stages ...Stage) error {
	if slices.Contains(stages, t.Stage) {
		return nil
	}
	return &StageError{Op: op, Current: t.Stage, Target: stages[0]}
}
