package pipeline

import (
	"github.com/tjfontaine/darkroom/internal/catalog"
)

// Builder is an ordered list of filter steps under construction.
// It is not safe for concurrent use; the orchestrator owns it.
type Builder struct {
	steps []FilterStep
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Append validates params against the filter's schema and adds a step at the end.
func (b *Builder) Append(filter catalog.Kind, params map[string]float64) error {
	if !filter.Valid() {
		return &catalog.UnknownFilterError{Name: filter.String()}
	}
	if err := filter.Schema().Validate(filter.String(), params); err != nil {
		return err
	}
	b.steps = append(b.steps, NewStep(filter, params))
	return nil
}

// AppendNamed is Append keyed by display name.
func (b *Builder) AppendNamed(name string, params map[string]float64) error {
	filter, err := catalog.Parse(name)
	if err != nil {
		return err
	}
	return b.Append(filter, params)
}

// RemoveAt deletes the step at index, shifting later steps down by one.
func (b *Builder) RemoveAt(index int) error {
	if index < 0 || index >= len(b.steps) {
		return &IndexOutOfRangeError{Index: index, Len: len(b.steps)}
	}
	b.steps = append(b.steps[:index], b.steps[index+1:]...)
	return nil
}

// Serialize returns the steps in execution order. The builder is unchanged.
func (b *Builder) Serialize() []FilterStep {
	out := make([]FilterStep, len(b.steps))
	copy(out, b.steps)
	return out
}

// Clear empties the builder.
func (b *Builder) Clear() {
	b.steps = nil
}

// Len returns the number of steps.
func (b *Builder) Len() int {
	return len(b.steps)
}

// Equal compares two builders step by step.
func (b *Builder) Equal(o *Builder) bool {
	if len(b.steps) != len(o.steps) {
		return false
	}
	for i := range b.steps {
		if !b.steps[i].Equal(o.steps[i]) {
			return false
		}
	}
	return true
}
