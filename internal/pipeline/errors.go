package pipeline

import (
	"errors"
	"fmt"

	"github.com/tjfontaine/darkroom/internal/catalog"
)

// InvalidParametersError is returned by Append when params do not match the schema.
type InvalidParametersError = catalog.InvalidParametersError

// IndexOutOfRangeError is returned by RemoveAt for an index outside [0, Len).
type IndexOutOfRangeError struct {
	Index int
	Len   int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("step index %d out of range [0, %d)", e.Index, e.Len)
}

// IsIndexOutOfRange reports whether err is an IndexOutOfRangeError.
func IsIndexOutOfRange(err error) bool {
	var target *IndexOutOfRangeError
	return errors.As(err, &target)
}

// EmptyPipelineError is returned when a pipeline with no steps is submitted.
type EmptyPipelineError struct{}

func (e *EmptyPipelineError) Error() string {
	return "pipeline is empty"
}

// IsEmptyPipeline reports whether err is an EmptyPipelineError.
func IsEmptyPipeline(err error) bool {
	var target *EmptyPipelineError
	return errors.As(err, &target)
}

// StepError is returned by the executor when a step fails.
type StepError struct {
	Index  int
	Filter string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %d (%s): %v", e.Index, e.Filter, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
