package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/darkroom/internal/catalog"
)

// Processor applies a single step to an image.
type Processor interface {
	// Supports reports whether the processor can execute the filter.
	Supports(filter catalog.Kind) bool
	// Process returns a new image; the input must not be modified.
	Process(ctx context.Context, img image.Image, step FilterStep) (image.Image, error)
}

// Chain dispatches each step to the first processor that supports it.
type Chain []Processor

// Supports reports whether any processor in the chain supports the filter.
func (c Chain) Supports(filter catalog.Kind) bool {
	for _, p := range c {
		if p.Supports(filter) {
			return true
		}
	}
	return false
}

// Process runs the step on the first supporting processor.
func (c Chain) Process(ctx context.Context, img image.Image, step FilterStep) (image.Image, error) {
	for _, p := range c {
		if p.Supports(step.Filter()) {
			return p.Process(ctx, img, step)
		}
	}
	return nil, &UnsupportedFilterError{Filter: step.Filter().String()}
}

// UnsupportedFilterError is returned when no processor can execute a filter.
type UnsupportedFilterError struct {
	Filter string
}

func (e *UnsupportedFilterError) Error() string {
	return fmt.Sprintf("filter %s is not supported", e.Filter)
}

// IsUnsupported reports whether err, or the step error wrapping it, is an UnsupportedFilterError.
func IsUnsupported(err error) bool {
	var target *UnsupportedFilterError
	return errors.As(err, &target)
}

// Executor runs filter steps sequentially, feeding each output into the next step.
type Executor struct {
	processor Processor
	tracer    trace.Tracer
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithTracer overrides the tracer used for per-step spans.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// NewExecutor creates an executor backed by processor.
func NewExecutor(processor Processor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		processor: processor,
		tracer:    otel.Tracer("github.com/tjfontaine/darkroom/internal/pipeline"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supports reports whether every step can be executed.
func (e *Executor) Supports(steps []FilterStep) error {
	for i, step := range steps {
		if !e.processor.Supports(step.Filter()) {
			return &StepError{Index: i, Filter: step.Filter().String(), Err: &UnsupportedFilterError{Filter: step.Filter().String()}}
		}
	}
	return nil
}

// Run executes steps in order against img and returns the final image.
func (e *Executor) Run(ctx context.Context, img image.Image, steps []FilterStep) (image.Image, error) {
	if len(steps) == 0 {
		return nil, &EmptyPipelineError{}
	}
	if err := e.Supports(steps); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("pipeline.steps", len(steps)),
	))
	defer span.End()

	current := img
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		out, err := e.runStep(ctx, current, i, step)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		current = out
	}

	return current, nil
}

func (e *Executor) runStep(ctx context.Context, img image.Image, index int, step FilterStep) (image.Image, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.Int("pipeline.step.index", index),
		attribute.String("pipeline.step.filter", step.Filter().String()),
	))
	defer span.End()

	start := time.Now()
	out, err := e.processor.Process(ctx, img, step)
	if err != nil {
		return nil, &StepError{Index: index, Filter: step.Filter().String(), Err: err}
	}

	e.logger.Debug("pipeline step complete",
		slog.Int("index", index),
		slog.String("filter", step.Filter().String()),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}
