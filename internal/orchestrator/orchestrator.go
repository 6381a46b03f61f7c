// Package orchestrator mediates every session transition against the editing server.
//
// It is the only writer of the session state and the pipeline builder. Each action
// checks local preconditions, issues at most one request, and on success applies one
// state transition. Failures leave both untouched and are reported through the
// notification sink.
//
// One action may be in flight at a time. Each action takes a request token; a response
// whose token is no longer current is dropped.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/darkroom/internal/api"
	"github.com/tjfontaine/darkroom/internal/api/client"
	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/notify"
	"github.com/tjfontaine/darkroom/internal/pipeline"
	"github.com/tjfontaine/darkroom/internal/session"
)

// Transport is the server surface the orchestrator needs. *client.Client implements it.
type Transport interface {
	Upload(ctx context.Context, files []client.File, replaces string) (*api.UploadResponse, error)
	CurrentImage(ctx context.Context, sessionID string) (*api.CurrentImageResponse, error)
	Next(ctx context.Context, sessionID string) (*api.NavigateResponse, error)
	Prev(ctx context.Context, sessionID string) (*api.NavigateResponse, error)
	ApplyFilter(ctx context.Context, sessionID string, req *api.ApplyFilterRequest) (*api.ApplyResponse, error)
	PreviewPipeline(ctx context.Context, sessionID string, req *api.PipelineRequest) (*api.ApplyResponse, error)
	Confirm(ctx context.Context, sessionID, tentativeResultID string) (*api.MessageResponse, error)
	Export(ctx context.Context, sessionID string) (*api.ExportResponse, error)
}

var _ Transport = (*client.Client)(nil)

// Action names an orchestrated action.
type Action string

const (
	ActionUpload   Action = "upload"
	ActionLoad     Action = "load"
	ActionNext     Action = "next"
	ActionPrev     Action = "prev"
	ActionFilter   Action = "apply filter"
	ActionPipeline Action = "preview pipeline"
	ActionConfirm  Action = "confirm"
	ActionExport   Action = "export"
	ActionAddStep  Action = "add step"
	ActionRemove   Action = "remove step"
)

var transportMessages = map[Action]string{
	ActionUpload:   "Error uploading files.",
	ActionLoad:     "Could not load current image.",
	ActionNext:     "Error moving to next image.",
	ActionPrev:     "Error moving to previous image.",
	ActionFilter:   "Error applying filter.",
	ActionPipeline: "Error applying pipeline.",
	ActionConfirm:  "Error confirming filter/pipeline.",
	ActionExport:   "Error exporting images.",
}

const (
	msgNoFiles       = "No files selected."
	msgNoSession     = "Upload images first."
	msgNotLoaded     = "No image loaded."
	msgEmptyPipeline = "Pipeline is empty. Add at least one step."
	msgNoTentative   = "No processed image to confirm."
	msgNotConfirmed  = "No images have been confirmed yet."
	msgAtLast        = "Already at the last image."
	msgAtFirst       = "Already at the first image."
	msgInFlight      = "Another action is in progress."
	msgNoStep        = "No pipeline step selected."
)

// Orchestrator owns a session's state and pipeline.
type Orchestrator struct {
	transport Transport
	sink      notify.Sink
	logger    *slog.Logger

	inFlight atomic.Bool

	mu           sync.Mutex
	sessionID    string
	retired      string
	state        *session.State
	builder      *pipeline.Builder
	token        uint64
	displayToken uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets where notifications go.
func WithSink(sink notify.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSession resumes an existing server session. Call Load to fetch its image.
func WithSession(sessionID string) Option {
	return func(o *Orchestrator) {
		o.sessionID = sessionID
	}
}

// New creates an orchestrator with no working set.
func New(transport Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transport: transport,
		sink:      notify.Discard,
		logger:    slog.Default(),
		state:     session.New(),
		builder:   pipeline.NewBuilder(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Upload sends files as a new working set. The server deletes the session it replaces,
// either the current one or the one last abandoned. On success the previous session is
// forgotten; call Load to show the first image.
func (o *Orchestrator) Upload(ctx context.Context, files []client.File) error {
	if len(files) == 0 {
		return o.invalid(ActionUpload, msgNoFiles, nil)
	}

	var replaces string
	check := func() error {
		replaces = o.sessionID
		if replaces == "" {
			replaces = o.retired
		}
		return nil
	}
	return o.runChecked(ctx, ActionUpload, check, func(ctx context.Context, _ string) (func() error, error) {
		resp, err := o.transport.Upload(ctx, files, replaces)
		if err != nil {
			return nil, err
		}
		return func() error {
			o.sessionID = resp.SessionID
			o.retired = ""
			o.state.Reset()
			o.builder.Clear()
			o.succeeded(resp.Message)
			return nil
		}, nil
	}, false)
}

// Load fetches the server's active image and makes it current. Any tentative result
// is dropped.
func (o *Orchestrator) Load(ctx context.Context) error {
	return o.run(ctx, ActionLoad, func(ctx context.Context, sid string) (func() error, error) {
		resp, err := o.transport.CurrentImage(ctx, sid)
		if err != nil {
			return nil, err
		}
		return func() error {
			err := o.state.LoadImage(session.ImageInfo{
				ImageID:        resp.ImageID,
				Filename:       resp.Filename,
				PositionIndex:  resp.PositionIndex,
				TotalImages:    resp.TotalImages,
				LastFilterName: resp.LastFilterName,
			})
			if err == nil {
				o.displayToken = o.token
			}
			return err
		}, nil
	}, true)
}

// Next moves to the following image. It is rejected locally at the last position.
// On success the tentative result and the pipeline are dropped; call Load to show the
// new image.
func (o *Orchestrator) Next(ctx context.Context) error {
	return o.navigate(ctx, ActionNext)
}

// Prev moves to the preceding image. It is rejected locally at the first position.
func (o *Orchestrator) Prev(ctx context.Context) error {
	return o.navigate(ctx, ActionPrev)
}

func (o *Orchestrator) navigate(ctx context.Context, action Action) error {
	check := func() error {
		if !o.state.Loaded() {
			return o.invalid(action, msgNotLoaded, session.ErrNoActiveImage)
		}
		nav := o.state.Nav()
		if action == ActionNext && !nav.Next {
			return o.invalid(action, msgAtLast, nil)
		}
		if action == ActionPrev && !nav.Prev {
			return o.invalid(action, msgAtFirst, nil)
		}
		return nil
	}

	return o.runChecked(ctx, action, check, func(ctx context.Context, sid string) (func() error, error) {
		move := o.transport.Next
		if action == ActionPrev {
			move = o.transport.Prev
		}
		resp, err := move(ctx, sid)
		if err != nil {
			return nil, err
		}
		return func() error {
			if err := o.state.PositionChanged(resp.PositionIndex); err != nil {
				return err
			}
			o.builder.Clear()
			return nil
		}, nil
	}, true)
}

// ApplyFilter applies one filter to the active image. Parameters are checked against
// the catalog before anything is sent.
func (o *Orchestrator) ApplyFilter(ctx context.Context, filter catalog.Kind, params map[string]float64) error {
	if !filter.Valid() {
		return o.invalid(ActionFilter, "Unknown filter.", &catalog.UnknownFilterError{Name: filter.String()})
	}
	if err := filter.Schema().Validate(filter.String(), params); err != nil {
		return o.invalid(ActionFilter, err.Error(), err)
	}

	req := &api.ApplyFilterRequest{FilterName: filter.String(), Params: api.FromParams(params)}
	check := func() error { return o.checkLoaded(ActionFilter) }
	return o.runChecked(ctx, ActionFilter, check, func(ctx context.Context, sid string) (func() error, error) {
		resp, err := o.transport.ApplyFilter(ctx, sid, req)
		if err != nil {
			return nil, err
		}
		return func() error {
			return o.applied(resp, filter.String())
		}, nil
	}, true)
}

// AddStep appends a step to the pipeline. No request is sent.
func (o *Orchestrator) AddStep(filter catalog.Kind, params map[string]float64) error {
	o.mu.Lock()
	err := o.builder.Append(filter, params)
	o.mu.Unlock()
	if err != nil {
		return o.invalid(ActionAddStep, err.Error(), err)
	}
	return nil
}

// RemoveStep deletes the pipeline step at index. No request is sent.
func (o *Orchestrator) RemoveStep(index int) error {
	o.mu.Lock()
	err := o.builder.RemoveAt(index)
	o.mu.Unlock()
	if pipeline.IsIndexOutOfRange(err) {
		return o.invalid(ActionRemove, msgNoStep, err)
	}
	if err != nil {
		return o.invalid(ActionRemove, err.Error(), err)
	}
	return nil
}

// ClearPipeline empties the pipeline.
func (o *Orchestrator) ClearPipeline() {
	o.mu.Lock()
	o.builder.Clear()
	o.mu.Unlock()
}

// PreviewPipeline runs the pipeline on the server. An empty pipeline is rejected
// without a request. On success the pipeline is cleared.
func (o *Orchestrator) PreviewPipeline(ctx context.Context) error {
	var req *api.PipelineRequest
	check := func() error {
		steps := o.builder.Serialize()
		if len(steps) == 0 {
			return o.invalid(ActionPipeline, msgEmptyPipeline, &pipeline.EmptyPipelineError{})
		}
		if err := o.checkLoaded(ActionPipeline); err != nil {
			return err
		}
		req = &api.PipelineRequest{Steps: make([]api.PipelineStep, len(steps))}
		for i, s := range steps {
			req.Steps[i] = api.PipelineStep{FilterName: s.Filter().String(), Params: api.FromParams(s.Params())}
		}
		return nil
	}

	return o.runChecked(ctx, ActionPipeline, check, func(ctx context.Context, sid string) (func() error, error) {
		resp, err := o.transport.PreviewPipeline(ctx, sid, req)
		if err != nil {
			return nil, err
		}
		return func() error {
			if err := o.applied(resp, session.PipelineFilterName); err != nil {
				return err
			}
			o.builder.Clear()
			return nil
		}, nil
	}, true)
}

// Confirm commits the tentative result. It is rejected locally when there is none.
func (o *Orchestrator) Confirm(ctx context.Context) error {
	var tentative string
	check := func() error {
		var err error
		if tentative, err = o.state.CanConfirm(); err != nil {
			return o.invalid(ActionConfirm, msgNoTentative, err)
		}
		return nil
	}

	return o.runChecked(ctx, ActionConfirm, check, func(ctx context.Context, sid string) (func() error, error) {
		resp, err := o.transport.Confirm(ctx, sid, tentative)
		if err != nil {
			return nil, err
		}
		return func() error {
			if err := o.state.ConfirmSucceeded(tentative); err != nil {
				return err
			}
			o.displayToken = o.token
			o.succeeded(resp.Message)
			return nil
		}, nil
	}, true)
}

// Export asks the server to write every confirmed image. It is permitted once a
// confirm has succeeded in this session.
func (o *Orchestrator) Export(ctx context.Context) error {
	check := func() error {
		if !o.state.ExportPermitted() {
			return o.invalid(ActionExport, msgNotConfirmed, nil)
		}
		return nil
	}

	return o.runChecked(ctx, ActionExport, check, func(ctx context.Context, sid string) (func() error, error) {
		resp, err := o.transport.Export(ctx, sid)
		if err != nil {
			return nil, err
		}
		return func() error {
			o.succeeded(resp.Message)
			return nil
		}, nil
	}, true)
}

// Abandon forgets the working set. A response still in flight is discarded. The next
// Upload asks the server to delete the abandoned session.
func (o *Orchestrator) Abandon() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.token++
	if o.sessionID != "" {
		o.retired = o.sessionID
	}
	o.sessionID = ""
	o.state.Reset()
	o.builder.Clear()
}

// InFlight reports whether an action is waiting for the server.
func (o *Orchestrator) InFlight() bool {
	return o.inFlight.Load()
}

// applied records an apply response. Callers hold mu.
func (o *Orchestrator) applied(resp *api.ApplyResponse, fallbackName string) error {
	imageID := resp.ImageID
	if imageID == "" {
		imageID = o.state.ActiveImageID()
	}
	name := resp.FilterName
	if name == "" {
		name = fallbackName
	}
	if err := o.state.ApplySucceeded(imageID, resp.TentativeResultID, name); err != nil {
		return err
	}
	o.displayToken = o.token
	o.succeeded(resp.Message)
	return nil
}

func (o *Orchestrator) succeeded(message string) {
	if message != "" {
		o.sink.Notify(notify.Success, message)
	}
}

// checkLoaded is a precondition for runChecked. Callers hold mu.
func (o *Orchestrator) checkLoaded(action Action) error {
	if !o.state.Loaded() {
		return o.invalid(action, msgNotLoaded, session.ErrNoActiveImage)
	}
	return nil
}

func (o *Orchestrator) invalid(action Action, message string, cause error) error {
	o.sink.Notify(notify.Failure, message)
	return &ValidationError{Action: action, Message: message, Err: cause}
}

// request performs the network call and returns the transition to apply on success.
// The transition runs with mu held.
type request func(ctx context.Context, sessionID string) (func() error, error)

func (o *Orchestrator) run(ctx context.Context, action Action, do request, needSession bool) error {
	return o.runChecked(ctx, action, nil, do, needSession)
}

// runChecked is run with a precondition. check runs with mu held once the action owns
// the in-flight slot, so the state it accepts is the state the request is sent from. A
// non-nil result is returned as is and nothing is sent.
func (o *Orchestrator) runChecked(ctx context.Context, action Action, check func() error, do request, needSession bool) error {
	if !o.inFlight.CompareAndSwap(false, true) {
		return o.invalid(action, msgInFlight, ErrActionInFlight)
	}
	defer o.inFlight.Store(false)

	o.mu.Lock()
	if check != nil {
		if err := check(); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	sid := o.sessionID
	if needSession && sid == "" {
		o.mu.Unlock()
		return o.invalid(action, msgNoSession, nil)
	}
	o.token++
	token := o.token
	o.mu.Unlock()

	transition, err := do(ctx, sid)

	o.mu.Lock()
	defer o.mu.Unlock()
	if token != o.token {
		o.logger.Debug("discarding stale response", slog.String("action", string(action)), slog.Uint64("token", token))
		return ErrStaleResponse
	}
	if err != nil {
		return o.failed(action, err)
	}
	if err := transition(); err != nil {
		return o.failed(action, fmt.Errorf("unexpected response: %w", err))
	}
	return nil
}

func (o *Orchestrator) failed(action Action, err error) error {
	if rej, ok := api.AsRejection(err); ok {
		o.logger.Info("action rejected", slog.String("action", string(action)), slog.String("message", rej.Message))
		o.sink.Notify(notify.Failure, rej.Message)
		return &ServerRejection{Action: action, StatusCode: rej.StatusCode, Message: rej.Message}
	}

	msg := transportMessages[action]
	o.logger.Warn("action failed", slog.String("action", string(action)), slog.String("error", err.Error()))
	o.sink.Notify(notify.Failure, msg)
	return &TransportFailure{Action: action, Message: msg, Err: err}
}
