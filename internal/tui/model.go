// Package tui is the terminal front-end. It drives an orchestrator and renders its
// snapshots; it keeps no edit state of its own beyond the filter form.
package tui

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	_ "golang.org/x/image/bmp"

	"github.com/tjfontaine/darkroom/internal/api/client"
	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/notify"
	"github.com/tjfontaine/darkroom/internal/orchestrator"
)

// Editor is the part of the orchestrator the UI drives.
type Editor interface {
	Upload(ctx context.Context, files []client.File) error
	Load(ctx context.Context) error
	Next(ctx context.Context) error
	Prev(ctx context.Context) error
	ApplyFilter(ctx context.Context, filter catalog.Kind, params map[string]float64) error
	AddStep(filter catalog.Kind, params map[string]float64) error
	RemoveStep(index int) error
	ClearPipeline()
	PreviewPipeline(ctx context.Context) error
	Confirm(ctx context.Context) error
	Export(ctx context.Context) error
	Abandon()
	Snapshot() orchestrator.Snapshot
}

// ImageFetcher downloads rendered images.
type ImageFetcher interface {
	FetchImage(ctx context.Context, sessionID, id string, token uint64) (*client.Image, error)
}

// Notices lists the notifications to show.
type Notices interface {
	Active() []notify.Notification
}

var _ Editor = (*orchestrator.Orchestrator)(nil)

const (
	defaultTimeout = 30 * time.Second
	noticeInterval = 500 * time.Millisecond
)

type actionDoneMsg struct {
	action orchestrator.Action
	err    error
}

type imageMsg struct {
	token uint64
	info  ImageInfo
	err   error
}

type noticeTickMsg struct{}

// ImageInfo describes the displayed image.
type ImageInfo struct {
	Format string
	Width  int
	Height int
	Bytes  int
}

// Model is the bubbletea model.
type Model struct {
	editor  Editor
	images  ImageFetcher
	notices Notices
	files   []client.File
	timeout time.Duration
	logger  *slog.Logger

	spinner spinner.Model
	pending int

	filter   catalog.Kind
	params   map[string]float64
	paramIdx int
	stepIdx  int

	fetched  uint64
	image    *ImageInfo
	imageErr string

	quitting bool
}

// Option configures a Model.
type Option func(*Model)

// WithFiles sets the files sent on upload.
func WithFiles(files []client.File) Option {
	return func(m *Model) {
		m.files = files
	}
}

// WithTimeout bounds each action.
func WithTimeout(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// New creates the model.
func New(editor Editor, images ImageFetcher, notices Notices, opts ...Option) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	m := Model{
		editor:  editor,
		images:  images,
		notices: notices,
		timeout: defaultTimeout,
		logger:  slog.Default(),
		spinner: s,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m = m.selectFilter(catalog.None)
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, noticeTick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case actionDoneMsg:
		m.pending--
		return m.actionDone(msg)

	case imageMsg:
		if msg.token != m.fetched {
			return m, nil
		}
		if msg.err != nil {
			m.image = nil
			m.imageErr = "Image could not be loaded."
			m.logger.Warn("failed to fetch image", slog.String("error", msg.err.Error()))
			return m, nil
		}
		info := msg.info
		m.image, m.imageErr = &info, ""
		return m, nil

	case noticeTickMsg:
		return m, noticeTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ed := m.editor
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "u":
		files := m.files
		return m.act(orchestrator.ActionUpload, func(ctx context.Context) error {
			return ed.Upload(ctx, files)
		})
	case "esc":
		// Close the working set; the next upload replaces it on the server.
		ed.Abandon()
		m.stepIdx = 0
		m.image, m.imageErr = nil, ""
		return m.selectFilter(catalog.None), nil
	case "left":
		return m.act(orchestrator.ActionPrev, ed.Prev)
	case "right":
		return m.act(orchestrator.ActionNext, ed.Next)

	case "tab":
		return m.selectFilter(nextKind(m.filter, 1)), nil
	case "shift+tab":
		return m.selectFilter(nextKind(m.filter, -1)), nil
	case "up":
		if m.paramIdx > 0 {
			m.paramIdx--
		}
		return m, nil
	case "down":
		if m.paramIdx < len(m.filter.ParamNames())-1 {
			m.paramIdx++
		}
		return m, nil
	case "+", "=":
		return m.adjust(1), nil
	case "-", "_":
		return m.adjust(-1), nil

	case "a":
		filter, params := m.filter, copyParams(m.params)
		return m.act(orchestrator.ActionFilter, func(ctx context.Context) error {
			return ed.ApplyFilter(ctx, filter, params)
		})
	case "s":
		if err := ed.AddStep(m.filter, copyParams(m.params)); err == nil {
			m.stepIdx = len(ed.Snapshot().Steps) - 1
		}
		return m, nil
	case "d":
		if err := ed.RemoveStep(m.stepIdx); err == nil {
			m.stepIdx = clampStep(m.stepIdx, len(ed.Snapshot().Steps))
		}
		return m, nil
	case "x":
		ed.ClearPipeline()
		m.stepIdx = 0
		return m, nil
	case "[":
		m.stepIdx = clampStep(m.stepIdx-1, len(ed.Snapshot().Steps))
		return m, nil
	case "]":
		m.stepIdx = clampStep(m.stepIdx+1, len(ed.Snapshot().Steps))
		return m, nil
	case "p":
		return m.act(orchestrator.ActionPipeline, ed.PreviewPipeline)

	case "c":
		return m.act(orchestrator.ActionConfirm, ed.Confirm)
	case "e":
		return m.act(orchestrator.ActionExport, ed.Export)
	}
	return m, nil
}

// act runs fn as a command. The orchestrator reports failures through its sink, so the
// result only decides what to do next.
func (m Model) act(action orchestrator.Action, fn func(ctx context.Context) error) (Model, tea.Cmd) {
	m.pending++
	timeout := m.timeout
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) actionDone(msg actionDoneMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		if !errors.Is(msg.err, orchestrator.ErrStaleResponse) {
			m.logger.Debug("action failed", slog.String("action", string(msg.action)), slog.String("error", msg.err.Error()))
		}
		return m, nil
	}

	switch msg.action {
	case orchestrator.ActionUpload, orchestrator.ActionNext, orchestrator.ActionPrev:
		m.stepIdx = 0
		return m.act(orchestrator.ActionLoad, m.editor.Load)
	case orchestrator.ActionLoad:
		m = m.selectFilter(m.editor.Snapshot().SelectedFilter)
	}
	return m.refreshImage()
}

// refreshImage fetches the displayed image when its token moved.
func (m Model) refreshImage() (Model, tea.Cmd) {
	snap := m.editor.Snapshot()
	if !snap.Loaded || snap.DisplayToken == m.fetched {
		return m, nil
	}
	m.fetched = snap.DisplayToken

	images, timeout := m.images, m.timeout
	sid, id, token := snap.SessionID, snap.DisplayImageID, snap.DisplayToken
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		img, err := images.FetchImage(ctx, sid, id, token)
		if err != nil {
			return imageMsg{token: token, err: err}
		}
		info, err := describe(img.Data)
		return imageMsg{token: token, info: info, err: err}
	}
}

func (m Model) selectFilter(k catalog.Kind) Model {
	m.filter = k
	m.params = k.Schema().Defaults()
	m.paramIdx = 0
	return m
}

// adjust moves the selected parameter by one step in dir.
func (m Model) adjust(dir float64) Model {
	names := m.filter.ParamNames()
	if len(names) == 0 {
		return m
	}
	name := names[m.paramIdx]
	step := 0.1
	if m.filter.Schema()[name].Type == catalog.Int {
		step = 1
	}
	params := copyParams(m.params)
	params[name] = math.Round((params[name]+dir*step)*100) / 100
	m.params = params
	return m
}

func nextKind(k catalog.Kind, delta int) catalog.Kind {
	n := len(catalog.Kinds())
	return catalog.Kind(((int(k)+delta)%n + n) % n)
}

func clampStep(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func describe(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, err
	}
	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height, Bytes: len(data)}, nil
}

func noticeTick() tea.Cmd {
	return tea.Tick(noticeInterval, func(time.Time) tea.Msg {
		return noticeTickMsg{}
	})
}

func copyParams(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
