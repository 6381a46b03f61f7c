// Package session holds the client-side view of an editing session: which image is
// active, where it sits in the working set, and whether a tentative result is pending.
//
// State is mutated only in response to successful server responses; it is never updated
// optimistically. The orchestrator is its single writer.
package session

import (
	"errors"
	"fmt"

	"github.com/tjfontaine/darkroom/internal/catalog"
)

// PipelineFilterName is the last-filter name the server reports after a pipeline apply.
const PipelineFilterName = "Pipeline"

// Phase is the state machine position.
type Phase int

const (
	// Idle means no tentative result exists.
	Idle Phase = iota
	// Pending means a tentative result exists for the active image.
	Pending
)

func (p Phase) String() string {
	if p == Pending {
		return "pending"
	}
	return "idle"
}

// ImageInfo is what the server reports for the active image.
type ImageInfo struct {
	ImageID        string
	Filename       string
	PositionIndex  int
	TotalImages    int
	LastFilterName string
}

// State is the session state machine.
type State struct {
	activeImageID  string
	filename       string
	positionIndex  int
	totalImages    int
	lastFilterName string
	tentativeID    string
	loaded         bool
	confirmed      bool
}

// New returns the state of a freshly established working set.
func New() *State {
	return &State{lastFilterName: catalog.None.String()}
}

// LoadImage makes info the active image. Any tentative result is discarded.
func (s *State) LoadImage(info ImageInfo) error {
	if info.ImageID == "" {
		return fmt.Errorf("image id is required")
	}
	if info.TotalImages < 1 || info.PositionIndex < 0 || info.PositionIndex >= info.TotalImages {
		return fmt.Errorf("position %d out of range for %d images", info.PositionIndex, info.TotalImages)
	}

	s.activeImageID = info.ImageID
	s.filename = info.Filename
	s.positionIndex = info.PositionIndex
	s.totalImages = info.TotalImages
	s.lastFilterName = info.LastFilterName
	if s.lastFilterName == "" {
		s.lastFilterName = catalog.None.String()
	}
	s.tentativeID = ""
	s.loaded = true
	return nil
}

// Reset forgets the working set, e.g. after a new upload replaces it. Export permission
// belongs to the working set and is dropped too.
func (s *State) Reset() {
	*s = *New()
}

// ApplySucceeded records a tentative result for imageID, overwriting any previous one.
// It fails if imageID is not the active image.
func (s *State) ApplySucceeded(imageID, tentativeID, filterName string) error {
	if !s.loaded {
		return ErrNoActiveImage
	}
	if imageID != s.activeImageID {
		return &StaleImageError{Expected: s.activeImageID, Got: imageID}
	}
	if tentativeID == "" {
		return fmt.Errorf("tentative result id is required")
	}
	s.tentativeID = tentativeID
	if filterName != "" {
		s.lastFilterName = filterName
	}
	return nil
}

// PositionChanged records a server-side move to index. The active image is no longer
// current until the next LoadImage, so the tentative result is dropped now.
func (s *State) PositionChanged(index int) error {
	if !s.loaded {
		return ErrNoActiveImage
	}
	if index < 0 || index >= s.totalImages {
		return fmt.Errorf("position %d out of range for %d images", index, s.totalImages)
	}
	s.positionIndex = index
	s.tentativeID = ""
	return nil
}

// CanConfirm returns the tentative id to confirm, or NoTentativeResultError.
func (s *State) CanConfirm() (string, error) {
	if s.tentativeID == "" {
		return "", &NoTentativeResultError{}
	}
	return s.tentativeID, nil
}

// ConfirmSucceeded clears the tentative result and permits export.
func (s *State) ConfirmSucceeded(tentativeID string) error {
	if s.tentativeID == "" || s.tentativeID != tentativeID {
		return &NoTentativeResultError{}
	}
	s.tentativeID = ""
	s.confirmed = true
	return nil
}

// Phase reports Idle or Pending.
func (s *State) Phase() Phase {
	if s.tentativeID != "" {
		return Pending
	}
	return Idle
}

// Loaded reports whether an image has been loaded.
func (s *State) Loaded() bool { return s.loaded }

func (s *State) ActiveImageID() string     { return s.activeImageID }
func (s *State) Filename() string          { return s.filename }
func (s *State) PositionIndex() int        { return s.positionIndex }
func (s *State) TotalImages() int          { return s.totalImages }
func (s *State) LastFilterName() string    { return s.lastFilterName }
func (s *State) TentativeResultID() string { return s.tentativeID }

// ExportPermitted reports whether at least one confirm succeeded in this session.
func (s *State) ExportPermitted() bool { return s.confirmed }

// SelectedFilter maps the last filter name to a catalog kind for the filter selector.
// Names outside the catalog, such as "Pipeline", select None.
func (s *State) SelectedFilter() catalog.Kind {
	k, err := catalog.Parse(s.lastFilterName)
	if err != nil {
		return catalog.None
	}
	return k
}

// NavButtons mirrors the server-reported position into prev/next availability.
type NavButtons struct {
	Prev bool
	Next bool
}

// Nav returns which navigation directions are enabled.
func (s *State) Nav() NavButtons {
	return NavButtonsFor(s.positionIndex, s.totalImages)
}

// NavButtonsFor computes button availability for a position in a working set.
func NavButtonsFor(index, total int) NavButtons {
	if total <= 1 {
		return NavButtons{}
	}
	return NavButtons{
		Prev: index > 0,
		Next: index < total-1,
	}
}

// ErrNoActiveImage is returned when an operation needs a loaded image.
var ErrNoActiveImage = errors.New("no image loaded")

// NoTentativeResultError is returned when confirming without a pending result.
type NoTentativeResultError struct{}

func (e *NoTentativeResultError) Error() string {
	return "no tentative result to confirm"
}

// IsNoTentativeResult reports whether err is a NoTentativeResultError.
func IsNoTentativeResult(err error) bool {
	var target *NoTentativeResultError
	return errors.As(err, &target)
}

// StaleImageError is returned when a response refers to an image that is no longer active.
type StaleImageError struct {
	Expected string
	Got      string
}

func (e *StaleImageError) Error() string {
	return fmt.Sprintf("result for image %s arrived while %s is active", e.Got, e.Expected)
}
