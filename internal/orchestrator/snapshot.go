package orchestrator

import (
	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/pipeline"
	"github.com/tjfontaine/darkroom/internal/session"
)

// Snapshot is a read-only copy of everything the UI renders.
type Snapshot struct {
	SessionID         string
	Loaded            bool
	ImageID           string
	Filename          string
	PositionIndex     int
	TotalImages       int
	LastFilterName    string
	SelectedFilter    catalog.Kind
	Phase             session.Phase
	TentativeResultID string
	Nav               session.NavButtons
	ExportPermitted   bool
	Steps             []pipeline.FilterStep
	InFlight          bool

	// DisplayImageID is the tentative result when one is pending, else the active image.
	DisplayImageID string
	// DisplayToken changes whenever the displayed image may have changed. Use it as the
	// cache-busting token when fetching DisplayImageID.
	DisplayToken uint64
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.state
	snap := Snapshot{
		SessionID:         o.sessionID,
		Loaded:            s.Loaded(),
		ImageID:           s.ActiveImageID(),
		Filename:          s.Filename(),
		PositionIndex:     s.PositionIndex(),
		TotalImages:       s.TotalImages(),
		LastFilterName:    s.LastFilterName(),
		SelectedFilter:    s.SelectedFilter(),
		Phase:             s.Phase(),
		TentativeResultID: s.TentativeResultID(),
		Nav:               s.Nav(),
		ExportPermitted:   s.ExportPermitted(),
		Steps:             o.builder.Serialize(),
		InFlight:          o.inFlight.Load(),
		DisplayImageID:    s.ActiveImageID(),
		DisplayToken:      o.displayToken,
	}
	if snap.TentativeResultID != "" {
		snap.DisplayImageID = snap.TentativeResultID
	}
	return snap
}
