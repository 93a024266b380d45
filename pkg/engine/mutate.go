package engine

import (
	"time"

	"github.com/astromechza/layersync/pkg/strokes"
)

// BeginStroke starts a stroke with one point on a connected layer and publishes it as the local draft.
// Input for a layer that is not connected is dropped.
func (r *Registry) BeginStroke(layerID string, x, y, pressure float64, color string, size float64) {
	s := r.session(layerID)
	if s == nil {
		r.log.Debug("ignored stroke start on disconnected layer", "layer", layerID)
		return
	}
	st := strokes.New(x, y, pressure, color, size)
	if err := s.doc.AppendStroke(st); err != nil {
		s.log.Warn("failed to begin stroke", "err", err)
		return
	}
	s.tracker.SetDraftStroke(layerID, st)
}

// AppendPoint extends the layer's last stroke. Nothing happens before the first BeginStroke.
func (r *Registry) AppendPoint(layerID string, x, y, pressure float64) {
	s := r.session(layerID)
	if s == nil {
		return
	}
	last, ok, err := s.doc.AppendPoint(strokes.Point{X: x, Y: y, Pressure: pressure, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		s.log.Warn("failed to append point", "err", err)
	}
	if !ok {
		return
	}
	s.tracker.SetDraftStroke(layerID, last)
}

// EndStroke clears the draft stroke on every open layer. The committed stroke stays in its document.
func (r *Registry) EndStroke() {
	for _, s := range r.allSessions() {
		s.tracker.ClearDraftStroke()
	}
}
