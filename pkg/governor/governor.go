// Package governor applies the size policy to open layers: oversized layers are hidden, large ones
// produce a warning, and the user can hide or show any layer by hand.
package governor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Layers is the part of the session registry the governor drives.
type Layers interface {
	Deactivate(layerID string)
	Reactivate(ctx context.Context, layerID string) error
	SessionCount() int
}

type Kind string

const (
	KindSize     Kind = "size"
	KindHidden   Kind = "auto-hidden"
	KindSessions Kind = "sessions"
)

type Warning struct {
	Kind   Kind
	Layer  string
	SizeMB float64
	At     time.Time
}

type Options struct {
	// HideAboveMB is the size above which a layer is hidden automatically.
	HideAboveMB float64
	// WarnAboveMB is the size above which a warning is recorded.
	WarnAboveMB float64
	MaxSessions int
	Logger      *slog.Logger
	// OnChange is called after hidden layers or warnings changed.
	OnChange func()
}

// Governor holds the hidden layers and warnings. This state belongs to the process, not to a session:
// it survives deactivation and is only cleared explicitly.
type Governor struct {
	layers Layers
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	hidden   map[string]bool
	warnings []Warning
}

func New(layers Layers, opts Options) *Governor {
	if opts.HideAboveMB <= 0 {
		opts.HideAboveMB = 100
	}
	if opts.WarnAboveMB <= 0 {
		opts.WarnAboveMB = 50
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Governor{
		layers: layers,
		opts:   opts,
		log:    opts.Logger.With("component", "governor"),
		hidden: make(map[string]bool),
	}
}

func (g *Governor) changed() {
	if g.opts.OnChange != nil {
		g.opts.OnChange()
	}
}

func (g *Governor) warn(w Warning) {
	w.At = time.Now()
	g.mu.Lock()
	g.warnings = append(g.warnings, w)
	g.mu.Unlock()
}

// ObserveSize applies the size policy to a layer's persisted size.
func (g *Governor) ObserveSize(layerID string, sizeMB float64) {
	switch {
	case sizeMB > g.opts.HideAboveMB:
		g.mu.Lock()
		g.hidden[layerID] = true
		g.mu.Unlock()
		g.warn(Warning{Kind: KindHidden, Layer: layerID, SizeMB: sizeMB})
		g.log.Warn("hiding oversized layer", "layer", layerID, "sizeMB", sizeMB)
		g.layers.Deactivate(layerID)
	case sizeMB > g.opts.WarnAboveMB:
		g.warn(Warning{Kind: KindSize, Layer: layerID, SizeMB: sizeMB})
		g.log.Info("layer is large", "layer", layerID, "sizeMB", sizeMB)
	default:
		return
	}
	g.changed()
}

// CheckSessions records a warning when more sessions are open than allowed. It reports whether the
// count is within bounds.
func (g *Governor) CheckSessions() bool {
	n := g.layers.SessionCount()
	if n <= g.opts.MaxSessions {
		return true
	}
	g.warn(Warning{Kind: KindSessions})
	g.log.Warn("too many open layers", "sessions", n, "max", g.opts.MaxSessions)
	g.changed()
	return false
}

// HideLayer deactivates the layer and keeps it from being activated until shown again.
func (g *Governor) HideLayer(layerID string) {
	g.mu.Lock()
	g.hidden[layerID] = true
	g.mu.Unlock()
	g.layers.Deactivate(layerID)
	g.changed()
}

// ShowLayer clears the hidden flag and activates the layer again, whatever its size.
func (g *Governor) ShowLayer(ctx context.Context, layerID string) error {
	g.mu.Lock()
	delete(g.hidden, layerID)
	g.mu.Unlock()
	g.changed()
	return g.layers.Reactivate(ctx, layerID)
}

func (g *Governor) IsLayerHidden(layerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hidden[layerID]
}

// Hidden returns the hidden layer ids, sorted.
func (g *Governor) Hidden() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.hidden))
	for id := range g.hidden {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *Governor) Warnings() []Warning {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Warning(nil), g.warnings...)
}

func (g *Governor) ClearWarnings() {
	g.mu.Lock()
	g.warnings = nil
	g.mu.Unlock()
	g.changed()
}
