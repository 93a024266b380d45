// Package strokes holds the drawing model shared by documents, presence and the wire: strokes made of
// append-only points plus their style.
package strokes

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// DefaultPressure is used when an input device does not report pressure.
const DefaultPressure = 0.5

// Point is a single sample of a stroke in document space.
type Point struct {
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Pressure  float64  `json:"pressure"`
	Timestamp int64    `json:"t"`
	Radius    *float64 `json:"radius,omitempty"`
	Opacity   *float64 `json:"opacity,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Direction *float64 `json:"direction,omitempty"`
}

// Style is the brush description of a stroke. Thinning, Smoothing and Streamline are the
// pressure-response curve parameters.
type Style struct {
	Color      string  `json:"color"`
	Width      float64 `json:"width"`
	Opacity    float64 `json:"opacity"`
	Blend      string  `json:"blend"`
	Thinning   float64 `json:"thinning"`
	Smoothing  float64 `json:"smoothing"`
	Streamline float64 `json:"streamline"`
}

// DefaultStyle returns the style used for strokes started with just a color and a size.
func DefaultStyle(color string, size float64) Style {
	return Style{
		Color:      color,
		Width:      size,
		Opacity:    1,
		Blend:      "source-over",
		Thinning:   0.5,
		Smoothing:  0.5,
		Streamline: 0.5,
	}
}

type BBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Extend grows the box to include (x, y). A zero box is treated as empty only by Compute.
func (b BBox) Extend(x, y float64) BBox {
	return BBox{
		MinX: math.Min(b.MinX, x),
		MinY: math.Min(b.MinY, y),
		MaxX: math.Max(b.MaxX, x),
		MaxY: math.Max(b.MaxY, y),
	}
}

// Stroke is an ordered list of points with style, a derived bounding box and an opaque render hint.
type Stroke struct {
	ID         string  `json:"id"`
	Points     []Point `json:"points"`
	Style      Style   `json:"style"`
	BBox       BBox    `json:"bbox"`
	RenderHint string  `json:"renderHint,omitempty"`
}

// New starts a stroke with a single point.
func New(x, y, pressure float64, color string, size float64) Stroke {
	p := Point{X: x, Y: y, Pressure: pressure, Timestamp: time.Now().UnixMilli()}
	return Stroke{
		ID:     uuid.NewString(),
		Points: []Point{p},
		Style:  DefaultStyle(color, size),
		BBox:   BBox{MinX: x, MinY: y, MaxX: x, MaxY: y},
	}
}

// Append adds a point and grows the bounding box.
func (s *Stroke) Append(p Point) {
	if len(s.Points) == 0 {
		s.BBox = BBox{MinX: p.X, MinY: p.Y, MaxX: p.X, MaxY: p.Y}
	} else {
		s.BBox = s.BBox.Extend(p.X, p.Y)
	}
	s.Points = append(s.Points, p)
}

// Compute returns the bounding box of the stroke's points.
func (s Stroke) Compute() BBox {
	if len(s.Points) == 0 {
		return BBox{}
	}
	b := BBox{MinX: s.Points[0].X, MinY: s.Points[0].Y, MaxX: s.Points[0].X, MaxY: s.Points[0].Y}
	for _, p := range s.Points[1:] {
		b = b.Extend(p.X, p.Y)
	}
	return b
}

// Clone returns a deep copy so callers can publish snapshots without sharing slices.
func (s Stroke) Clone() Stroke {
	out := s
	out.Points = make([]Point, len(s.Points))
	for i, p := range s.Points {
		out.Points[i] = p.clone()
	}
	return out
}

func (p Point) clone() Point {
	out := p
	out.Radius = cloneFloat(p.Radius)
	out.Opacity = cloneFloat(p.Opacity)
	out.Speed = cloneFloat(p.Speed)
	out.Direction = cloneFloat(p.Direction)
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// jsonPoint lets ParseLayerData tell a missing pressure apart from a zero one.
type jsonPoint struct {
	Point
	Pressure *float64 `json:"pressure"`
}

type jsonStroke struct {
	Stroke
	Points []jsonPoint `json:"points"`
	Style  *Style      `json:"style"`
}

// ParseLayerData decodes a layer's out-of-band stroke payload. Both a bare array of strokes and an
// object with a "strokes" array are accepted. Missing ids, styles, pressures and boxes are filled in.
func ParseLayerData(raw []byte) ([]Stroke, error) {
	var list []jsonStroke
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Strokes []jsonStroke `json:"strokes"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, fmt.Errorf("failed to decode layer data: %w", err)
		}
		list = wrapped.Strokes
	}
	out := make([]Stroke, 0, len(list))
	for _, js := range list {
		s := js.Stroke
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if js.Style != nil {
			s.Style = *js.Style
		} else {
			s.Style = DefaultStyle("#000000", 1)
		}
		s.Points = make([]Point, 0, len(js.Points))
		for _, jp := range js.Points {
			p := jp.Point
			p.Pressure = DefaultPressure
			if jp.Pressure != nil {
				p.Pressure = *jp.Pressure
			}
			s.Points = append(s.Points, p)
		}
		s.BBox = s.Compute()
		out = append(out, s)
	}
	return out, nil
}
