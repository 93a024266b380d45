package document

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/layersync/pkg/strokes"
)

// Strokes are stored as nested automerge maps:
//
//	{id, renderHint, style: {color, width, opacity, blend, thinning, smoothing, streamline},
//	 bbox: {minX, minY, maxX, maxY}, points: [{x, y, pressure, t, radius?, opacity?, speed?, direction?}]}

func encodeStroke(s strokes.Stroke) map[string]any {
	points := make([]any, 0, len(s.Points))
	for _, p := range s.Points {
		points = append(points, encodePoint(p))
	}
	return map[string]any{
		"id":         s.ID,
		"renderHint": s.RenderHint,
		"style": map[string]any{
			"color":      s.Style.Color,
			"width":      s.Style.Width,
			"opacity":    s.Style.Opacity,
			"blend":      s.Style.Blend,
			"thinning":   s.Style.Thinning,
			"smoothing":  s.Style.Smoothing,
			"streamline": s.Style.Streamline,
		},
		"bbox":   encodeBBox(s.BBox),
		"points": points,
	}
}

func encodeBBox(b strokes.BBox) map[string]any {
	return map[string]any{"minX": b.MinX, "minY": b.MinY, "maxX": b.MaxX, "maxY": b.MaxY}
}

func encodePoint(p strokes.Point) map[string]any {
	m := map[string]any{
		"x":        p.X,
		"y":        p.Y,
		"pressure": p.Pressure,
		"t":        p.Timestamp,
	}
	for k, v := range map[string]*float64{
		"radius":    p.Radius,
		"opacity":   p.Opacity,
		"speed":     p.Speed,
		"direction": p.Direction,
	} {
		if v != nil {
			m[k] = *v
		}
	}
	return m
}

func value(m *automerge.Map, key string) *automerge.Value {
	v, err := m.Get(key)
	if err != nil || v == nil {
		return nil
	}
	return v
}

func str(m *automerge.Map, key string) string {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

func optNum(m *automerge.Map, key string) *float64 {
	v := value(m, key)
	if v == nil {
		return nil
	}
	var f float64
	switch v.Kind() {
	case automerge.KindFloat64:
		f = v.Float64()
	case automerge.KindInt64:
		f = float64(v.Int64())
	case automerge.KindUint64:
		f = float64(v.Uint64())
	default:
		return nil
	}
	return &f
}

func num(m *automerge.Map, key string) float64 {
	if f := optNum(m, key); f != nil {
		return *f
	}
	return 0
}

func childMap(m *automerge.Map, key string) *automerge.Map {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindMap {
		return nil
	}
	return v.Map()
}

func childList(m *automerge.Map, key string) *automerge.List {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindList {
		return nil
	}
	return v.List()
}

// strokeList resolves the root stroke list. Path-bound lists are not usable for every operation, so
// callers always work on the resolved object.
func strokeList(doc *automerge.Doc) (*automerge.List, error) {
	v, err := doc.Path(strokesKey).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read stroke list: %w", err)
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: stroke list has kind %v", ErrMerge, v.Kind())
	}
	return v.List(), nil
}

// strokeAt returns the map of stroke i.
func strokeAt(list *automerge.List, i int) (*automerge.Map, error) {
	v, err := list.Get(i)
	if err != nil {
		return nil, fmt.Errorf("failed to read stroke %d: %w", i, err)
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%w: stroke %d is not a map", ErrMerge, i)
	}
	return v.Map(), nil
}

func decodeStroke(m *automerge.Map) (strokes.Stroke, error) {
	s := strokes.Stroke{
		ID:         str(m, "id"),
		RenderHint: str(m, "renderHint"),
	}
	if style := childMap(m, "style"); style != nil {
		s.Style = strokes.Style{
			Color:      str(style, "color"),
			Width:      num(style, "width"),
			Opacity:    num(style, "opacity"),
			Blend:      str(style, "blend"),
			Thinning:   num(style, "thinning"),
			Smoothing:  num(style, "smoothing"),
			Streamline: num(style, "streamline"),
		}
	}
	if bbox := childMap(m, "bbox"); bbox != nil {
		s.BBox = strokes.BBox{
			MinX: num(bbox, "minX"),
			MinY: num(bbox, "minY"),
			MaxX: num(bbox, "maxX"),
			MaxY: num(bbox, "maxY"),
		}
	}
	points := childList(m, "points")
	if points == nil {
		return s, nil
	}
	values, err := points.Values()
	if err != nil {
		return s, fmt.Errorf("failed to read points of %s: %w", s.ID, err)
	}
	s.Points = make([]strokes.Point, 0, len(values))
	for i, v := range values {
		if v.Kind() != automerge.KindMap {
			return s, fmt.Errorf("%w: point %d of %s is not a map", ErrMerge, i, s.ID)
		}
		pm := v.Map()
		var t int64
		if tv := value(pm, "t"); tv != nil && tv.Kind() == automerge.KindInt64 {
			t = tv.Int64()
		}
		s.Points = append(s.Points, strokes.Point{
			X:         num(pm, "x"),
			Y:         num(pm, "y"),
			Pressure:  num(pm, "pressure"),
			Timestamp: t,
			Radius:    optNum(pm, "radius"),
			Opacity:   optNum(pm, "opacity"),
			Speed:     optNum(pm, "speed"),
			Direction: optNum(pm, "direction"),
		})
	}
	return s, nil
}
