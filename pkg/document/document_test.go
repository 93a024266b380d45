package document

import (
	"sort"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/layersync/pkg/strokes"
)

// recordUpdates captures every local update emitted by d.
func recordUpdates(t *testing.T, d *Document) *[][]byte {
	t.Helper()
	out := new([][]byte)
	d.OnChange(func(c Change) {
		if c.Origin == OriginLocal {
			*out = append(*out, c.Update)
		}
	})
	return out
}

func ids(ss []strokes.Stroke) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}

func TestAppendStrokeAndPoint(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	s := strokes.New(10, 10, 0.5, "#000000", 5)
	require.NoError(t, d.AppendStroke(s))
	last, ok, err := d.AppendPoint(strokes.Point{X: 20, Y: 20, Pressure: 0.5})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, last.Points, 2)

	got, err := d.Strokes()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, s.ID, got[0].ID)
	assert.Equal(t, "#000000", got[0].Style.Color)
	assert.Equal(t, 5.0, got[0].Style.Width)
	require.Len(t, got[0].Points, 2)
	assert.Equal(t, 10.0, got[0].Points[0].X)
	assert.Equal(t, 20.0, got[0].Points[1].Y)
	assert.Equal(t, strokes.BBox{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20}, got[0].BBox)
}

func TestAppendPointWithoutStroke(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	_, ok, err := d.AppendPoint(strokes.Point{X: 1, Y: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Len())
}

func TestOptionalPointFieldsSurvive(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	r := 2.5
	s := strokes.Stroke{ID: "s1", Style: strokes.DefaultStyle("#ff0000", 3)}
	s.Append(strokes.Point{X: 1, Y: 2, Pressure: 0.7, Radius: &r})
	require.NoError(t, d.AppendStroke(s))

	got, err := d.Strokes()
	require.NoError(t, err)
	require.NotNil(t, got[0].Points[0].Radius)
	assert.Equal(t, 2.5, *got[0].Points[0].Radius)
	assert.Nil(t, got[0].Points[0].Speed)
}

func TestConvergenceUnderPermutation(t *testing.T) {
	writers := make([]*Document, 3)
	var updates [][]byte
	for i := range writers {
		w, err := New()
		require.NoError(t, err)
		rec := recordUpdates(t, w)
		require.NoError(t, w.AppendStroke(strokes.New(float64(i), float64(i), 0.5, "#000000", 1)))
		require.NoError(t, w.AppendStroke(strokes.New(float64(i)+0.5, 0, 0.5, "#111111", 1)))
		updates = append(updates, *rec...)
	}
	require.Len(t, updates, 6)

	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	for _, u := range updates {
		require.NoError(t, a.ApplyUpdate(u, OriginRelay))
	}
	for i := len(updates) - 1; i >= 0; i-- {
		require.NoError(t, b.ApplyUpdate(updates[i], OriginRelay))
	}

	sa, err := a.Strokes()
	require.NoError(t, err)
	sb, err := b.Strokes()
	require.NoError(t, err)
	assert.Len(t, sa, 6)
	assert.Equal(t, ids(sa), ids(sb))
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	rec := recordUpdates(t, w)
	require.NoError(t, w.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)))
	require.Len(t, *rec, 1)

	r, err := New()
	require.NoError(t, err)
	changes := 0
	r.OnChange(func(Change) { changes++ })
	require.NoError(t, r.ApplyUpdate((*rec)[0], OriginRelay))
	once, err := r.Strokes()
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate((*rec)[0], OriginRelay))
	twice, err := r.Strokes()
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, changes)
}

func TestTwoInstancesExchangeUpdates(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	recA := recordUpdates(t, a)
	recB := recordUpdates(t, b)

	require.NoError(t, a.AppendStroke(strokes.New(1, 1, 0.5, "#aa0000", 1)))
	require.NoError(t, b.AppendStroke(strokes.New(2, 2, 0.5, "#00bb00", 1)))

	for _, u := range *recA {
		require.NoError(t, b.ApplyUpdate(u, OriginRelay))
	}
	for _, u := range *recB {
		require.NoError(t, a.ApplyUpdate(u, OriginRelay))
	}

	sa, err := a.Strokes()
	require.NoError(t, err)
	sb, err := b.Strokes()
	require.NoError(t, err)
	require.Len(t, sa, 2)
	got := ids(sa)
	sort.Strings(got)
	want := ids(sb)
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestRemoteApplyDoesNotEchoAsLocal(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	recA := recordUpdates(t, a)
	require.NoError(t, a.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)))

	b, err := New()
	require.NoError(t, err)
	recB := recordUpdates(t, b)
	require.NoError(t, b.ApplyUpdate((*recA)[0], OriginRelay))
	require.NoError(t, b.AppendStroke(strokes.New(2, 2, 0.5, "#000000", 1)))
	require.Len(t, *recB, 1)

	// b's local update alone must be enough for a, which already has the first stroke
	require.NoError(t, a.ApplyUpdate((*recB)[0], OriginRelay))
	assert.Equal(t, 2, a.Len())
}

func TestMalformedUpdate(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	require.NoError(t, d.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)))
	err = d.ApplyUpdate([]byte("definitely not automerge"), OriginRelay)
	assert.ErrorIs(t, err, ErrMerge)
	assert.Equal(t, 1, d.Len())
}

func TestSnapshotRoundTripAndReplaceFrom(t *testing.T) {
	src, err := New()
	require.NoError(t, err)
	require.NoError(t, src.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)))
	require.NoError(t, src.AppendStroke(strokes.New(2, 2, 0.5, "#000000", 1)))
	snap, err := src.Snapshot()
	require.NoError(t, err)

	transient, err := Load(snap)
	require.NoError(t, err)
	want, err := transient.Strokes()
	require.NoError(t, err)

	live, err := New()
	require.NoError(t, err)
	require.NoError(t, live.AppendStroke(strokes.New(9, 9, 0.5, "#ffffff", 1)))
	require.NoError(t, live.ReplaceFrom(transient))
	transient.Close()

	got, err := live.Strokes()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReplace(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	require.NoError(t, d.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)))
	rec := recordUpdates(t, d)

	in := []strokes.Stroke{strokes.New(5, 5, 0.5, "#123456", 2), strokes.New(6, 6, 0.5, "#654321", 2)}
	require.NoError(t, d.Replace(in))
	assert.Len(t, *rec, 1)

	got, err := d.Strokes()
	require.NoError(t, err)
	assert.Equal(t, ids(in), ids(got))
}

func TestClosedDocument(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	d.Close()
	assert.ErrorIs(t, d.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)), ErrClosed)
	_, err = d.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.ApplyUpdate([]byte{1}, OriginRelay), ErrClosed)
}

func TestSyncPeersConverge(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	require.NoError(t, a.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)))
	require.NoError(t, b.AppendStroke(strokes.New(2, 2, 0.5, "#000000", 1)))

	pa, err := a.NewSyncPeer()
	require.NoError(t, err)
	pb, err := b.NewSyncPeer()
	require.NoError(t, err)

	for round := 0; round < 10; round++ {
		moved := false
		for {
			msg, ok := pa.GenerateMessage()
			if !ok {
				break
			}
			moved = true
			require.NoError(t, pb.ReceiveMessage(msg))
		}
		for {
			msg, ok := pb.GenerateMessage()
			if !ok {
				break
			}
			moved = true
			require.NoError(t, pa.ReceiveMessage(msg))
		}
		if !moved {
			break
		}
	}

	sa, err := a.Strokes()
	require.NoError(t, err)
	sb, err := b.Strokes()
	require.NoError(t, err)
	assert.Len(t, sa, 2)
	assert.Equal(t, ids(sa), ids(sb))
}

func TestHistoryTracksStrokeCount(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)))
	require.NoError(t, d.AppendStroke(strokes.New(2, 2, 0.5, "#000000", 1)))

	h, err := d.History()
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, genesisActor, h[0].Actor)
	assert.Empty(t, h[0].Dependencies)
	assert.Equal(t, 0, h[0].Strokes)
	assert.Equal(t, []string{h[1].Hash}, h[2].Dependencies)
	assert.Equal(t, 2, h[2].Strokes)
	assert.Equal(t, h[1].Actor, h[2].Actor)
	assert.Equal(t, uint64(2), h[2].Seq)
}

func TestAppendPointOnEmptyLayerCommitsNothing(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	defer d.Close()
	rec := recordUpdates(t, d)
	heads := d.Heads()

	_, ok, err := d.AppendPoint(strokes.Point{X: 1, Y: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, *rec)
	assert.Equal(t, heads, d.Heads())

	require.NoError(t, d.Replace(nil))
	assert.Empty(t, *rec)
	assert.Equal(t, heads, d.Heads())
}

func TestReplaceNonEmptyListReachesOtherReplica(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	a.OnChange(func(c Change) {
		if c.Origin == OriginLocal {
			require.NoError(t, b.ApplyUpdate(c.Update, OriginRelay))
		}
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, a.AppendStroke(strokes.New(float64(i), float64(i), 0.5, "#000000", 1)))
	}
	require.Equal(t, 3, b.Len())

	in := []strokes.Stroke{strokes.New(7, 7, 0.5, "#abcdef", 2)}
	require.NoError(t, a.Replace(in))

	got, err := b.Strokes()
	require.NoError(t, err)
	assert.Equal(t, ids(in), ids(got))
	assert.Equal(t, "#abcdef", got[0].Style.Color)

	require.NoError(t, a.Replace(nil))
	assert.Equal(t, 0, b.Len())
}

// appendRaw merges a change into d that appends v to the stroke list without any validation.
func appendRaw(t *testing.T, d *Document, v any) {
	t.Helper()
	fork, err := d.Fork()
	require.NoError(t, err)
	require.NoError(t, fork.SetActorID(newActorID()))
	list, err := strokeList(fork)
	require.NoError(t, err)
	require.NoError(t, list.Append(v))
	_, err = fork.Commit("raw")
	require.NoError(t, err)
	require.NoError(t, d.ApplyUpdate(fork.Save(), OriginRelay))
}

func TestAppendPointOnMalformedStrokeLeavesHistoryUntouched(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.AppendStroke(strokes.New(1, 1, 0.5, "#000000", 1)))
	appendRaw(t, d, map[string]any{"id": "broken", "points": "not a list"})
	rec := recordUpdates(t, d)
	heads := d.Heads()

	_, ok, err := d.AppendPoint(strokes.Point{X: 2, Y: 2})
	assert.ErrorIs(t, err, ErrMerge)
	assert.False(t, ok)
	assert.Empty(t, *rec)
	assert.Equal(t, heads, d.Heads())

	// the next operation gets a clean change of its own
	require.NoError(t, d.AppendStroke(strokes.New(3, 3, 0.5, "#000000", 1)))
	require.Len(t, *rec, 1)
	h, err := d.History()
	require.NoError(t, err)
	assert.Equal(t, "stroke", h[len(h)-1].Message)
	assert.Equal(t, 3, d.Len())
}

func TestRemoveExcept(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	defer d.Close()
	keep := strokes.New(1, 1, 0.5, "#000000", 1)
	require.NoError(t, d.AppendStroke(strokes.New(0, 0, 0.5, "#000000", 1)))
	require.NoError(t, d.AppendStroke(keep))
	require.NoError(t, d.AppendStroke(strokes.New(2, 2, 0.5, "#000000", 1)))
	rec := recordUpdates(t, d)

	n, err := d.RemoveExcept(map[string]bool{keep.ID: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, *rec, 1)
	got, err := d.Strokes()
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, ids(got))

	n, err = d.RemoveExcept(map[string]bool{keep.ID: true})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, *rec, 1)
}

func TestPanicInsideChangeReleasesLock(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	assert.Panics(t, func() {
		_ = d.transact("boom", func(list *automerge.List) (bool, error) {
			panic("boom")
		})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, 0, d.Len())
		d.Close()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("document lock still held after a panic")
	}
}
