package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/governor"
	"github.com/astromechza/layersync/pkg/presence"
	"github.com/astromechza/layersync/pkg/strokes"
)

func newTestRegistry(h *fakeHub, opts Options) *Registry {
	if opts.SaveInterval == 0 {
		opts.SaveInterval = time.Hour
	}
	return NewRegistry(h, opts)
}

func activate(t *testing.T, r *Registry, layer string) {
	t.Helper()
	res := r.Activate(context.Background(), layer)
	require.NoError(t, res.Err)
	require.Equal(t, StateConnected, res.State)
}

func TestStrokeScenario(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	defer r.Close()
	activate(t, r, "L")

	r.BeginStroke("L", 10, 10, 0.5, "#000000", 5)
	draft, ok := r.LocalPresence("L")
	require.True(t, ok)
	require.NotNil(t, draft.DraftStroke)
	assert.Equal(t, "L", draft.DraftStroke.LayerID)

	r.AppendPoint("L", 20, 20, 0.5)
	draft, _ = r.LocalPresence("L")
	assert.Len(t, draft.DraftStroke.Stroke.Points, 2)
	r.EndStroke()

	ss, ok := r.Strokes("L")
	require.True(t, ok)
	require.Len(t, ss, 1)
	require.Len(t, ss[0].Points, 2)
	assert.Equal(t, 10.0, ss[0].Points[0].X)
	assert.Equal(t, 10.0, ss[0].Points[0].Y)
	assert.Equal(t, 20.0, ss[0].Points[1].X)
	assert.Equal(t, 20.0, ss[0].Points[1].Y)

	local, _ := r.LocalPresence("L")
	assert.Nil(t, local.DraftStroke)
	assert.Greater(t, r.RenderVersion("L"), uint64(0))
}

func TestMutationsOnDisconnectedLayerAreIgnored(t *testing.T) {
	r := newTestRegistry(newFakeHub(), Options{})
	r.BeginStroke("nope", 1, 1, 0.5, "#000000", 1)
	r.AppendPoint("nope", 2, 2, 0.5)
	r.EndStroke()
	_, ok := r.Strokes("nope")
	assert.False(t, ok)
}

func TestAppendPointBeforeBeginIsNoop(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	defer r.Close()
	activate(t, r, "L")
	r.AppendPoint("L", 2, 2, 0.5)
	ss, _ := r.Strokes("L")
	assert.Empty(t, ss)
	local, _ := r.LocalPresence("L")
	assert.Nil(t, local.DraftStroke)
}

func TestNoDuplicateActivation(t *testing.T) {
	h := newFakeHub()
	h.gate = make(chan struct{})
	r := newTestRegistry(h, Options{})
	defer r.Close()

	var first Result
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = r.Activate(context.Background(), "L1")
	}()
	require.Eventually(t, func() bool { return h.requestCount("L1") == 1 }, time.Second, time.Millisecond)

	second := r.Activate(context.Background(), "L1")
	assert.Equal(t, StateConnecting, second.State)
	assert.NoError(t, second.Err)
	assert.Equal(t, StateConnecting, r.State("L1"))

	close(h.gate)
	wg.Wait()
	assert.Equal(t, StateConnected, first.State)
	assert.Equal(t, 1, r.SessionCount())
	assert.Equal(t, 1, h.requestCount("L1"))

	third := r.Activate(context.Background(), "L1")
	assert.Equal(t, StateConnected, third.State)
	assert.Equal(t, 1, h.requestCount("L1"))
}

func TestSnapshotTimeout(t *testing.T) {
	h := newFakeHub()
	h.hang = true
	r := newTestRegistry(h, Options{SnapshotTimeout: 30 * time.Millisecond})
	res := r.Activate(context.Background(), "L")
	assert.Equal(t, StateError, res.State)
	assert.ErrorIs(t, res.Err, ErrTransport)
	assert.ErrorIs(t, res.Err, ErrSnapshotTimeout)
	assert.False(t, r.IsLayerConnected("L"))
	assert.Equal(t, StateError, r.State("L"))
	assert.Empty(t, h.all("L"))
}

func TestDialFailure(t *testing.T) {
	h := newFakeHub()
	h.failDial = true
	r := newTestRegistry(h, Options{})
	res := r.Activate(context.Background(), "L")
	assert.ErrorIs(t, res.Err, ErrTransport)
	assert.Equal(t, StateError, r.State("L"))

	h.mu.Lock()
	h.failDial = false
	h.mu.Unlock()
	activate(t, r, "L")
}

func TestDeactivateWhileConnecting(t *testing.T) {
	h := newFakeHub()
	h.hang = true
	r := newTestRegistry(h, Options{})
	done := make(chan Result)
	go func() { done <- r.Activate(context.Background(), "L") }()
	require.Eventually(t, func() bool { return h.requestCount("L") == 1 }, time.Second, time.Millisecond)

	r.Deactivate("L")
	res := <-done
	assert.ErrorIs(t, res.Err, ErrAborted)
	assert.False(t, r.IsLayerConnected("L"))
	assert.Equal(t, StateIdle, r.State("L"))
	assert.Empty(t, h.all("L"))
}

func TestDeactivateIsIdempotentAndReactivateIsFresh(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	defer r.Close()
	activate(t, r, "L")
	first := r.session("L")
	r.Deactivate("L")
	r.Deactivate("L")
	assert.False(t, r.IsLayerConnected("L"))

	activate(t, r, "L")
	second := r.session("L")
	assert.NotSame(t, first, second)
	assert.NotSame(t, first.doc, second.doc)
	assert.NotSame(t, first.relay, second.relay)
	assert.Equal(t, 2, h.requestCount("L"))
}

func TestDebouncedSaveCollapses(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{SaveInterval: 60 * time.Millisecond})
	defer r.Close()
	activate(t, r, "L")

	r.BeginStroke("L", 0, 0, 0.5, "#000000", 1)
	for i := 1; i < 50; i++ {
		r.AppendPoint("L", float64(i), float64(i), 0.5)
	}
	assert.Equal(t, 0, h.saveCount("L"))
	require.Eventually(t, func() bool { return h.saveCount("L") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, h.saveCount("L"))
}

func TestFlushSave(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	defer r.Close()
	activate(t, r, "L")

	r.BeginStroke("L", 0, 0, 0.5, "#000000", 1)
	for i := 1; i < 50; i++ {
		r.AppendPoint("L", float64(i), 0, 0.5)
	}
	r.FlushSave("L")
	assert.Equal(t, 1, h.saveCount("L"))

	restored, err := document.Load(h.snapshots["L"])
	require.NoError(t, err)
	ss, err := restored.Strokes()
	require.NoError(t, err)
	require.Len(t, ss, 1)
	assert.Len(t, ss[0].Points, 50)
}

func TestFlushAndDeactivateSaves(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	activate(t, r, "L")
	r.BeginStroke("L", 0, 0, 0.5, "#000000", 1)
	r.FlushAndDeactivate("L")
	assert.Equal(t, 1, h.saveCount("L"))

	activate(t, r, "L")
	r.BeginStroke("L", 0, 0, 0.5, "#000000", 1)
	r.Deactivate("L")
	assert.Equal(t, 1, h.saveCount("L"))
}

func TestSnapshotIsMergedOnActivate(t *testing.T) {
	h := newFakeHub()
	seed, err := document.New()
	require.NoError(t, err)
	require.NoError(t, seed.AppendStroke(strokes.New(3, 3, 0.5, "#000000", 1)))
	snap, err := seed.Snapshot()
	require.NoError(t, err)
	h.snapshots["L"] = snap

	r := newTestRegistry(h, Options{})
	defer r.Close()
	activate(t, r, "L")
	ss, _ := r.Strokes("L")
	assert.Len(t, ss, 1)
}

func TestTwoClientsConverge(t *testing.T) {
	h := newFakeHub()
	a := newTestRegistry(h, Options{})
	defer a.Close()
	b := newTestRegistry(h, Options{})
	defer b.Close()
	activate(t, a, "L")
	activate(t, b, "L")

	a.BeginStroke("L", 1, 1, 0.5, "#aa0000", 1)
	b.BeginStroke("L", 2, 2, 0.5, "#00aa00", 1)
	a.AppendPoint("L", 3, 3, 0.5)

	sa, _ := a.Strokes("L")
	sb, _ := b.Strokes("L")
	require.Len(t, sa, 2)
	assert.Equal(t, sa, sb)
}

func TestMalformedRelayUpdateIsDropped(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	defer r.Close()
	activate(t, r, "L")
	h.pushUpdate("L", []byte("garbage"))
	r.BeginStroke("L", 1, 1, 0.5, "#000000", 1)
	ss, ok := r.Strokes("L")
	require.True(t, ok)
	assert.Len(t, ss, 1)
}

func TestPresenceIsShared(t *testing.T) {
	h := newFakeHub()
	var mu sync.Mutex
	seen := 0
	a := newTestRegistry(h, Options{})
	defer a.Close()
	b := newTestRegistry(h, Options{OnPresence: func(string, map[string]presence.State) {
		mu.Lock()
		seen++
		mu.Unlock()
	}})
	defer b.Close()
	activate(t, b, "L")
	activate(t, a, "L")

	a.SetLocalIdentity("ada", "#ff00ff")
	a.UpdateCursor(&presence.Cursor{X: 4, Y: 5})

	states := b.Presence("L")
	require.Len(t, states, 1)
	for _, st := range states {
		require.NotNil(t, st.User)
		require.NotNil(t, st.Cursor)
		assert.Equal(t, "ada", st.User.Name)
		assert.Equal(t, 4.0, st.Cursor.X)
	}
	mu.Lock()
	assert.Greater(t, seen, 0)
	mu.Unlock()

	a.Deactivate("L")
	assert.Empty(t, b.Presence("L"))
}

func TestHiddenLayerIsNotActivated(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	r.SetHiddenCheck(func(id string) bool { return id == "big" })
	res := r.Activate(context.Background(), "big")
	assert.ErrorIs(t, res.Err, ErrHidden)
	assert.Equal(t, 0, h.requestCount("big"))
}

func TestSetCanvasSwitchesLayers(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	defer r.Close()

	results := r.SetCanvas(context.Background(), "c1", []string{"a", "b"})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.NoError(t, res.Err)
	}
	assert.Equal(t, []string{"a", "b"}, r.Layers())

	r.SetCanvas(context.Background(), "c2", []string{"b", "c"})
	assert.Equal(t, []string{"b", "c"}, r.Layers())
	assert.Equal(t, "c2", r.CanvasID())
	assert.Equal(t, 1, h.requestCount("b"))
}

func TestSizeWarningsReachHandler(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	defer r.Close()
	activate(t, r, "L")
	var got float64
	r.SetSizeWarningHandler(func(layer string, mb float64) { got = mb })
	h.pushSize("L", 42)
	assert.Equal(t, 42.0, got)
}

func TestStateListener(t *testing.T) {
	h := newFakeHub()
	var mu sync.Mutex
	var states []State
	r := newTestRegistry(h, Options{OnState: func(_ string, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})
	activate(t, r, "L")
	r.Deactivate("L")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateIdle}, states)
}

func TestOversizedLayerIsAutoHidden(t *testing.T) {
	h := newFakeHub()
	r := newTestRegistry(h, Options{})
	defer r.Close()
	g := governor.New(r, governor.Options{})
	r.SetHiddenCheck(g.IsLayerHidden)
	r.SetSizeWarningHandler(g.ObserveSize)
	activate(t, r, "L")

	h.pushSize("L", 120)
	assert.False(t, r.IsLayerConnected("L"))
	assert.True(t, g.IsLayerHidden("L"))

	res := r.Activate(context.Background(), "L")
	assert.ErrorIs(t, res.Err, ErrHidden)

	require.NoError(t, g.ShowLayer(context.Background(), "L"))
	assert.True(t, r.IsLayerConnected("L"))
}
