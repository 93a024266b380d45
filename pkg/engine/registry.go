package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/layersync/pkg/debounce"
	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/presence"
	"github.com/astromechza/layersync/pkg/strokes"
)

type activation struct {
	cancel  context.CancelFunc
	aborted bool
}

// Registry owns the active sessions of the open canvas. It is the single source of truth for
// whether a layer is connected.
type Registry struct {
	dialer Dialer
	opts   Options
	log    *slog.Logger

	mu          sync.Mutex
	canvasID    string
	sessions    map[string]*Session
	activating  map[string]*activation
	states      map[string]State
	pending     map[string][]strokes.Stroke
	lastRestore map[string]time.Time
	user        *presence.User
	cursor      *presence.Cursor
	hidden      func(layerID string) bool
	onSize      func(layerID string, sizeMB float64)
	restores    map[string]int
}

func NewRegistry(dialer Dialer, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		dialer:      dialer,
		opts:        opts,
		log:         opts.Logger.With("component", "engine"),
		sessions:    make(map[string]*Session),
		activating:  make(map[string]*activation),
		states:      make(map[string]State),
		pending:     make(map[string][]strokes.Stroke),
		lastRestore: make(map[string]time.Time),
		restores:    make(map[string]int),
	}
}

// SetHiddenCheck installs the predicate used to refuse activation of hidden layers.
func (r *Registry) SetHiddenCheck(fn func(layerID string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hidden = fn
}

// SetSizeWarningHandler installs the receiver of server size signals.
func (r *Registry) SetSizeWarningHandler(fn func(layerID string, sizeMB float64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSize = fn
}

func (r *Registry) setStateLocked(layerID string, s State) {
	if s == StateIdle {
		delete(r.states, layerID)
	} else {
		r.states[layerID] = s
	}
}

func (r *Registry) notifyState(layerID string, s State) {
	if r.opts.OnState != nil {
		r.opts.OnState(layerID, s)
	}
}

// Activate connects layerID. A layer that is already connected or connecting is left alone.
func (r *Registry) Activate(ctx context.Context, layerID string) Result {
	r.mu.Lock()
	if _, ok := r.sessions[layerID]; ok {
		r.mu.Unlock()
		return Result{Layer: layerID, State: StateConnected}
	}
	if _, ok := r.activating[layerID]; ok {
		r.mu.Unlock()
		return Result{Layer: layerID, State: StateConnecting}
	}
	if r.hidden != nil && r.hidden(layerID) {
		r.mu.Unlock()
		return Result{Layer: layerID, State: StateIdle, Err: ErrHidden}
	}
	actx, cancel := context.WithCancel(ctx)
	act := &activation{cancel: cancel}
	r.activating[layerID] = act
	r.setStateLocked(layerID, StateConnecting)
	r.mu.Unlock()
	r.notifyState(layerID, StateConnecting)

	log := r.log.With("layer", layerID)
	sess, err := r.connect(actx, layerID, log)
	cancel()

	r.mu.Lock()
	if r.activating[layerID] == act {
		delete(r.activating, layerID)
	}
	if act.aborted {
		r.mu.Unlock()
		if sess != nil {
			sess.close(false)
		}
		log.Info("activation aborted")
		return Result{Layer: layerID, State: StateIdle, Err: ErrAborted}
	}
	if err != nil {
		r.setStateLocked(layerID, StateError)
		r.mu.Unlock()
		log.Error("failed to activate layer", "err", err)
		r.notifyState(layerID, StateError)
		return Result{Layer: layerID, State: StateError, Err: err}
	}
	r.sessions[layerID] = sess
	r.setStateLocked(layerID, StateConnected)
	pending, hasPending := r.pending[layerID]
	delete(r.pending, layerID)
	r.mu.Unlock()

	log.Info("layer connected", "strokes", sess.doc.Len())
	r.notifyState(layerID, StateConnected)
	if hasPending {
		if err := sess.replace(pending); err != nil {
			log.Error("failed to load pending layer data", "err", err)
		}
	}
	return Result{Layer: layerID, State: StateConnected}
}

// connect builds a complete session. Everything it opened is released when it fails.
func (r *Registry) connect(ctx context.Context, layerID string, log *slog.Logger) (*Session, error) {
	doc, err := document.New()
	if err != nil {
		return nil, err
	}
	relay, err := r.dialer.DialRelay(ctx, layerID)
	if err != nil {
		doc.Close()
		return nil, fmt.Errorf("%w: failed to dial relay: %w", ErrTransport, err)
	}
	fail := func(err error) (*Session, error) {
		_ = relay.Close()
		doc.Close()
		return nil, err
	}

	snap, err := withTimeout(ctx, r.opts.SnapshotTimeout, func(ctx context.Context) ([]byte, error) {
		if err := relay.Ready(ctx); err != nil {
			return nil, err
		}
		return relay.RequestSnapshot(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return fail(err)
		}
		return fail(fmt.Errorf("%w: failed to fetch snapshot: %w", ErrTransport, err))
	}
	if len(snap) > 0 {
		if err := doc.ApplyUpdate(snap, document.OriginRelay); err != nil {
			return fail(fmt.Errorf("failed to merge snapshot: %w", err))
		}
	} else {
		log.Info("no stored snapshot, starting empty layer")
	}
	if ctx.Err() != nil {
		return fail(ctx.Err())
	}

	tracker := relay.Presence()
	r.mu.Lock()
	user, cursor := r.user, r.cursor
	r.mu.Unlock()
	if user != nil {
		tracker.SetUser(*user)
	}
	if cursor != nil {
		tracker.SetCursor(cursor)
	}

	sess := &Session{
		layerID:  layerID,
		doc:      doc,
		tracker:  tracker,
		relay:    relay,
		log:      log,
		onRender: r.opts.OnRender,
	}
	sess.saver = debounce.New(r.opts.SaveInterval, sess.save)

	peer, err := r.dialer.OpenPeer(ctx, layerID, doc, tracker)
	if err != nil {
		log.Warn("peer channel unavailable, continuing on relay only", "err", err)
	} else {
		sess.peer = peer
	}

	sess.unsubscribe = append(sess.unsubscribe,
		tracker.OnChange(func(presence.Change) {
			if r.opts.OnPresence != nil {
				r.opts.OnPresence(layerID, tracker.States())
			}
		}),
		doc.OnChange(sess.onDocChange),
	)
	relay.SetHandlers(RelayHandlers{
		Update:      sess.onRelayUpdate,
		Restored:    func(ev RestoreEvent) { r.handleRestore(sess, ev) },
		SizeWarning: func(mb float64) { r.handleSizeWarning(layerID, mb) },
	})
	return sess, nil
}

// Deactivate drops the layer's session without a final save. Unknown layers are ignored.
func (r *Registry) Deactivate(layerID string) {
	r.deactivate(layerID, false)
}

// FlushAndDeactivate saves the layer immediately and then drops its session.
func (r *Registry) FlushAndDeactivate(layerID string) {
	r.deactivate(layerID, true)
}

func (r *Registry) deactivate(layerID string, flush bool) {
	r.mu.Lock()
	if act, ok := r.activating[layerID]; ok {
		act.aborted = true
		act.cancel()
		delete(r.activating, layerID)
	}
	sess, ok := r.sessions[layerID]
	delete(r.sessions, layerID)
	_, hadState := r.states[layerID]
	r.setStateLocked(layerID, StateIdle)
	r.mu.Unlock()

	if ok {
		sess.close(flush)
		r.log.Info("layer disconnected", "layer", layerID, "flushed", flush)
	}
	if ok || hadState {
		r.notifyState(layerID, StateIdle)
	}
}

// Reactivate is Activate reduced to an error, for callers that only care whether it worked.
func (r *Registry) Reactivate(ctx context.Context, layerID string) error {
	return r.Activate(ctx, layerID).Err
}

// SetCanvas makes layerIDs the set of open layers: layers of the previous canvas are dropped and the
// new ones are activated concurrently.
func (r *Registry) SetCanvas(ctx context.Context, canvasID string, layerIDs []string) []Result {
	want := make(map[string]bool, len(layerIDs))
	for _, id := range layerIDs {
		want[id] = true
	}
	r.mu.Lock()
	r.canvasID = canvasID
	var drop []string
	for id := range r.sessions {
		if !want[id] {
			drop = append(drop, id)
		}
	}
	for id := range r.activating {
		if !want[id] {
			drop = append(drop, id)
		}
	}
	r.mu.Unlock()

	for _, id := range drop {
		r.Deactivate(id)
	}

	results := make([]Result, len(layerIDs))
	var g errgroup.Group
	for i, id := range layerIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = r.Activate(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	r.log.Info("canvas opened", "canvas", canvasID, "layers", len(layerIDs))
	return results
}

func (r *Registry) CanvasID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canvasID
}

func (r *Registry) session(layerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[layerID]
}

func (r *Registry) allSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Layers returns the connected layer ids, sorted.
func (r *Registry) Layers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) IsLayerConnected(layerID string) bool {
	return r.session(layerID) != nil
}

func (r *Registry) State(layerID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[layerID]
}

// Strokes returns the layer's strokes in document order, or false when it is not connected.
func (r *Registry) Strokes(layerID string) ([]strokes.Stroke, bool) {
	s := r.session(layerID)
	if s == nil {
		return nil, false
	}
	ss, err := s.Strokes()
	if err != nil {
		return nil, false
	}
	return ss, true
}

func (r *Registry) RenderVersion(layerID string) uint64 {
	if s := r.session(layerID); s != nil {
		return s.RenderVersion()
	}
	return 0
}

// Presence returns the remote presence entries of the layer.
func (r *Registry) Presence(layerID string) map[string]presence.State {
	if s := r.session(layerID); s != nil {
		return s.tracker.States()
	}
	return nil
}

// LocalPresence returns what this client currently broadcasts on the layer.
func (r *Registry) LocalPresence(layerID string) (presence.State, bool) {
	if s := r.session(layerID); s != nil {
		return s.tracker.Local(), true
	}
	return presence.State{}, false
}

func (r *Registry) SetLocalIdentity(name, color string) {
	u := presence.User{Name: name, Color: color}
	r.mu.Lock()
	r.user = &u
	r.mu.Unlock()
	for _, s := range r.allSessions() {
		s.tracker.SetUser(u)
	}
}

// UpdateCursor publishes the cursor on every open layer; nil hides it.
func (r *Registry) UpdateCursor(c *presence.Cursor) {
	r.mu.Lock()
	if c == nil {
		r.cursor = nil
	} else {
		cc := *c
		r.cursor = &cc
	}
	r.mu.Unlock()
	for _, s := range r.allSessions() {
		s.tracker.SetCursor(c)
	}
}

// FlushSave persists the layer now instead of waiting for the debouncer.
func (r *Registry) FlushSave(layerID string) {
	if s := r.session(layerID); s != nil {
		s.saver.Flush()
	}
}

// Close drops every session and aborts pending activations.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions)+len(r.activating))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	for id := range r.activating {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Deactivate(id)
	}
}

func (r *Registry) handleSizeWarning(layerID string, sizeMB float64) {
	r.mu.Lock()
	fn := r.onSize
	r.mu.Unlock()
	r.log.Info("size warning", "layer", layerID, "sizeMB", sizeMB)
	if fn != nil {
		fn(layerID, sizeMB)
	}
}
