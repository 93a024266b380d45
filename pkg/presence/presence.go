// Package presence tracks the ephemeral per-layer state each collaborator broadcasts: who they are,
// where their cursor is, the stroke they are in the middle of drawing and how to reach them directly.
// Nothing here is persisted; entries are keyed by the connection id the relay assigned.
package presence

import (
	"sort"
	"sync"

	"github.com/astromechza/layersync/pkg/strokes"
)

type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DraftStroke is a not yet committed stroke preview, tagged with the layer it is drawn on.
type DraftStroke struct {
	LayerID string         `json:"layerId"`
	Stroke  strokes.Stroke `json:"stroke"`
}

// PeerInfo advertises where a client accepts direct peer links.
type PeerInfo struct {
	URL string `json:"url"`
}

// State is the value of one presence entry.
type State struct {
	User        *User        `json:"user,omitempty"`
	Cursor      *Cursor      `json:"cursor,omitempty"`
	DraftStroke *DraftStroke `json:"draftStroke,omitempty"`
	Peer        *PeerInfo    `json:"peer,omitempty"`
}

func (s State) clone() State {
	out := State{}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	if s.DraftStroke != nil {
		out.DraftStroke = &DraftStroke{LayerID: s.DraftStroke.LayerID, Stroke: s.DraftStroke.Stroke.Clone()}
	}
	if s.Peer != nil {
		p := *s.Peer
		out.Peer = &p
	}
	return out
}

// Update is what travels between trackers. A nil State removes the entry.
type Update struct {
	ClientID string `json:"clientId"`
	Clock    uint64 `json:"clock"`
	State    *State `json:"state"`
}

// Change lists the client ids touched by one applied update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

type entry struct {
	clock uint64
	state State
}

// Tracker holds the local state and every remote entry of one layer. Fields are last-writer-wins per
// client, ordered by the sender's clock.
type Tracker struct {
	mu       sync.Mutex
	clientID string
	clock    uint64
	local    State
	remote   map[string]entry
	publish  func(Update)
	closed   bool

	lmu          sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

// NewTracker returns a tracker for clientID. publish is called with every local update and may be nil.
func NewTracker(clientID string, publish func(Update)) *Tracker {
	return &Tracker{
		clientID:  clientID,
		remote:    make(map[string]entry),
		publish:   publish,
		listeners: make(map[int]func(Change)),
	}
}

func (t *Tracker) ClientID() string {
	return t.clientID
}

// Local returns a copy of the local state.
func (t *Tracker) Local() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local.clone()
}

func (t *Tracker) setLocal(mutate func(s *State)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	mutate(&t.local)
	t.clock++
	st := t.local.clone()
	u := Update{ClientID: t.clientID, Clock: t.clock, State: &st}
	publish := t.publish
	t.mu.Unlock()
	if publish != nil {
		publish(u)
	}
}

func (t *Tracker) SetUser(u User) {
	t.setLocal(func(s *State) { s.User = &u })
}

// SetCursor sets or, with nil, clears the cursor.
func (t *Tracker) SetCursor(c *Cursor) {
	t.setLocal(func(s *State) {
		if c == nil {
			s.Cursor = nil
			return
		}
		cc := *c
		s.Cursor = &cc
	})
}

// SetDraftStroke publishes a copy of stroke as the in-progress stroke for layerID.
func (t *Tracker) SetDraftStroke(layerID string, stroke strokes.Stroke) {
	t.setLocal(func(s *State) {
		s.DraftStroke = &DraftStroke{LayerID: layerID, Stroke: stroke.Clone()}
	})
}

// ClearDraftStroke removes the in-progress stroke. Nothing is published when there was none.
func (t *Tracker) ClearDraftStroke() {
	t.mu.Lock()
	had := t.local.DraftStroke != nil
	t.mu.Unlock()
	if had {
		t.setLocal(func(s *State) { s.DraftStroke = nil })
	}
}

func (t *Tracker) SetPeer(p *PeerInfo) {
	t.setLocal(func(s *State) {
		if p == nil {
			s.Peer = nil
			return
		}
		pp := *p
		s.Peer = &pp
	})
}

// Announce republishes the current local state, used when a new member joins.
func (t *Tracker) Announce() {
	t.setLocal(func(*State) {})
}

// Apply merges a remote update. Updates for the local client and stale clocks are ignored.
func (t *Tracker) Apply(u Update) {
	if u.ClientID == "" {
		return
	}
	t.mu.Lock()
	if t.closed || u.ClientID == t.clientID {
		t.mu.Unlock()
		return
	}
	var c Change
	existing, known := t.remote[u.ClientID]
	switch {
	case u.State == nil:
		if !known {
			t.mu.Unlock()
			return
		}
		delete(t.remote, u.ClientID)
		c.Removed = []string{u.ClientID}
	case known && u.Clock <= existing.clock:
		t.mu.Unlock()
		return
	default:
		t.remote[u.ClientID] = entry{clock: u.Clock, state: u.State.clone()}
		if known {
			c.Updated = []string{u.ClientID}
		} else {
			c.Added = []string{u.ClientID}
		}
	}
	t.mu.Unlock()
	t.emit(c)
}

// Remove drops a remote entry, as when its connection closed.
func (t *Tracker) Remove(clientID string) {
	t.Apply(Update{ClientID: clientID})
}

// States returns copies of the remote entries.
func (t *Tracker) States() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.remote))
	for id, e := range t.remote {
		out[id] = e.state.clone()
	}
	return out
}

// Peers returns the remote entries that advertise a peer url, sorted by client id.
func (t *Tracker) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.remote))
	for id, e := range t.remote {
		if e.state.Peer != nil && e.state.Peer.URL != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) OnChange(fn func(Change)) func() {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = fn
	return func() {
		t.lmu.Lock()
		defer t.lmu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) emit(c Change) {
	t.lmu.Lock()
	fns := make([]func(Change), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.lmu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Close publishes the removal of the local entry and stops accepting updates.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.clock++
	u := Update{ClientID: t.clientID, Clock: t.clock}
	publish := t.publish
	t.remote = make(map[string]entry)
	t.mu.Unlock()

	t.lmu.Lock()
	t.listeners = make(map[int]func(Change))
	t.lmu.Unlock()

	if publish != nil {
		publish(u)
	}
}
