package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/presence"
)

// fakeHub is an in-memory relay server shared by the registries of a test.
type fakeHub struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	requests  map[string]int
	saves     map[string]int
	members   map[string][]*fakeRelay
	nextID    int
	gate      chan struct{}
	hang      bool
	failDial  bool
	peers     int
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		snapshots: make(map[string][]byte),
		requests:  make(map[string]int),
		saves:     make(map[string]int),
		members:   make(map[string][]*fakeRelay),
	}
}

func (h *fakeHub) requestCount(layer string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[layer]
}

func (h *fakeHub) saveCount(layer string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saves[layer]
}

func (h *fakeHub) others(layer string, except *fakeRelay) []*fakeRelay {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*fakeRelay
	for _, m := range h.members[layer] {
		if m != except {
			out = append(out, m)
		}
	}
	return out
}

func (h *fakeHub) all(layer string) []*fakeRelay {
	return h.others(layer, nil)
}

func (h *fakeHub) DialRelay(_ context.Context, layerID string) (RelayChannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failDial {
		return nil, errors.New("connection refused")
	}
	h.nextID++
	r := &fakeRelay{hub: h, layer: layerID, id: fmt.Sprintf("c%d", h.nextID)}
	r.tracker = presence.NewTracker(r.id, func(u presence.Update) {
		for _, m := range h.others(layerID, r) {
			m.tracker.Apply(u)
		}
	})
	h.members[layerID] = append(h.members[layerID], r)
	return r, nil
}

func (h *fakeHub) OpenPeer(context.Context, string, *document.Document, *presence.Tracker) (PeerChannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers++
	return &fakePeer{}, nil
}

func (h *fakeHub) pushRestore(layer string, snap []byte, version int64) {
	for _, m := range h.all(layer) {
		if hd := m.getHandlers(); hd.Restored != nil {
			hd.Restored(RestoreEvent{Snapshot: snap, Version: version})
		}
	}
}

func (h *fakeHub) pushUpdate(layer string, update []byte) {
	for _, m := range h.all(layer) {
		if hd := m.getHandlers(); hd.Update != nil {
			hd.Update(update)
		}
	}
}

func (h *fakeHub) pushSize(layer string, mb float64) {
	for _, m := range h.all(layer) {
		if hd := m.getHandlers(); hd.SizeWarning != nil {
			hd.SizeWarning(mb)
		}
	}
}

type fakeRelay struct {
	hub     *fakeHub
	layer   string
	id      string
	tracker *presence.Tracker

	mu       sync.Mutex
	handlers RelayHandlers
	closed   bool
}

func (r *fakeRelay) getHandlers() RelayHandlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers
}

func (r *fakeRelay) Ready(context.Context) error { return nil }

func (r *fakeRelay) Presence() *presence.Tracker { return r.tracker }

func (r *fakeRelay) RequestSnapshot(ctx context.Context) ([]byte, error) {
	h := r.hub
	h.mu.Lock()
	h.requests[r.layer]++
	gate, hang := h.gate, h.hang
	snap := h.snapshots[r.layer]
	h.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return snap, nil
}

func (r *fakeRelay) SendUpdate(update []byte) error {
	for _, m := range r.hub.others(r.layer, r) {
		if hd := m.getHandlers(); hd.Update != nil {
			hd.Update(update)
		}
	}
	return nil
}

func (r *fakeRelay) SendSave(snapshot []byte) error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	r.hub.saves[r.layer]++
	r.hub.snapshots[r.layer] = snapshot
	return nil
}

func (r *fakeRelay) SetHandlers(h RelayHandlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = h
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	h := r.hub
	h.mu.Lock()
	ms := h.members[r.layer]
	for i, m := range ms {
		if m == r {
			h.members[r.layer] = append(ms[:i:i], ms[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	for _, m := range h.all(r.layer) {
		m.tracker.Remove(r.id)
	}
	return nil
}

type fakePeer struct {
	mu      sync.Mutex
	notifed int
	closed  bool
}

func (p *fakePeer) Notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifed++
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
