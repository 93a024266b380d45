package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/astromechza/layersync/pkg/engine"
	"github.com/astromechza/layersync/pkg/presence"
	"github.com/astromechza/layersync/pkg/wire"
)

// RelayPath is where the relay server accepts layer connections.
func RelayPath(layerID string) string {
	return "/layers/" + url.PathEscape(layerID) + "/ws"
}

// Relay is the client side of a layer's relay connection.
type Relay struct {
	layerID string
	conn    *Conn
	log     *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	clientID  string
	tracker   *presence.Tracker

	mu       sync.Mutex
	handlers *engine.RelayHandlers
	queued   []wire.Envelope
	waiters  map[string]chan wire.Envelope
	runErr   error

	// dispatch serializes handler calls so queued pushes keep their order.
	dispatch sync.Mutex
}

// DialRelay connects to the relay server at baseURL (ws:// or wss://) for layerID. The returned relay
// is usable once Ready returns.
func DialRelay(ctx context.Context, baseURL, layerID string, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, baseURL+RelayPath(layerID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	r := &Relay{
		layerID: layerID,
		log:     log.With("layer", layerID),
		ready:   make(chan struct{}),
		waiters: make(map[string]chan wire.Envelope),
	}
	r.conn = NewConn(ws, websocket.TextMessage, r.log)
	go func() {
		err := r.conn.Run(r.handle)
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
		if err != nil {
			r.log.Warn("relay connection lost", "err", err)
		}
	}()
	return r, nil
}

// ClientID is the connection id the relay assigned, or empty before the welcome arrived.
func (r *Relay) ClientID() string {
	select {
	case <-r.ready:
		return r.clientID
	default:
		return ""
	}
}

func (r *Relay) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-r.conn.Done():
		return r.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) closedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runErr != nil {
		return r.runErr
	}
	return ErrConnClosed
}

func (r *Relay) Presence() *presence.Tracker {
	return r.tracker
}

func (r *Relay) send(e wire.Envelope) error {
	e.Layer = r.layerID
	raw, err := wire.Encode(e)
	if err != nil {
		return err
	}
	return r.conn.Send(raw)
}

func (r *Relay) RequestSnapshot(ctx context.Context) ([]byte, error) {
	id := ksuid.New().String()
	ch := make(chan wire.Envelope, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
	}()

	if err := r.send(wire.Envelope{Type: wire.TypeSnapshotRequest, ID: id}); err != nil {
		return nil, fmt.Errorf("failed to request snapshot: %w", err)
	}
	select {
	case e := <-ch:
		if e.Error != "" {
			return nil, fmt.Errorf("relay refused snapshot: %s", e.Error)
		}
		if len(e.Payload) == 0 {
			return nil, nil
		}
		return e.Payload, nil
	case <-r.conn.Done():
		return nil, r.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Relay) SendUpdate(update []byte) error {
	return r.send(wire.Envelope{Type: wire.TypeUpdate, Payload: update})
}

func (r *Relay) SendSave(snapshot []byte) error {
	return r.send(wire.Envelope{Type: wire.TypeSave, Payload: snapshot})
}

// SetHandlers installs the push handlers and delivers anything that arrived before them.
func (r *Relay) SetHandlers(h engine.RelayHandlers) {
	r.dispatch.Lock()
	defer r.dispatch.Unlock()
	r.mu.Lock()
	r.handlers = &h
	queued := r.queued
	r.queued = nil
	r.mu.Unlock()
	for _, e := range queued {
		r.deliver(h, e)
	}
}

// Close drops the connection without waiting for the read loop.
func (r *Relay) Close() error {
	r.conn.Close()
	return nil
}

func (r *Relay) handle(raw []byte) {
	e, err := wire.Decode(raw)
	if err != nil {
		r.log.Warn("dropped relay frame", "err", err)
		return
	}
	switch e.Type {
	case wire.TypeWelcome:
		r.readyOnce.Do(func() {
			r.clientID = e.ClientID
			r.tracker = presence.NewTracker(e.ClientID, r.publishAwareness)
			r.log.Debug("relay welcomed", "client", e.ClientID)
			close(r.ready)
		})
	case wire.TypeSnapshotResponse, wire.TypeError:
		r.mu.Lock()
		ch, ok := r.waiters[e.ID]
		r.mu.Unlock()
		if ok {
			ch <- e
		} else if e.Type == wire.TypeError {
			r.log.Warn("relay reported error", "err", e.Error)
		}
	case wire.TypeAwareness:
		if r.tracker != nil && e.Awareness != nil {
			r.tracker.Apply(*e.Awareness)
		}
	case wire.TypeUpdate, wire.TypeRestored, wire.TypeSizeWarning:
		r.dispatch.Lock()
		defer r.dispatch.Unlock()
		r.mu.Lock()
		h := r.handlers
		if h == nil {
			r.queued = append(r.queued, e)
		}
		r.mu.Unlock()
		if h != nil {
			r.deliver(*h, e)
		}
	default:
		r.log.Debug("ignored relay frame", "type", e.Type)
	}
}

func (r *Relay) deliver(h engine.RelayHandlers, e wire.Envelope) {
	switch e.Type {
	case wire.TypeUpdate:
		if h.Update != nil {
			h.Update(e.Payload)
		}
	case wire.TypeRestored:
		if h.Restored != nil {
			h.Restored(engine.RestoreEvent{Snapshot: e.Payload, Version: e.Version})
		}
	case wire.TypeSizeWarning:
		if h.SizeWarning != nil {
			h.SizeWarning(e.SizeMB)
		}
	}
}

func (r *Relay) publishAwareness(u presence.Update) {
	if err := r.send(wire.Envelope{Type: wire.TypeAwareness, Awareness: &u}); err != nil && !errors.Is(err, ErrConnClosed) {
		r.log.Warn("failed to publish presence", "err", err)
	}
}
