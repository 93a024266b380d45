// Package relayserver is the coordination server behind every layer's relay channel. Each layer has a
// room holding the canonical document; updates are merged into it and fanned out to the other members,
// saves are persisted as versions, and presence is relayed and replayed to newcomers.
package relayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/store"
	"github.com/astromechza/layersync/pkg/telemetry"
	"github.com/astromechza/layersync/pkg/transport"
	"github.com/astromechza/layersync/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Options struct {
	// WarnAboveMB is the saved snapshot size above which members get a size warning.
	WarnAboveMB float64
	// KeepVersions bounds the stored versions per layer; zero keeps everything.
	KeepVersions   int
	BackupInterval time.Duration
	Logger         *slog.Logger
}

type Server struct {
	store *store.Store
	opts  Options
	log   *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

func New(st *store.Store, opts Options) *Server {
	if opts.WarnAboveMB <= 0 {
		opts.WarnAboveMB = 50
	}
	if opts.BackupInterval <= 0 {
		opts.BackupInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{store: st, opts: opts, log: opts.Logger, rooms: make(map[string]*room)}
}

// roomLocked returns the room of layer, loading its latest version on first use.
func (s *Server) roomLocked(ctx context.Context, layer string) (*room, error) {
	if rm, ok := s.rooms[layer]; ok {
		return rm, nil
	}
	content, v, err := s.store.Latest(ctx, layer)
	var doc *document.Document
	known := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		doc, err = document.New()
	case err != nil:
		return nil, err
	default:
		known = true
		doc, err = document.Load(content)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load layer %s: %w", layer, err)
	}
	rm := newRoom(layer, doc, known)
	s.rooms[layer] = rm
	s.log.Info("opened layer", "layer", layer, "version", v.Version, "strokes", doc.Len())
	return rm, nil
}

func (s *Server) room(ctx context.Context, layer string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomLocked(ctx, layer)
}

func (s *Server) openRooms() []*room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		out = append(out, rm)
	}
	return out
}

func (s *Server) send(m *member, e wire.Envelope) {
	raw, err := wire.Encode(e)
	if err != nil {
		s.log.Error("failed to encode", "err", err)
		return
	}
	if err := m.conn.Send(raw); err != nil {
		if errors.Is(err, transport.ErrBackpressure) {
			s.log.Warn("dropping slow client", "client", m.id)
			m.conn.Close()
		}
	}
}

// broadcast sends e to every member of rm except the one with id except.
func (s *Server) broadcast(rm *room, except string, e wire.Envelope) {
	for _, m := range rm.others(except) {
		s.send(m, e)
	}
}

func (s *Server) serveLayer(w http.ResponseWriter, r *http.Request) {
	layer := mux.Vars(r)["layer"]
	id := ksuid.New().String()
	ctx, span := telemetry.StartSpan(r.Context(), "relay.join",
		attribute.String("layer.id", layer),
		attribute.String("client.id", id),
	)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		span.End()
		s.log.Error("failed to upgrade", "err", err)
		return
	}
	log := s.log.With("layer", layer, "client", id)
	m := &member{id: id, conn: transport.NewConn(ws, websocket.TextMessage, log)}

	s.mu.Lock()
	rm, err := s.roomLocked(ctx, layer)
	if err != nil {
		s.mu.Unlock()
		telemetry.AddSpanError(ctx, err)
		span.End()
		log.Error("failed to open layer", "err", err)
		_ = ws.Close()
		return
	}
	replay := rm.join(m)
	s.mu.Unlock()
	span.End()

	s.send(m, wire.Envelope{Type: wire.TypeWelcome, Layer: layer, ClientID: id})
	for i := range replay {
		s.send(m, wire.Envelope{Type: wire.TypeAwareness, Layer: layer, Awareness: &replay[i]})
	}
	log.Info("client joined", "members", rm.size())

	if err := m.conn.Run(func(raw []byte) { s.handle(rm, m, log, raw) }); err != nil {
		log.Info("client connection ended", "err", err)
	}
	if u, ok := rm.leave(id); ok {
		s.broadcast(rm, id, wire.Envelope{Type: wire.TypeAwareness, Layer: layer, Awareness: &u})
	}
	log.Info("client left", "members", rm.size())
}

func (s *Server) handle(rm *room, m *member, log *slog.Logger, raw []byte) {
	e, err := wire.Decode(raw)
	if err != nil {
		log.Warn("dropped frame", "err", err)
		return
	}
	switch e.Type {
	case wire.TypeSnapshotRequest:
		resp := wire.Envelope{Type: wire.TypeSnapshotResponse, ID: e.ID, Layer: rm.layer}
		if rm.isKnown() {
			snap, err := rm.doc.Snapshot()
			if err != nil {
				resp.Type, resp.Error = wire.TypeError, err.Error()
			}
			resp.Payload = snap
		}
		s.send(m, resp)
	case wire.TypeUpdate:
		if err := rm.doc.ApplyUpdate(e.Payload, document.OriginRelay); err != nil {
			log.Warn("dropped update", "err", err)
			s.send(m, wire.Envelope{Type: wire.TypeError, Layer: rm.layer, Error: err.Error()})
			return
		}
		rm.markKnown()
		s.broadcast(rm, m.id, wire.Envelope{Type: wire.TypeUpdate, Layer: rm.layer, ClientID: m.id, Payload: e.Payload})
	case wire.TypeSave:
		s.save(rm, m, log, e.Payload)
	case wire.TypeAwareness:
		if e.Awareness == nil {
			return
		}
		u := *e.Awareness
		u.ClientID = m.id
		rm.setAwareness(u)
		s.broadcast(rm, m.id, wire.Envelope{Type: wire.TypeAwareness, Layer: rm.layer, Awareness: &u})
	default:
		log.Debug("ignored frame", "type", e.Type)
	}
}

func (s *Server) save(rm *room, m *member, log *slog.Logger, snapshot []byte) {
	ctx, span := telemetry.StartSpan(context.Background(), "relay.save",
		attribute.String("layer.id", rm.layer),
		attribute.String("client.id", m.id),
		attribute.Int("snapshot.bytes", len(snapshot)),
	)
	defer span.End()

	if err := rm.doc.ApplyUpdate(snapshot, document.OriginRelay); err != nil {
		telemetry.AddSpanError(ctx, err)
		log.Warn("dropped save", "err", err)
		s.send(m, wire.Envelope{Type: wire.TypeError, Layer: rm.layer, Error: err.Error()})
		return
	}
	rm.markKnown()
	v, err := s.persist(ctx, rm)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		log.Error("failed to persist layer", "err", err)
		return
	}
	if mb := wire.BytesToMB(v.Size); mb > s.opts.WarnAboveMB {
		log.Warn("layer is large", "sizeMB", mb)
		s.broadcast(rm, "", wire.Envelope{Type: wire.TypeSizeWarning, Layer: rm.layer, SizeMB: mb})
	}
}

// persist stores the canonical document as a new version when it differs from the latest one and
// prunes old versions.
func (s *Server) persist(ctx context.Context, rm *room) (store.Version, error) {
	heads := headsKey(rm.doc)
	snap, err := rm.doc.Snapshot()
	if err != nil {
		return store.Version{}, err
	}
	v, created, err := s.store.SaveVersion(ctx, rm.layer, snap)
	if err != nil {
		return v, err
	}
	rm.markSaved(heads)
	if created {
		s.log.Info("saved version", "layer", rm.layer, "version", v.Version, "bytes", v.Size)
		if s.opts.KeepVersions > 0 {
			if n, err := s.store.Prune(ctx, rm.layer, s.opts.KeepVersions); err != nil {
				s.log.Error("failed to prune versions", "layer", rm.layer, "err", err)
			} else if n > 0 {
				s.log.Info("pruned versions", "layer", rm.layer, "removed", n)
			}
		}
	}
	return v, nil
}

// Restore rolls layer back to a stored version. The canonical document is cleared and refilled with
// copies of the version's strokes, saved as a new version, and pushed to every member.
func (s *Server) Restore(ctx context.Context, layer string, version int64) (store.Version, error) {
	ctx, span := telemetry.StartSpan(ctx, "relay.restore",
		attribute.String("layer.id", layer),
		attribute.Int64("version", version),
	)
	defer span.End()

	v, err := s.restore(ctx, layer, version)
	telemetry.AddSpanError(ctx, err)
	return v, err
}

func (s *Server) restore(ctx context.Context, layer string, version int64) (store.Version, error) {
	content, _, err := s.store.Get(ctx, layer, version)
	if err != nil {
		return store.Version{}, err
	}
	rm, err := s.room(ctx, layer)
	if err != nil {
		return store.Version{}, err
	}
	transient, err := document.Load(content)
	if err != nil {
		return store.Version{}, fmt.Errorf("failed to load version %d: %w", version, err)
	}
	defer transient.Close()
	if err := rm.doc.ReplaceFrom(transient); err != nil {
		return store.Version{}, fmt.Errorf("failed to replace layer contents: %w", err)
	}
	rm.markKnown()
	v, err := s.persist(ctx, rm)
	if err != nil {
		return v, err
	}
	snap, err := rm.doc.Snapshot()
	if err != nil {
		return v, err
	}
	s.broadcast(rm, "", wire.Envelope{Type: wire.TypeRestored, Layer: layer, Payload: snap, Version: version})
	s.log.Info("restored layer", "layer", layer, "from", version, "as", v.Version, "members", rm.size())
	return v, nil
}

// Backup persists every changed layer and unloads idle ones.
func (s *Server) Backup(ctx context.Context) {
	for _, rm := range s.openRooms() {
		if rm.dirty() {
			if _, err := s.persist(ctx, rm); err != nil {
				s.log.Error("failed to backup layer", "layer", rm.layer, "err", err)
				continue
			}
		}
		s.mu.Lock()
		if rm.size() == 0 && !rm.dirty() && s.rooms[rm.layer] == rm {
			delete(s.rooms, rm.layer)
			rm.doc.Close()
			s.log.Debug("unloaded idle layer", "layer", rm.layer)
		}
		s.mu.Unlock()
	}
}

// Run backs up on every interval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.BackupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Backup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Close disconnects every member and persists what changed.
func (s *Server) Close(ctx context.Context) {
	for _, rm := range s.openRooms() {
		for _, m := range rm.others("") {
			m.conn.Close()
		}
		if rm.dirty() {
			if _, err := s.persist(ctx, rm); err != nil {
				s.log.Error("failed to persist layer on close", "layer", rm.layer, "err", err)
			}
		}
	}
}
