package engine

import (
	"log/slog"
	"sync/atomic"

	"github.com/astromechza/layersync/pkg/debounce"
	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/presence"
	"github.com/astromechza/layersync/pkg/strokes"
)

// Session is one connected layer. It exclusively owns its document, tracker and both channels.
type Session struct {
	layerID string
	doc     *document.Document
	tracker *presence.Tracker
	relay   RelayChannel
	peer    PeerChannel
	saver   *debounce.Debouncer
	log     *slog.Logger

	renderVersion atomic.Uint64
	onRender      func(layerID string, version uint64)
	unsubscribe   []func()
}

func (s *Session) LayerID() string {
	return s.layerID
}

// RenderVersion increases on every applied change, restore or forced refresh.
func (s *Session) RenderVersion() uint64 {
	return s.renderVersion.Load()
}

func (s *Session) Strokes() ([]strokes.Stroke, error) {
	return s.doc.Strokes()
}

func (s *Session) bump() {
	v := s.renderVersion.Add(1)
	if s.onRender != nil {
		s.onRender(s.layerID, v)
	}
}

// save sends the full document state for persistence.
func (s *Session) save() {
	snap, err := s.doc.Snapshot()
	if err != nil {
		s.log.Warn("failed to encode snapshot for save", "err", err)
		return
	}
	if err := s.relay.SendSave(snap); err != nil {
		s.log.Error("failed to send save", "err", err)
		return
	}
	s.log.Debug("saved", "bytes", len(snap))
}

// onDocChange wires local edits to the relay, the peers and the debouncer.
func (s *Session) onDocChange(c document.Change) {
	if c.Origin == document.OriginLocal {
		if err := s.relay.SendUpdate(c.Update); err != nil {
			s.log.Warn("failed to send update", "err", err)
		}
		s.saver.Schedule()
	}
	if s.peer != nil {
		s.peer.Notify()
	}
	s.bump()
}

func (s *Session) onRelayUpdate(update []byte) {
	if err := s.doc.ApplyUpdate(update, document.OriginRelay); err != nil {
		s.log.Warn("dropped relay update", "err", err)
	}
}

// replace swaps the stroke list for ss, flushing unsaved edits first so they reach the store before
// the bulk change.
func (s *Session) replace(ss []strokes.Stroke) error {
	if s.saver.Pending() {
		s.saver.Flush()
	}
	return s.doc.Replace(ss)
}

// close tears the session down. With flush the pending save is sent first, otherwise it is dropped.
func (s *Session) close(flush bool) {
	if flush {
		s.saver.Flush()
	}
	s.saver.Stop()
	for _, fn := range s.unsubscribe {
		fn()
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			s.log.Warn("failed to close peer channel", "err", err)
		}
	}
	s.tracker.Close()
	if err := s.relay.Close(); err != nil {
		s.log.Warn("failed to close relay channel", "err", err)
	}
	s.doc.Close()
}
