package engine

import (
	"time"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/strokes"
)

// LoadLayerDataFromJSON replaces the layer's strokes with the given payload. When the layer has no
// session yet the payload is kept as pending data and applied once, either by the activation that
// connects the layer or by a bounded poll.
func (r *Registry) LoadLayerDataFromJSON(layerID string, raw []byte) error {
	ss, err := strokes.ParseLayerData(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if s, ok := r.sessions[layerID]; ok {
		r.mu.Unlock()
		return s.replace(ss)
	}
	r.pending[layerID] = ss
	r.mu.Unlock()
	r.log.Info("layer data pending until connected", "layer", layerID, "strokes", len(ss))
	go r.pollPending(layerID)
	return nil
}

// HasPendingData reports whether a payload is still waiting for its session.
func (r *Registry) HasPendingData(layerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[layerID]
	return ok
}

func (r *Registry) pollPending(layerID string) {
	t := time.NewTicker(r.opts.PendingPollInterval)
	defer t.Stop()
	for i := 0; i < r.opts.PendingPollAttempts; i++ {
		<-t.C
		r.mu.Lock()
		ss, ok := r.pending[layerID]
		if !ok {
			r.mu.Unlock()
			return
		}
		s, connected := r.sessions[layerID]
		if !connected {
			r.mu.Unlock()
			continue
		}
		delete(r.pending, layerID)
		r.mu.Unlock()
		if err := s.replace(ss); err != nil {
			s.log.Error("failed to load pending layer data", "err", err)
		}
		return
	}
	r.log.Warn("gave up waiting for layer session", "layer", layerID)
}

// RestoreCount returns how many restore events were applied to the layer.
func (r *Registry) RestoreCount(layerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restores[layerID]
}

// handleRestore applies a version-restored push to sess. The layer ends up holding exactly the
// restored strokes: the snapshot is merged, then every stroke outside the restored set is removed,
// including strokes drawn concurrently with the restore. The relay has normally rewritten its
// canonical document already, so merging yields the restored strokes and every client prunes the same
// ones. When the merged order still differs, the strokes are copied over from a transient document
// built from the snapshot.
func (r *Registry) handleRestore(sess *Session, ev RestoreEvent) {
	layerID := sess.layerID
	r.mu.Lock()
	if cur := r.sessions[layerID]; cur != nil && cur != sess {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	if last, ok := r.lastRestore[layerID]; ok && now.Sub(last) < r.opts.RestoreDedupeWindow {
		r.mu.Unlock()
		r.log.Debug("duplicate restore suppressed", "layer", layerID, "version", ev.Version)
		return
	}
	r.lastRestore[layerID] = now
	r.restores[layerID]++
	r.mu.Unlock()

	sess.saver.Cancel()
	defer sess.bump()
	log := sess.log.With("version", ev.Version)

	transient, err := document.Load(ev.Snapshot)
	if err != nil {
		log.Error("failed to load restored snapshot", "err", err)
		return
	}
	defer transient.Close()
	want, err := transient.Strokes()
	if err != nil {
		log.Error("failed to read restored snapshot", "err", err)
		return
	}

	if err := sess.doc.ApplyUpdate(ev.Snapshot, document.OriginRelay); err != nil {
		log.Warn("failed to merge restored snapshot", "err", err)
	}
	keep := make(map[string]bool, len(want))
	for _, s := range want {
		keep[s.ID] = true
	}
	removed, err := sess.doc.RemoveExcept(keep)
	if err != nil {
		log.Warn("failed to prune strokes outside the restored version", "err", err)
	}
	after, err := sess.doc.Strokes()
	if err != nil || !sameStrokes(after, want) {
		log.Info("copying restored strokes into live document")
		if err := sess.doc.ReplaceFrom(transient); err != nil {
			log.Error("failed to replace layer contents", "err", err)
		}
	}
	sess.saver.Cancel()
	log.Info("layer restored", "strokes", len(want), "pruned", removed)
}

// sameStrokes reports whether a and b hold the same strokes in the same order.
func sameStrokes(a, b []strokes.Stroke) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || len(a[i].Points) != len(b[i].Points) {
			return false
		}
	}
	return true
}
