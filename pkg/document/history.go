package document

import (
	"fmt"
	"time"
)

// HistoryEntry describes one change in the causal history of a layer.
type HistoryEntry struct {
	Hash         string
	Actor        string
	Seq          uint64
	Message      string
	Time         time.Time
	Dependencies []string
	// Strokes is the length of the stroke list as of this change.
	Strokes int
}

// History lists every change in causal order.
func (d *Document) History() ([]HistoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]HistoryEntry, 0, len(changes))
	for _, change := range changes {
		docAt, err := d.doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		list, err := strokeList(docAt)
		if err != nil {
			return nil, err
		}
		e := HistoryEntry{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Time:    change.Timestamp(),
			Strokes: list.Len(),
		}
		for _, dep := range change.Dependencies() {
			e.Dependencies = append(e.Dependencies, dep.String())
		}
		out = append(out, e)
	}
	return out, nil
}
