// Package document is the replicated stroke list of a single drawing layer. It wraps an automerge
// document whose root holds one list of stroke maps; every replica of a layer descends from the same
// genesis change so concurrently appended strokes land in one shared list.
package document

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/astromechza/layersync/pkg/strokes"
)

var (
	// ErrMerge is returned when an incoming update or snapshot cannot be decoded.
	ErrMerge = errors.New("malformed update")
	// ErrClosed is returned by every operation on a released document.
	ErrClosed = errors.New("document closed")
)

const (
	strokesKey   = "strokes"
	genesisActor = "00000000000000000000000000000000"
)

// Origin says where a change to the document came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRelay
	OriginPeer
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRelay:
		return "relay"
	case OriginPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// Change is delivered to listeners after the document changed. Update carries the encoded local
// change and is only set for OriginLocal.
type Change struct {
	Origin Origin
	Update []byte
}

var (
	genesisOnce  sync.Once
	genesisBytes []byte
	genesisErr   error
)

// genesis builds the shared first change. The actor, time and message are fixed so every process
// produces the same change hash.
func genesis() ([]byte, error) {
	genesisOnce.Do(func() {
		doc := automerge.New()
		if err := doc.SetActorID(genesisActor); err != nil {
			genesisErr = fmt.Errorf("failed to set genesis actor: %w", err)
			return
		}
		if err := doc.Path(strokesKey).Set(automerge.NewList()); err != nil {
			genesisErr = fmt.Errorf("failed to create stroke list: %w", err)
			return
		}
		epoch := time.Unix(0, 0)
		if _, err := doc.Commit("genesis", automerge.CommitOptions{Time: &epoch}); err != nil {
			genesisErr = fmt.Errorf("failed to commit genesis: %w", err)
			return
		}
		genesisBytes = doc.Save()
	})
	return genesisBytes, genesisErr
}

func newActorID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Document is safe for concurrent use. Listeners run outside the internal lock.
type Document struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	closed bool

	lmu          sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

// New returns an empty layer document with a fresh actor id.
func New() (*Document, error) {
	g, err := genesis()
	if err != nil {
		return nil, err
	}
	doc, err := automerge.Load(g)
	if err != nil {
		return nil, fmt.Errorf("failed to load genesis: %w", err)
	}
	if err := doc.SetActorID(newActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return wrap(doc), nil
}

// Load builds a document from a full snapshot. It is used for transient documents during restore and
// by tools; live sessions start from New and merge snapshots in with ApplyUpdate.
func Load(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load snapshot: %v", ErrMerge, err)
	}
	if err := doc.SetActorID(newActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return wrap(doc), nil
}

func wrap(doc *automerge.Doc) *Document {
	// drop the incremental backlog so the first local update only carries local changes
	_ = doc.SaveIncremental()
	return &Document{doc: doc, listeners: make(map[int]func(Change))}
}

// OnChange registers fn and returns a function removing it.
func (d *Document) OnChange(fn func(Change)) func() {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Document) emit(c Change) {
	d.lmu.Lock()
	fns := make([]func(Change), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.lmu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Close releases the underlying document. Further calls return ErrClosed.
func (d *Document) Close() {
	d.mu.Lock()
	d.closed = true
	d.doc = nil
	d.mu.Unlock()

	d.lmu.Lock()
	d.listeners = make(map[int]func(Change))
	d.lmu.Unlock()
}

func headsKey(doc *automerge.Doc) string {
	hs := doc.Heads()
	parts := make([]string, len(hs))
	for i, h := range hs {
		parts[i] = h.String()
	}
	return strings.Join(parts, ",")
}

// Heads returns the hex change hashes at the tip of the history.
func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	hs := d.doc.Heads()
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}

// Snapshot encodes the full merged state.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.doc.Save(), nil
}

// Fork returns an independent copy of the underlying automerge document.
func (d *Document) Fork() (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.doc.Fork()
}

// ApplyUpdate merges an incremental update or a full snapshot. Applying the same bytes twice is a
// no-op the second time; listeners are only told about changes that moved the heads.
func (d *Document) ApplyUpdate(update []byte, origin Origin) error {
	if len(update) == 0 {
		return nil
	}
	changed, err := d.merge(update)
	if err != nil {
		return err
	}
	if changed {
		d.emit(Change{Origin: origin})
	}
	return nil
}

func (d *Document) merge(update []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	before := headsKey(d.doc)
	if err := d.doc.LoadIncremental(update); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMerge, err)
	}
	_ = d.doc.SaveIncremental()
	return headsKey(d.doc) != before, nil
}

// transact runs fn against the stroke list and commits what it wrote as one change. fn does its
// reads and checks before its first write and reports whether it wrote anything; nothing is committed
// or emitted when it did not. A write failing after earlier writes still commits those earlier ones so
// no pending operations leak into the next change.
func (d *Document) transact(msg string, fn func(list *automerge.List) (bool, error)) error {
	update, err := d.commit(msg, fn)
	if len(update) > 0 {
		d.emit(Change{Origin: OriginLocal, Update: update})
	}
	return err
}

func (d *Document) commit(msg string, fn func(list *automerge.List) (bool, error)) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	list, err := strokeList(d.doc)
	if err != nil {
		return nil, err
	}
	wrote, ferr := fn(list)
	if !wrote {
		return nil, ferr
	}
	if _, err := d.doc.Commit(msg); err != nil {
		return nil, errors.Join(ferr, fmt.Errorf("failed to commit %s: %w", msg, err))
	}
	return d.doc.SaveIncremental(), ferr
}

// AppendStroke appends a new stroke in a single change.
func (d *Document) AppendStroke(s strokes.Stroke) error {
	return d.transact("stroke", func(list *automerge.List) (bool, error) {
		if err := list.Append(encodeStroke(s)); err != nil {
			return false, fmt.Errorf("failed to append stroke: %w", err)
		}
		return true, nil
	})
}

// AppendPoint appends p to the last stroke and returns that stroke as it is afterwards. ok is false
// when the list holds no strokes.
func (d *Document) AppendPoint(p strokes.Point) (last strokes.Stroke, ok bool, err error) {
	err = d.transact("point", func(list *automerge.List) (bool, error) {
		n := list.Len()
		if n == 0 {
			return false, nil
		}
		m, err := strokeAt(list, n-1)
		if err != nil {
			return false, err
		}
		current, err := decodeStroke(m)
		if err != nil {
			return false, err
		}
		points := childList(m, "points")
		if points == nil {
			return false, fmt.Errorf("%w: points of stroke %d is not a list", ErrMerge, n-1)
		}
		if err := points.Append(encodePoint(p)); err != nil {
			return false, fmt.Errorf("failed to append point: %w", err)
		}
		current.Append(p)
		if err := m.Set("bbox", encodeBBox(current.BBox)); err != nil {
			return true, fmt.Errorf("failed to update bbox: %w", err)
		}
		last, ok = current, true
		return true, nil
	})
	return last, ok, err
}

// Replace clears the stroke list and appends fresh copies of ss, all in one change.
func (d *Document) Replace(ss []strokes.Stroke) error {
	return d.transact("replace", func(list *automerge.List) (bool, error) {
		wrote := false
		for i := list.Len() - 1; i >= 0; i-- {
			if err := list.Delete(i); err != nil {
				return wrote, fmt.Errorf("failed to clear stroke %d: %w", i, err)
			}
			wrote = true
		}
		for _, s := range ss {
			if err := list.Append(encodeStroke(s)); err != nil {
				return wrote, fmt.Errorf("failed to append stroke: %w", err)
			}
			wrote = true
		}
		return wrote, nil
	})
}

// ReplaceFrom replaces the contents with deep copies of src's strokes. No automerge object of src is
// referenced by d afterwards.
func (d *Document) ReplaceFrom(src *Document) error {
	ss, err := src.Strokes()
	if err != nil {
		return fmt.Errorf("failed to read source strokes: %w", err)
	}
	return d.Replace(ss)
}

// RemoveExcept deletes every stroke whose id is not in keep and returns how many went. Strokes without
// an id are removed too.
func (d *Document) RemoveExcept(keep map[string]bool) (int, error) {
	removed := 0
	err := d.transact("prune", func(list *automerge.List) (bool, error) {
		var drop []int
		for i := 0; i < list.Len(); i++ {
			m, err := strokeAt(list, i)
			if err != nil {
				return false, err
			}
			if id := str(m, "id"); id == "" || !keep[id] {
				drop = append(drop, i)
			}
		}
		for j := len(drop) - 1; j >= 0; j-- {
			if err := list.Delete(drop[j]); err != nil {
				return removed > 0, fmt.Errorf("failed to remove stroke %d: %w", drop[j], err)
			}
			removed++
		}
		return removed > 0, nil
	})
	return removed, err
}

// Strokes decodes the stroke list in document order.
func (d *Document) Strokes() ([]strokes.Stroke, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	list, err := strokeList(d.doc)
	if err != nil {
		return nil, err
	}
	out := make([]strokes.Stroke, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		m, err := strokeAt(list, i)
		if err != nil {
			return nil, err
		}
		s, err := decodeStroke(m)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Len is the number of strokes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}
	list, err := strokeList(d.doc)
	if err != nil {
		return 0
	}
	return list.Len()
}
