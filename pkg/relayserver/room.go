package relayserver

import (
	"sort"
	"strings"
	"sync"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/presence"
	"github.com/astromechza/layersync/pkg/transport"
)

type member struct {
	id   string
	conn *transport.Conn
}

// room is one layer: its canonical document and the connections drawing on it.
type room struct {
	layer string
	doc   *document.Document

	mu        sync.Mutex
	members   map[string]*member
	awareness map[string]presence.Update
	// known is false for a layer that was never saved nor written to.
	known bool
	// savedHeads are the document heads of the last persisted version.
	savedHeads string
}

func newRoom(layer string, doc *document.Document, known bool) *room {
	return &room{
		layer:      layer,
		doc:        doc,
		members:    make(map[string]*member),
		awareness:  make(map[string]presence.Update),
		known:      known,
		savedHeads: headsKey(doc),
	}
}

func headsKey(doc *document.Document) string {
	hs := doc.Heads()
	sort.Strings(hs)
	return strings.Join(hs, ",")
}

func (r *room) join(m *member) []presence.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.id] = m
	out := make([]presence.Update, 0, len(r.awareness))
	for _, u := range r.awareness {
		out = append(out, u)
	}
	return out
}

// leave removes the member and returns the removal update to broadcast, if it had presence.
func (r *room) leave(id string) (presence.Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
	last, ok := r.awareness[id]
	delete(r.awareness, id)
	return presence.Update{ClientID: id, Clock: last.Clock + 1}, ok
}

func (r *room) setAwareness(u presence.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.State == nil {
		delete(r.awareness, u.ClientID)
		return
	}
	r.awareness[u.ClientID] = u
}

func (r *room) others(except string) []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		if id != except {
			out = append(out, m)
		}
	}
	return out
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *room) markKnown() {
	r.mu.Lock()
	r.known = true
	r.mu.Unlock()
}

func (r *room) isKnown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known
}

// dirty reports whether the document changed since the last persisted version.
func (r *room) dirty() bool {
	h := headsKey(r.doc)
	r.mu.Lock()
	defer r.mu.Unlock()
	return h != r.savedHeads
}

func (r *room) markSaved(heads string) {
	r.mu.Lock()
	r.savedHeads = heads
	r.mu.Unlock()
}
