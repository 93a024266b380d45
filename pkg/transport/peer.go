package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/presence"
)

// syncInterval is how often an idle link retries generating sync messages.
const syncInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PeerHub accepts direct links from other clients for every layer this client has open. It owns the
// peer listener; each open layer registers a Peer on it.
type PeerHub struct {
	publicURL string
	log       *slog.Logger

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewPeerHub returns a hub whose links are reachable at publicURL (ws://host:port).
func NewPeerHub(publicURL string, log *slog.Logger) *PeerHub {
	if log == nil {
		log = slog.Default()
	}
	return &PeerHub{publicURL: publicURL, log: log.With("component", "peers"), peers: make(map[string]*Peer)}
}

func peerPath(layerID string) string {
	return "/peer/" + url.PathEscape(layerID)
}

// Router serves inbound peer links.
func (h *PeerHub) Router() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/peer/{layer}").HandlerFunc(h.accept)
	return r
}

func (h *PeerHub) accept(w http.ResponseWriter, r *http.Request) {
	layerID := mux.Vars(r)["layer"]
	remote := r.URL.Query().Get("client")
	h.mu.Lock()
	p, ok := h.peers[layerID]
	h.mu.Unlock()
	if !ok || remote == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("failed to upgrade", "err", err)
		return
	}
	p.attach(remote, ws)
}

// Open starts the peer channel of a layer: it advertises this hub in the layer's presence and links
// to every advertised peer with a higher client id.
func (h *PeerHub) Open(layerID string, doc *document.Document, tracker *presence.Tracker) (*Peer, error) {
	p := &Peer{
		hub:     h,
		layerID: layerID,
		doc:     doc,
		tracker: tracker,
		log:     h.log.With("layer", layerID, "client", tracker.ClientID()),
		links:   make(map[string]*link),
		dialing: make(map[string]bool),
	}
	h.mu.Lock()
	if _, ok := h.peers[layerID]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("peer channel for layer %s already open", layerID)
	}
	h.peers[layerID] = p
	h.mu.Unlock()

	p.unsub = tracker.OnChange(func(presence.Change) { p.reconcile() })
	tracker.SetPeer(&presence.PeerInfo{URL: h.publicURL + peerPath(layerID)})
	p.reconcile()
	return p, nil
}

// Links returns the number of established links of the layer.
func (h *PeerHub) Links(layerID string) int {
	h.mu.Lock()
	p, ok := h.peers[layerID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return p.Links()
}

func (h *PeerHub) remove(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[p.layerID] == p {
		delete(h.peers, p.layerID)
	}
}

// Peer is the mesh of direct links of one layer.
type Peer struct {
	hub     *PeerHub
	layerID string
	doc     *document.Document
	tracker *presence.Tracker
	log     *slog.Logger
	unsub   func()

	mu      sync.Mutex
	links   map[string]*link
	dialing map[string]bool
	closed  bool
}

// Links returns the number of established links.
func (p *Peer) Links() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

// reconcile dials advertised peers this side is responsible for and drops links to departed ones.
func (p *Peer) reconcile() {
	local := p.tracker.ClientID()
	states := p.tracker.States()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for id, l := range p.links {
		if _, ok := states[id]; !ok {
			l.close()
			delete(p.links, id)
		}
	}
	for _, id := range p.tracker.Peers() {
		if id <= local || p.links[id] != nil || p.dialing[id] {
			continue
		}
		target := states[id].Peer
		if target == nil {
			continue
		}
		p.dialing[id] = true
		go p.dial(id, target.URL)
	}
}

func (p *Peer) dial(remote, target string) {
	defer func() {
		p.mu.Lock()
		delete(p.dialing, remote)
		p.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := target + "?client=" + url.QueryEscape(p.tracker.ClientID())
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		p.log.Warn("failed to dial peer", "peer", remote, "err", err)
		return
	}
	p.attach(remote, ws)
}

// attach starts syncing over ws unless a link to remote already exists.
func (p *Peer) attach(remote string, ws *websocket.Conn) {
	sp, err := p.doc.NewSyncPeer()
	if err != nil {
		_ = ws.Close()
		return
	}
	l := &link{
		remote: remote,
		ws:     ws,
		sync:   sp,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    p.log.With("peer", remote),
	}
	p.mu.Lock()
	if p.closed || p.links[remote] != nil {
		p.mu.Unlock()
		_ = ws.Close()
		return
	}
	p.links[remote] = l
	p.mu.Unlock()

	l.log.Info("peer linked")
	go func() {
		l.run()
		p.mu.Lock()
		if p.links[remote] == l {
			delete(p.links, remote)
		}
		p.mu.Unlock()
		l.log.Info("peer unlinked")
	}()
}

// Notify wakes every link so local changes are pushed without waiting for the ticker.
func (p *Peer) Notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.links {
		l.notify()
	}
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	links := p.links
	p.links = make(map[string]*link)
	p.mu.Unlock()

	p.hub.remove(p)
	if p.unsub != nil {
		p.unsub()
	}
	for _, l := range links {
		l.close()
	}
	return nil
}

// link runs the sync protocol with one remote replica over binary frames.
type link struct {
	remote string
	ws     *websocket.Conn
	sync   *document.SyncPeer
	kick   chan struct{}
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger
}

func (l *link) notify() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.ws.Close()
	})
}

func (l *link) readLoop() error {
	for {
		mt, raw, err := l.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := l.sync.ReceiveMessage(raw); err != nil {
			if errors.Is(err, document.ErrClosed) {
				return err
			}
			l.log.Warn("dropped sync message", "err", err)
			continue
		}
		l.notify()
	}
}

// flush writes sync messages until the protocol has nothing more to say.
func (l *link) flush() error {
	for {
		msg, ok := l.sync.GenerateMessage()
		if !ok {
			return nil
		}
		_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := l.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
}

func (l *link) run() {
	defer l.close()
	go func() {
		defer l.close()
		if err := l.readLoop(); err != nil {
			select {
			case <-l.done:
			default:
				l.log.Debug("peer read ended", "err", err)
			}
		}
	}()

	t := time.NewTicker(syncInterval)
	defer t.Stop()
	for {
		if err := l.flush(); err != nil {
			l.log.Debug("peer write ended", "err", err)
			return
		}
		select {
		case <-l.kick:
		case <-t.C:
		case <-l.done:
			return
		}
	}
}
