package document

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// SyncPeer runs the automerge sync protocol for one remote replica. Each link needs its own peer.
type SyncPeer struct {
	d     *Document
	state *automerge.SyncState
}

func (d *Document) NewSyncPeer() (*SyncPeer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return &SyncPeer{d: d, state: automerge.NewSyncState(d.doc)}, nil
}

// GenerateMessage returns the next message for the remote side, or false when there is nothing to send.
func (p *SyncPeer) GenerateMessage() ([]byte, bool) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if p.d.closed {
		return nil, false
	}
	msg, valid := p.state.GenerateMessage()
	if msg == nil || !valid {
		return nil, false
	}
	return msg.Bytes(), true
}

// ReceiveMessage applies a message from the remote side.
func (p *SyncPeer) ReceiveMessage(raw []byte) error {
	changed, err := p.receive(raw)
	if err != nil {
		return err
	}
	if changed {
		p.d.emit(Change{Origin: OriginPeer})
	}
	return nil
}

func (p *SyncPeer) receive(raw []byte) (bool, error) {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	before := headsKey(d.doc)
	if _, err := p.state.ReceiveMessage(raw); err != nil {
		return false, fmt.Errorf("%w: failed to receive sync message: %v", ErrMerge, err)
	}
	_ = d.doc.SaveIncremental()
	return headsKey(d.doc) != before, nil
}
