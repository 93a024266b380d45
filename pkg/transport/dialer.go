package transport

import (
	"context"
	"errors"
	"log/slog"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/engine"
	"github.com/astromechza/layersync/pkg/presence"
)

var ErrPeersDisabled = errors.New("peer mesh disabled")

// Dialer opens fresh websocket transports for the engine. Peers may be nil to run on the relay only.
type Dialer struct {
	RelayURL string
	Peers    *PeerHub
	Logger   *slog.Logger
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Dialer) DialRelay(ctx context.Context, layerID string) (engine.RelayChannel, error) {
	r, err := DialRelay(ctx, d.RelayURL, layerID, d.logger())
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Dialer) OpenPeer(_ context.Context, layerID string, doc *document.Document, tracker *presence.Tracker) (engine.PeerChannel, error) {
	if d.Peers == nil {
		return nil, ErrPeersDisabled
	}
	p, err := d.Peers.Open(layerID, doc, tracker)
	if err != nil {
		return nil, err
	}
	return p, nil
}
