// Package engine keeps one replicated document per open drawing layer in sync with everyone else
// drawing on it. A Registry owns the layer sessions of the current canvas; each Session binds a
// document, its presence tracker, a relay channel, a peer channel and a save debouncer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/presence"
)

var (
	// ErrTransport covers connect failures and timeouts while activating a layer.
	ErrTransport = errors.New("transport error")
	// ErrSnapshotTimeout is returned, wrapped in ErrTransport, when the relay did not become ready or
	// answer the snapshot request in time.
	ErrSnapshotTimeout = errors.New("snapshot timeout")
	// ErrAborted is returned when the layer was deactivated while it was connecting.
	ErrAborted = errors.New("activation aborted")
	// ErrHidden is returned when activating a layer that is hidden.
	ErrHidden = errors.New("layer hidden")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of an activation.
type Result struct {
	Layer string
	State State
	Err   error
}

// RestoreEvent is pushed by the relay after a layer was rolled back to a saved version.
type RestoreEvent struct {
	Snapshot []byte
	Version  int64
}

// RelayHandlers receive server pushes for one layer. Channels must queue pushes that arrive before
// the handlers are set.
type RelayHandlers struct {
	Update      func(update []byte)
	Restored    func(RestoreEvent)
	SizeWarning func(sizeMB float64)
}

// RelayChannel is the server-mediated transport of one layer.
type RelayChannel interface {
	// Ready blocks until the server accepted the connection and assigned a client id.
	Ready(ctx context.Context) error
	// Presence returns the layer's presence tracker, shared with the peer channel. Valid after Ready.
	Presence() *presence.Tracker
	// RequestSnapshot returns the stored snapshot, or nil for a layer that was never saved.
	RequestSnapshot(ctx context.Context) ([]byte, error)
	SendUpdate(update []byte) error
	SendSave(snapshot []byte) error
	SetHandlers(h RelayHandlers)
	Close() error
}

// PeerChannel is the best-effort direct mesh of one layer.
type PeerChannel interface {
	// Notify tells the channel the document changed so links can push what peers are missing.
	Notify()
	Close() error
}

// Dialer builds fresh transports; nothing is reused between activations.
type Dialer interface {
	DialRelay(ctx context.Context, layerID string) (RelayChannel, error)
	OpenPeer(ctx context.Context, layerID string, doc *document.Document, tracker *presence.Tracker) (PeerChannel, error)
}

type Options struct {
	// SnapshotTimeout bounds waiting for relay readiness plus the snapshot response.
	SnapshotTimeout time.Duration
	// SaveInterval is the quiet interval of the persistence debouncer.
	SaveInterval time.Duration
	// RestoreDedupeWindow suppresses repeated restore events for the same layer.
	RestoreDedupeWindow time.Duration
	// PendingPollInterval and PendingPollAttempts bound how long bulk-loaded data waits for its session.
	PendingPollInterval time.Duration
	PendingPollAttempts int

	Logger *slog.Logger

	OnState    func(layerID string, state State)
	OnRender   func(layerID string, version uint64)
	OnPresence func(layerID string, states map[string]presence.State)
}

func (o Options) withDefaults() Options {
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 10 * time.Second
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = 2 * time.Second
	}
	if o.RestoreDedupeWindow <= 0 {
		o.RestoreDedupeWindow = time.Second
	}
	if o.PendingPollInterval <= 0 {
		o.PendingPollInterval = 100 * time.Millisecond
	}
	if o.PendingPollAttempts <= 0 {
		o.PendingPollAttempts = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// withTimeout runs fn under a deadline and reports an expired deadline as ErrSnapshotTimeout.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := fn(tctx)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return v, fmt.Errorf("%w: %w", ErrTransport, ErrSnapshotTimeout)
	}
	return v, err
}
