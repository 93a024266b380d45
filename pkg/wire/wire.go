// Package wire is the envelope exchanged on a layer's relay connection. Every frame is a JSON text
// message; binary document payloads travel base64 encoded in Payload.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/astromechza/layersync/pkg/presence"
)

type MessageType string

const (
	// TypeWelcome is the first server frame and carries the connection id assigned to the client.
	TypeWelcome MessageType = "welcome"
	// TypeSnapshotRequest asks for the layer's current snapshot; answered by TypeSnapshotResponse
	// with the same ID and an empty payload for a layer that was never saved.
	TypeSnapshotRequest  MessageType = "snapshot-request"
	TypeSnapshotResponse MessageType = "snapshot-response"
	// TypeUpdate is an incremental document change, in both directions.
	TypeUpdate MessageType = "document-update"
	// TypeSave carries a full snapshot to persist.
	TypeSave MessageType = "save-request"
	// TypeRestored is pushed after a version restore with the restored snapshot and version.
	TypeRestored MessageType = "version-restored"
	// TypeSizeWarning is pushed when the persisted layer grew large.
	TypeSizeWarning MessageType = "size-warning"
	TypeAwareness   MessageType = "awareness"
	TypeError       MessageType = "error"
)

type Envelope struct {
	Type      MessageType      `json:"type"`
	ID        string           `json:"id,omitempty"`
	Layer     string           `json:"layer,omitempty"`
	ClientID  string           `json:"clientId,omitempty"`
	Payload   []byte           `json:"payload,omitempty"`
	Version   int64            `json:"version,omitempty"`
	SizeMB    float64          `json:"sizeMb,omitempty"`
	Awareness *presence.Update `json:"awareness,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func Encode(e Envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Type, err)
	}
	return raw, nil
}

func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Type == "" {
		return e, fmt.Errorf("failed to decode envelope: missing type")
	}
	return e, nil
}

// BytesToMB converts a byte count into the unit used by size warnings.
func BytesToMB(n int) float64 {
	return float64(n) / (1024 * 1024)
}
