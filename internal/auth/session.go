// ABOUTME: Post-authorization frame handling
// ABOUTME: Answers ping with pong, surfaces JSON objects and discards binary frames

package auth

import (
	"github.com/2389/navivox-gateway/internal/protocol"
)

// SessionEvent is what an authorized connection should do with one frame.
type SessionEvent struct {
	// Reply is sent back immediately (pong).
	Reply []byte
	// Payload is a decoded JSON object for the application layer.
	Payload map[string]any
}

// HandleSessionFrame classifies a frame received after authorization. Binary
// frames and text that is not a JSON object produce an empty event.
func HandleSessionFrame(f protocol.Frame) SessionEvent {
	if f.Kind != protocol.KindText {
		return SessionEvent{}
	}
	obj, err := protocol.DecodeObject(f)
	if err != nil {
		return SessionEvent{}
	}
	if protocol.TypeOf(obj) == protocol.TypePing {
		return SessionEvent{Reply: protocol.EncodeControl(protocol.TypePong)}
	}
	return SessionEvent{Payload: obj}
}
