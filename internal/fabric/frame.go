package fabric

import (
	"encoding/json"
	"time"
)

// Frame is the application-layer envelope every duplex message uses.
type Frame struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Frame types.
const (
	FrameTypePing  = "ping"
	FrameTypePong  = "pong"
	FrameTypeEvent = "event"
	FrameTypeError = "error"
)

// Control actions carried inside inbound event frames.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// controlPayload is the inbound subscribe/unsubscribe body.
type controlPayload struct {
	Action    string `json:"action"`
	ProjectID string `json:"project_id"`
}

// pingPayload carries the heartbeat timestamp both directions.
type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

func marshalFrame(typ, projectID string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: typ, ProjectID: projectID, Data: raw})
}

func errorFrame(message string, extra map[string]any) []byte {
	payload := map[string]any{"error": message}
	for k, v := range extra {
		payload[k] = v
	}
	b, _ := marshalFrame(FrameTypeError, "", payload)
	return b
}

func pongFrame() []byte {
	b, _ := marshalFrame(FrameTypePong, "", pingPayload{Timestamp: time.Now().UnixMilli()})
	return b
}

func pingFrame() []byte {
	b, _ := marshalFrame(FrameTypePing, "", pingPayload{Timestamp: time.Now().UnixMilli()})
	return b
}
