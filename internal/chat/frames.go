package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types
const (
	TypeRegister      = "register"
	TypeChat          = "chat"
	TypeBlock         = "block"
	TypeUnblock       = "unblock"
	TypeSystem        = "system"
	TypeListenerCount = "listenerCount"
)

// timestampLayout is RFC 3339 in UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// InboundFrame is any frame a client may send. Fields not used by a frame's
// type are ignored.
type InboundFrame struct {
	Type           string `json:"type"`
	ClientID       string `json:"clientId,omitempty"`
	Username       string `json:"username,omitempty"`
	Message        string `json:"message,omitempty"`
	TargetClientID string `json:"targetClientId,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Token          string `json:"token,omitempty"`
}

// ParseFrame decodes a raw inbound frame.
func ParseFrame(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeRegister, TypeChat, TypeBlock, TypeUnblock:
		return &f, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
}

// SystemFrame is a server notice.
type SystemFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ListenerCountFrame carries the number of identified connections.
type ListenerCountFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ChatFrame is the broadcast echo of an accepted chat message.
type ChatFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// FormatTimestamp renders t the way every outbound frame does.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func newSystemFrame(msg string, now time.Time) SystemFrame {
	return SystemFrame{Type: TypeSystem, Message: msg, Timestamp: FormatTimestamp(now)}
}
