package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Topic prefixes the terminal-side agents publish under. The empty prefix
// covers legacy agents that publish bare JSON.
const (
	TopicEvent    = "EVENT"
	TopicSnapshot = "SNAPSHOT"
)

// topicScanLimit bounds how far into a frame the topic separator is looked
// for. A '|' past this offset belongs to the JSON body, not the framing.
const topicScanLimit = 20

// Frame is one decoded SUB-socket message.
type Frame struct {
	Topic string
	Type  string
	Raw   map[string]interface{}
}

// Payload returns the event payload: the nested "data" object when present,
// otherwise the top-level fields (legacy snapshot shape).
func (f *Frame) Payload() map[string]interface{} {
	if data, ok := f.Raw["data"].(map[string]interface{}); ok {
		return data
	}
	return f.Raw
}

// ParseFrame splits an optional TOPIC| prefix off a raw frame and decodes
// the JSON body. Frames that fail to decode are dropped by the caller.
func ParseFrame(raw string) (*Frame, error) {
	topic := ""
	body := raw

	limit := len(raw)
	if limit > topicScanLimit {
		limit = topicScanLimit
	}
	if idx := strings.IndexByte(raw[:limit], '|'); idx >= 0 {
		prefix := raw[:idx]
		if prefix == TopicEvent || prefix == TopicSnapshot {
			topic = prefix
			body = raw[idx+1:]
		}
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("frame is not valid JSON: %w", err)
	}

	msgType, _ := m["type"].(string)
	return &Frame{
		Topic: topic,
		Type:  strings.ToUpper(msgType),
		Raw:   m,
	}, nil
}
