package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantTopic string
		wantType  string
	}{
		{
			name:      "event topic",
			raw:       `EVENT|{"type":"POSITION_OPENED","accountId":"1001","data":{"id":"42"}}`,
			wantTopic: "EVENT",
			wantType:  "POSITION_OPENED",
		},
		{
			name:      "snapshot topic",
			raw:       `SNAPSHOT|{"type":"SNAPSHOT","balance":1000}`,
			wantTopic: "SNAPSHOT",
			wantType:  "SNAPSHOT",
		},
		{
			name:     "bare json",
			raw:      `{"type":"HEARTBEAT","equity":1010.5}`,
			wantType: "HEARTBEAT",
		},
		{
			name:     "lowercase type is uppercased",
			raw:      `{"type":"goodbye"}`,
			wantType: "GOODBYE",
		},
		{
			name:     "pipe deep in body is not a topic separator",
			raw:      `{"type":"HEARTBEAT","comment":"a|b"}`,
			wantType: "HEARTBEAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseFrame(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTopic, frame.Topic)
			assert.Equal(t, tt.wantType, frame.Type)
		})
	}
}

func TestParseFrameInvalid(t *testing.T) {
	_, err := ParseFrame(`EVENT|{not json`)
	assert.Error(t, err)

	_, err = ParseFrame(`garbage`)
	assert.Error(t, err)
}

func TestFramePayload(t *testing.T) {
	frame, err := ParseFrame(`EVENT|{"type":"POSITION_OPENED","data":{"id":"42","symbol":"EURUSD"}}`)
	require.NoError(t, err)
	assert.Equal(t, "42", frame.Payload()["id"])

	// Legacy snapshots have no nested data object.
	frame, err = ParseFrame(`SNAPSHOT|{"type":"SNAPSHOT","balance":1000.0,"login":"1001"}`)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, frame.Payload()["balance"])
}
