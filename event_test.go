package redisrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_WireFormat(t *testing.T) {
	payload, err := NewResetEvent("user:1", 1_700_000_000_000_123, "origin-1").Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{"limit_key":"user:1","event":"reset","version":1700000000000123,"origin":"origin-1"}`, string(payload))

	event, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000_123), event.Version)
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "minimal", payload: `{"limit_key":"k","event":"reset"}`},
		{name: "versioned", payload: `{"limit_key":"k","event":"reset","version":1}`},
		{name: "unknown fields", payload: `{"limit_key":"k","event":"reset","version":1,"extra":true}`},
		{name: "not json", payload: `reset k`, wantErr: true},
		{name: "missing key", payload: `{"event":"reset","version":1}`, wantErr: true},
		{name: "missing type", payload: `{"limit_key":"k","version":1}`, wantErr: true},
		{name: "wrong type", payload: `{"limit_key":5,"event":"reset"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
