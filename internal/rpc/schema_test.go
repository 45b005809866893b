// ABOUTME: Contract test validating encoder output against the embedded schema
// ABOUTME: Keeps the Go message types and schema.json from drifting apart

package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

func validateAgainstSchema(t *testing.T, msg *Message) *gojsonschema.Result {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(SchemaJSON),
		gojsonschema.NewBytesLoader(body),
	)
	require.NoError(t, err)
	return result
}

func TestSchema_EncoderStaysWithinContract(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{"request", &Message{Type: TypeRequest, ID: "r1", Method: "chat", Params: json.RawMessage(`{"text":"hi"}`), Version: ProtocolVersion}},
		{"request without params", &Message{Type: TypeRequest, ID: "r2", Method: "ping", Version: ProtocolVersion}},
		{"response with result", &Message{Type: TypeResponse, ID: "r1", Result: json.RawMessage(`{"ok":true}`)}},
		{"response with error", &Message{Type: TypeResponse, ID: "r1", Error: &Error{Code: CodeTimeout, Message: "agent took too long", Retryable: true}}},
		{"bare response", &Message{Type: TypeResponse, ID: "r1"}},
		{"stream event seq zero", &Message{Type: TypeStreamEvent, ID: "r1", Payload: json.RawMessage(`{"delta":"h"}`)}},
		{"stream event", &Message{Type: TypeStreamEvent, ID: "r1", Seq: 7, Payload: json.RawMessage(`{"delta":"i"}`)}},
		{"cancel", &Message{Type: TypeCancel, ID: "r1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := validateAgainstSchema(t, tc.msg)
			assert.True(t, result.Valid(), "schema violations: %v", result.Errors())
		})
	}
}

func TestSchema_RejectsMalformedMessages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"type":"request","method":"chat","version":1}`},
		{"missing version", `{"type":"request","id":"r1","method":"chat"}`},
		{"unknown type", `{"type":"telemetry","id":"r1"}`},
		{"error without retryable", `{"type":"response","id":"r1","error":{"code":"INTERNAL","message":"x"}}`},
		{"error with unknown code", `{"type":"response","id":"r1","error":{"code":"EXPLODED","message":"x","retryable":false}}`},
		{"negative seq", `{"type":"stream_event","id":"r1","seq":-1}`},
		{"cancel with extra field", `{"type":"cancel","id":"r1","method":"chat"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := gojsonschema.Validate(
				gojsonschema.NewBytesLoader(SchemaJSON),
				gojsonschema.NewStringLoader(tc.raw),
			)
			require.NoError(t, err)
			assert.False(t, result.Valid())
		})
	}
}

func TestSchema_AllErrorCodesCovered(t *testing.T) {
	codes := []string{
		CodeUnsupportedVersion,
		CodeProtocolViolation,
		CodeTimeout,
		CodeCancelled,
		CodeMethodNotFound,
		CodeInternal,
	}
	for _, code := range codes {
		msg := &Message{Type: TypeResponse, ID: "r1", Error: &Error{Code: code, Message: "m"}}
		result := validateAgainstSchema(t, msg)
		assert.True(t, result.Valid(), "code %s rejected by schema: %v", code, result.Errors())
	}
}
