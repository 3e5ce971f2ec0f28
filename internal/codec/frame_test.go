package codec

import "testing"

func TestDecodeEnvelopeEvent(t *testing.T) {
	raw := []byte(`{"type":"event","request_id":"req-1","payload":{"event":"llm_output_delta","id":"7","data":{"content":"hi"}}}`)
	env, ok := DecodeEnvelope(raw)
	if !ok {
		t.Fatalf("expected envelope to decode")
	}
	if env.Type != EnvelopeEvent || env.RequestID != "req-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	frame, ok := EventFrame(env)
	if !ok {
		t.Fatalf("expected event frame")
	}
	if frame.Event != "llm_output_delta" || frame.ID != "7" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Data != `{"content":"hi"}` {
		t.Fatalf("unexpected data: %q", frame.Data)
	}
}

func TestDecodeEnvelopeUnquotesStringData(t *testing.T) {
	raw := []byte(`{"type":"event","payload":{"event":"final","data":"all done"}}`)
	env, ok := DecodeEnvelope(raw)
	if !ok {
		t.Fatalf("expected envelope to decode")
	}
	frame, ok := EventFrame(env)
	if !ok {
		t.Fatalf("expected event frame")
	}
	if frame.Data != "all done" {
		t.Fatalf("expected unquoted data, got %q", frame.Data)
	}
}

func TestDecodeEnvelopeDropsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"payload":{}}`,
		`{"type":"  "}`,
	}
	for _, raw := range cases {
		if _, ok := DecodeEnvelope([]byte(raw)); ok {
			t.Fatalf("expected %q to be dropped", raw)
		}
	}
}

func TestEventFrameRejectsOtherTypes(t *testing.T) {
	env, ok := DecodeEnvelope([]byte(`{"type":"error","payload":{"message":"boom","code":"internal"}}`))
	if !ok {
		t.Fatalf("expected envelope to decode")
	}
	if _, ok := EventFrame(env); ok {
		t.Fatalf("error envelope must not yield an event frame")
	}
	payload, ok := ErrorFrame(env)
	if !ok {
		t.Fatalf("expected error payload")
	}
	if payload.Message != "boom" || payload.Code != "internal" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEventFrameRequiresEventName(t *testing.T) {
	env, ok := DecodeEnvelope([]byte(`{"type":"event","payload":{"data":"x"}}`))
	if !ok {
		t.Fatalf("expected envelope to decode")
	}
	if _, ok := EventFrame(env); ok {
		t.Fatalf("frame without event name must be dropped")
	}
}
