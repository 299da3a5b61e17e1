package commandschema

import "testing"

func TestParseValidGet(t *testing.T) {
	raw := []byte(`{"action":"get","requestId":"1","path":"Vehicle/Speed"}`)
	req, reqID, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Action != ActionGet || reqID != "1" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestParseRejectsUnknownAction(t *testing.T) {
	raw := []byte(`{"action":"frobnicate","requestId":"1","path":"Vehicle/Speed"}`)
	if _, _, err := Parse(raw); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestParseRejectsMissingPathForGet(t *testing.T) {
	raw := []byte(`{"action":"get","requestId":"1"}`)
	if _, _, err := Parse(raw); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestParseRejectsSetWithoutValue(t *testing.T) {
	raw := []byte(`{"action":"set","requestId":"1","path":"Vehicle/Speed"}`)
	if _, _, err := Parse(raw); err == nil {
		t.Fatalf("expected error for set without value")
	}
}

func TestParseAcceptsSetWithTargetValuePayload(t *testing.T) {
	raw := []byte(`{"action":"set","requestId":"1","path":"Vehicle/Door","attribute":"targetValue","targetValue":true}`)
	req, _, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(req.Payload()) != "true" {
		t.Fatalf("expected payload from targetValue field, got %q", req.Payload())
	}
}

func TestParseRejectsUnsubscribeWithoutID(t *testing.T) {
	raw := []byte(`{"action":"unsubscribe","requestId":"1"}`)
	if _, _, err := Parse(raw); err == nil {
		t.Fatalf("expected error for unsubscribe without subscriptionId")
	}
}

func TestParseEchoesRequestIDOnFailure(t *testing.T) {
	raw := []byte(`{"action":"get","requestId":"echo-me"}`)
	_, reqID, err := Parse(raw)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if reqID != "echo-me" {
		t.Fatalf("expected requestId to be echoed even on failure, got %q", reqID)
	}
}

func TestTryExtractRequestIDOnMalformedJSON(t *testing.T) {
	if got := TryExtractRequestID([]byte(`not json`)); got != UnknownRequestID {
		t.Fatalf("expected %q for malformed JSON, got %q", UnknownRequestID, got)
	}
	if got := TryExtractRequestID([]byte(`{"action":"get"}`)); got != UnknownRequestID {
		t.Fatalf("expected %q for missing requestId, got %q", UnknownRequestID, got)
	}
}
