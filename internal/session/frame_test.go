package session

import (
	"encoding/json"
	"testing"
)

func TestNewFrame_EncodesPayload(t *testing.T) {
	f := NewFrame(KindTextDelta, "turn_1", TextDeltaPayload{Text: "hello"})
	if f.Kind != KindTextDelta || f.TurnID != "turn_1" {
		t.Fatalf("unexpected frame envelope: %+v", f)
	}

	var p TextDeltaPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Text != "hello" {
		t.Errorf("Text = %q, want %q", p.Text, "hello")
	}
}

func TestNewFrame_ErrorPayloadRoundTrips(t *testing.T) {
	f := NewFrame(KindError, "turn_2", ErrorPayload{Code: "rate_limited", Message: "slow down"})

	var p ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Code != "rate_limited" {
		t.Errorf("Code = %q, want %q", p.Code, "rate_limited")
	}
}

func TestMustPayload_PanicsOnUnmarshalableValue(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected mustPayload to panic on an unmarshalable value")
		}
	}()
	mustPayload(make(chan int))
}
