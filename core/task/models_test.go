package task

import (
	"encoding/json"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StatePending, StateStarted},
		{StatePending, StateRevoked},
		{StateStarted, StateStarted}, // crash takeover
		{StateStarted, StateSuccess},
		{StateStarted, StateFailure},
		{StateStarted, StateRetry},
		{StateStarted, StateRevoked},
		{StateRetry, StateStarted},
		{StateRetry, StateFailure},
		{StateRetry, StateRevoked},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		{StatePending, StateSuccess},
		{StatePending, StateRetry},
		{StateSuccess, StateStarted},
		{StateSuccess, StateFailure},
		{StateFailure, StateStarted},
		{StateRevoked, StateStarted},
		{StateRetry, StateSuccess},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateSuccess, StateFailure, StateRevoked} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if len(allowedTransitions[s]) != 0 {
			t.Errorf("%s must admit no transitions", s)
		}
	}
	for _, s := range []State{StatePending, StateStarted, StateRetry} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestEncodeArgsPrependsInput(t *testing.T) {
	sig := NewSignature("add", 2, 3)

	encoded, err := EncodeArgs(sig, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(encoded) != "[2,3]" {
		t.Fatalf("args = %s, want [2,3]", encoded)
	}

	encoded, err = EncodeArgs(sig, json.RawMessage(`8`))
	if err != nil {
		t.Fatalf("encode with input: %v", err)
	}
	if string(encoded) != "[8,2,3]" {
		t.Fatalf("args = %s, want [8,2,3]", encoded)
	}
}

func TestSignatureOptions(t *testing.T) {
	sig := NewSignature("resize", "a.png").
		WithQueue("media").
		WithMaxRetries(4).
		WithResultTTL(600)
	if sig.Queue != "media" || sig.MaxRetries != 4 || sig.ResultTTLSec != 600 {
		t.Fatalf("sig = %+v", sig)
	}
}
