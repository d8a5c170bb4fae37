package redisutil

import "testing"

func TestSplitAddrs(t *testing.T) {
	if got := splitAddrs(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	got := splitAddrs(" a:6379, ,b:6380 ")
	if len(got) != 2 || got[0] != "a:6379" || got[1] != "b:6380" {
		t.Fatalf("unexpected addrs %v", got)
	}
}

func TestIsTruthy(t *testing.T) {
	for _, val := range []string{"1", "true", "YES", " on ", "y"} {
		if !isTruthy(val) {
			t.Fatalf("expected %q truthy", val)
		}
	}
	for _, val := range []string{"", "0", "false", "off", "nope"} {
		if isTruthy(val) {
			t.Fatalf("expected %q falsy", val)
		}
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not-a-url"); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}
