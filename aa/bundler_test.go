package aa

import (
	"encoding/json"
	"strings"
	"testing"
)

func testHashBytes() string {
	// 32 bytes of 0x11, 64 hex chars, 0x-prefixed.
	return "0x" + strings.Repeat("11", 32)
}

func TestParseUserOpHash_FromBareString(t *testing.T) {
	raw := json.RawMessage(`"` + testHashBytes() + `"`)
	got, err := parseUserOpHash(raw)
	if err != nil {
		t.Fatalf("parseUserOpHash: %v", err)
	}
	want, _ := parseHash(testHashBytes())
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestParseUserOpHash_FromResultObject(t *testing.T) {
	raw := json.RawMessage(`{"result":"` + testHashBytes() + `"}`)
	got, err := parseUserOpHash(raw)
	if err != nil {
		t.Fatalf("parseUserOpHash: %v", err)
	}
	want, _ := parseHash(testHashBytes())
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestParseUserOpHash_FromUserOpHashObject(t *testing.T) {
	raw := json.RawMessage(`{"userOpHash":"` + testHashBytes() + `"}`)
	got, err := parseUserOpHash(raw)
	if err != nil {
		t.Fatalf("parseUserOpHash: %v", err)
	}
	want, _ := parseHash(testHashBytes())
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestParseUserOpHash_FromUserOperationHashObject(t *testing.T) {
	raw := json.RawMessage(`{"userOperationHash":"` + testHashBytes() + `"}`)
	got, err := parseUserOpHash(raw)
	if err != nil {
		t.Fatalf("parseUserOpHash: %v", err)
	}
	want, _ := parseHash(testHashBytes())
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestParseUserOpHash_RejectsUnknownShape(t *testing.T) {
	raw := json.RawMessage(`{"foo":"bar"}`)
	if _, err := parseUserOpHash(raw); err == nil {
		t.Fatalf("expected error for unrecognized shape")
	}
}
