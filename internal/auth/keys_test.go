package auth

import (
	"testing"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		same  string
	}{
		{name: "whitespace trimmed", input: "  runplane-key  ", same: "runplane-key"},
		{name: "newline trimmed", input: "runplane-key\n", same: "runplane-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, want := HashKey(tt.input), HashKey(tt.same); got != want {
				t.Errorf("HashKey(%q) = %v, want %v", tt.input, got, want)
			}
		})
	}
}

func TestHashKey_Empty(t *testing.T) {
	const sha256Empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := HashKey(""); got != sha256Empty {
		t.Errorf("HashKey(\"\") = %v, want %v", got, sha256Empty)
	}
}

func TestHashKey_DifferentInputsDifferentOutputs(t *testing.T) {
	if HashKey("key1") == HashKey("key2") {
		t.Error("different keys produced same hash")
	}
	if len(HashKey("key1")) != 64 {
		t.Error("expected 64 hex chars")
	}
}
