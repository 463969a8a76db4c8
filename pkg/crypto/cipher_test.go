package crypto

import (
	"errors"
	"testing"
)

func TestSealMapRoundTrip(t *testing.T) {
	sealed, err := SealMap("key", map[string]string{"OPENAI_KEY": "sk-123"})
	if err != nil {
		t.Fatalf("SealMap returned error: %v", err)
	}
	if string(sealed) == `{"OPENAI_KEY":"sk-123"}` {
		t.Fatalf("secrets stored in plaintext")
	}
	opened, err := OpenMap("key", sealed)
	if err != nil {
		t.Fatalf("OpenMap returned error: %v", err)
	}
	if opened["OPENAI_KEY"] != "sk-123" {
		t.Fatalf("unexpected secrets %v", opened)
	}
	if _, err := OpenMap("other", sealed); err == nil {
		t.Fatalf("expected error with wrong key")
	}
}

func TestSealMapRequiresKey(t *testing.T) {
	if sealed, err := SealMap("", nil); err != nil || sealed != nil {
		t.Fatalf("empty map should seal to nil without a key, got %v %v", sealed, err)
	}
	if _, err := SealMap("", map[string]string{"A": "b"}); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}
