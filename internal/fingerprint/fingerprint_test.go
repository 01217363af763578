package fingerprint

import (
	"strings"
	"testing"
)

func TestNormalizeShortPassthrough(t *testing.T) {
	got, err := Normalize("HWID-1234", 64)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "HWID-1234" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestNormalizeLongHashed(t *testing.T) {
	raw := strings.Repeat("x", 500)
	got, err := Normalize(raw, 64)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	for _, c := range got {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("non-hex char %q in %q", c, got)
		}
	}
	// детерминизм
	again, _ := Normalize(raw, 64)
	if again != got {
		t.Fatalf("normalize not deterministic: %q vs %q", got, again)
	}
	// любое изменение входа меняет ключ
	other, _ := Normalize(raw+"y", 64)
	if other == got {
		t.Fatalf("distinct inputs collided")
	}
}

func TestNormalizeEmptyIsError(t *testing.T) {
	if _, err := Normalize("", 64); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Normalize("   ", 64); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty for blanks, got %v", err)
	}
}

func TestNormalizeThresholdClamp(t *testing.T) {
	raw := strings.Repeat("a", 70)
	// порог больше MaxKeyLen прижимается к 64 — значение длиной 70 хешируется
	got, err := Normalize(raw, 400)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(got) != 64 || got == raw[:64] {
		t.Fatalf("expected hashed key, got %q", got)
	}
}
