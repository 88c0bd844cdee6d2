package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauses(t *testing.T) {
	if err := Guard(nil, "marketplace"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	p := NewPauses(" Marketplace ")
	if err := Guard(p, "marketplace"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if err := Guard(p, "lending"); err != nil {
		t.Fatalf("unrelated module blocked: %v", err)
	}
	p.Set("marketplace", false)
	if err := Guard(p, "marketplace"); err != nil {
		t.Fatalf("resumed module still blocked: %v", err)
	}
}
