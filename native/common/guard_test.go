package common

import (
	"errors"
	"testing"
)

type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	if err := Guard(nil, "cdp"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	if err := Guard(pauseSet{"cdp": true}, ""); err != nil {
		t.Fatalf("empty module must not block: %v", err)
	}
	if err := Guard(pauseSet{"cdp": true}, "cdp"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestGuardAll(t *testing.T) {
	err := GuardAll("cdp", pauseSet{}, nil, pauseSet{"cdp": true})
	if !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := GuardAll("cdp", pauseSet{"swap": true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
