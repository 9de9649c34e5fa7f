package common

import (
	"errors"
	"strings"
	"testing"
)

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	view := pauseMap{"lending": true}
	if err := Guard(view, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(view, "bank"); err != nil {
		t.Fatalf("unexpected error for unpaused module: %v", err)
	}
}

func TestLatchRejectsNestedEntry(t *testing.T) {
	var latch Latch
	release, err := latch.Enter("lending")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !latch.Held() {
		t.Fatalf("expected latch to be held")
	}
	_, err = latch.Enter("bank")
	if !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
	if !strings.Contains(err.Error(), "lending in flight") {
		t.Fatalf("expected holder in error, got %v", err)
	}
	release()
	if latch.Held() {
		t.Fatalf("expected latch to be released")
	}
	release, err = latch.Enter("lending")
	if err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
	release()
}
