package common

import (
	"errors"
	"fmt"
)

var (
	ErrModulePaused = errors.New("module paused")
	ErrReentrant    = errors.New("reentrant call")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Latch is a single in-flight operation flag. The zero value is unlocked.
type Latch struct {
	entered bool
	module  string
}

// Enter acquires the latch for module and returns the release function. A
// nested Enter before release fails with ErrReentrant naming the holder.
func (l *Latch) Enter(module string) (func(), error) {
	if l.entered {
		return nil, fmt.Errorf("%w: %s in flight, %s rejected", ErrReentrant, l.module, module)
	}
	l.entered = true
	l.module = module
	return func() {
		l.entered = false
		l.module = ""
	}, nil
}

// Held reports whether an operation currently holds the latch.
func (l *Latch) Held() bool { return l.entered }
