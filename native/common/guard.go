package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether governance has halted a module.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects calls into a paused module. A nil view never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// GuardAll applies Guard against every view and returns the first denial.
func GuardAll(module string, views ...PauseView) error {
	for _, view := range views {
		if err := Guard(view, module); err != nil {
			return err
		}
	}
	return nil
}
