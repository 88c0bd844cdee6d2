package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

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

// Pauses is an in-memory PauseView toggled by operators.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses returns a switchboard with the given modules paused.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool)}
	for _, m := range modules {
		p.Set(m, true)
	}
	return p
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[normalizeModule(module)]
}

// Set pauses or resumes module.
func (p *Pauses) Set(module string, paused bool) {
	key := normalizeModule(module)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[key] = true
		return
	}
	delete(p.paused, key)
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
