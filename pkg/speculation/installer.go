package speculation

import (
	"context"
	"sync"
)

// Installer is the host side of speculation: it makes directives take effect
// and withdraws them.
type Installer interface {
	Install(ctx context.Context, directives []Directive) error
	Retract(ctx context.Context, directives []Directive) error
}

// LatestInstaller keeps the installed set in memory, for hosts that poll it.
type LatestInstaller struct {
	mu         sync.RWMutex
	directives []Directive
	version    uint64
}

func (l *LatestInstaller) Install(_ context.Context, directives []Directive) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.directives = append(l.directives, cloneAll(directives)...)
	l.version++
	return nil
}

func (l *LatestInstaller) Retract(_ context.Context, directives []Directive) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.directives[:0]
	for _, d := range l.directives {
		if !containsDirective(directives, d) {
			kept = append(kept, d)
		}
	}
	l.directives = kept
	l.version++
	return nil
}

// Directives returns the installed set and a version that changes with every update.
func (l *LatestInstaller) Directives() ([]Directive, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneAll(l.directives), l.version
}

// RulesJSON renders the installed set.
func (l *LatestInstaller) RulesJSON() ([]byte, error) {
	directives, _ := l.Directives()
	return RulesJSON(directives)
}

func containsDirective(set []Directive, d Directive) bool {
	for _, s := range set {
		if s.Mode != d.Mode || s.Eagerness != d.Eagerness || len(s.URLs) != len(d.URLs) {
			continue
		}
		same := true
		for i := range s.URLs {
			if s.URLs[i] != d.URLs[i] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}
