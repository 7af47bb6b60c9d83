// Package keys maps key presses to actions, globally or per page.
package keys

import "github.com/gdamore/tcell/v2"

// Binding is a single key action.
type Binding struct {
	Key     tcell.Key
	Rune    rune // used when Key is tcell.KeyRune
	Hint    string
	Handler func()
}

// Matches returns true if the event triggers this binding.
func (b *Binding) Matches(ev *tcell.EventKey) bool {
	if b.Key != tcell.KeyRune {
		return ev.Key() == b.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == b.Rune
}

// Registry holds bindings in registration order. Page bindings shadow global ones.
type Registry struct {
	global []*Binding
	pages  map[string][]*Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[string][]*Binding)}
}

// Global registers a binding active on every page.
func (r *Registry) Global(b *Binding) {
	r.global = append(r.global, b)
}

// Page registers a binding active on one page.
func (r *Registry) Page(page string, b *Binding) {
	r.pages[page] = append(r.pages[page], b)
}

// Hints returns the hints shown for a page, page bindings first.
func (r *Registry) Hints(page string) []string {
	var hints []string
	for _, b := range r.pages[page] {
		if b.Hint != "" {
			hints = append(hints, b.Hint)
		}
	}
	for _, b := range r.global {
		if b.Hint != "" {
			hints = append(hints, b.Hint)
		}
	}
	return hints
}

// Handle runs the first binding matching ev on page. Returns true if one ran.
func (r *Registry) Handle(page string, ev *tcell.EventKey) bool {
	for _, b := range r.pages[page] {
		if b.Matches(ev) {
			b.Handler()
			return true
		}
	}
	for _, b := range r.global {
		if b.Matches(ev) {
			b.Handler()
			return true
		}
	}
	return false
}
