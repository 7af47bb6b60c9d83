package keys

import (
	"slices"
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestHandlePagePrecedence(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.Global(&Binding{Key: tcell.KeyRune, Rune: 'q', Hint: "q:quit", Handler: func() { got = append(got, "quit") }})
	r.Global(&Binding{Key: tcell.KeyRune, Rune: 'r', Handler: func() { got = append(got, "global-r") }})
	r.Page("thread", &Binding{Key: tcell.KeyRune, Rune: 'r', Hint: "r:retry", Handler: func() { got = append(got, "retry") }})
	r.Page("thread", &Binding{Key: tcell.KeyEnd, Hint: "end:bottom", Handler: func() { got = append(got, "bottom") }})

	r.Handle("thread", tcell.NewEventKey(tcell.KeyRune, 'r', tcell.ModNone))
	r.Handle("home", tcell.NewEventKey(tcell.KeyRune, 'r', tcell.ModNone))
	r.Handle("thread", tcell.NewEventKey(tcell.KeyEnd, 0, tcell.ModNone))
	r.Handle("thread", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone))
	if r.Handle("thread", tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)) {
		t.Error("unbound key reported as handled")
	}

	want := []string{"retry", "global-r", "bottom", "quit"}
	if !slices.Equal(got, want) {
		t.Errorf("handled = %v, want %v", got, want)
	}
}

func TestHints(t *testing.T) {
	r := NewRegistry()
	r.Global(&Binding{Key: tcell.KeyRune, Rune: 'q', Hint: "q:quit", Handler: func() {}})
	r.Global(&Binding{Key: tcell.KeyCtrlL, Handler: func() {}})
	r.Page("thread", &Binding{Key: tcell.KeyRune, Rune: 'r', Hint: "r:retry", Handler: func() {}})

	if got, want := r.Hints("thread"), []string{"r:retry", "q:quit"}; !slices.Equal(got, want) {
		t.Errorf("Hints(thread) = %v, want %v", got, want)
	}
	if got, want := r.Hints("home"), []string{"q:quit"}; !slices.Equal(got, want) {
		t.Errorf("Hints(home) = %v, want %v", got, want)
	}
}
