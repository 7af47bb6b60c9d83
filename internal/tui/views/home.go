package views

import (
	"slices"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Home lets the user pick a conversation by id or from the recent list.
type Home struct {
	*tview.Flex
	input  *tview.InputField
	recent *tview.List
	ids    []string
	onOpen func(id string)
}

// NewHome creates the conversation picker.
func NewHome() *Home {
	input := tview.NewInputField().
		SetLabel(" Conversation: ").
		SetFieldWidth(0)
	recent := tview.NewList().ShowSecondaryText(false)
	recent.SetBorder(true).SetTitle(" Recent ")

	h := &Home{
		Flex: tview.NewFlex().
			SetDirection(tview.FlexRow).
			AddItem(input, 1, 0, true).
			AddItem(recent, 0, 1, false),
		input:  input,
		recent: recent,
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		if id := input.GetText(); id != "" && h.onOpen != nil {
			input.SetText("")
			h.onOpen(id)
		}
	})
	recent.SetSelectedFunc(func(i int, _, _ string, _ rune) {
		if i < len(h.ids) && h.onOpen != nil {
			h.onOpen(h.ids[i])
		}
	})
	return h
}

// Input returns the id field.
func (h *Home) Input() *tview.InputField { return h.input }

// Recent returns the recent conversations list.
func (h *Home) Recent() *tview.List { return h.recent }

// SetOnOpen sets the callback when a conversation is chosen.
func (h *Home) SetOnOpen(fn func(id string)) {
	h.onOpen = fn
}

// AddRecent moves id to the top of the recent list.
func (h *Home) AddRecent(id string) {
	if i := slices.Index(h.ids, id); i >= 0 {
		h.ids = slices.Delete(h.ids, i, i+1)
	}
	h.ids = slices.Insert(h.ids, 0, id)
	h.recent.Clear()
	for _, id := range h.ids {
		h.recent.AddItem(id, "", 0, nil)
	}
}

// RecentIDs returns the recent conversations, newest first.
func (h *Home) RecentIDs() []string {
	return slices.Clone(h.ids)
}
