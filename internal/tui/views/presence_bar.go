package views

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rivo/tview"

	"github.com/matheus3301/rtchat/internal/presence"
)

// PresenceBar shows the status of the other participants of a conversation.
type PresenceBar struct {
	*tview.TextView
}

// NewPresenceBar creates an empty presence bar.
func NewPresenceBar() *PresenceBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	return &PresenceBar{TextView: tv}
}

// Update redraws the bar. Accounts whose status is hidden are listed by name only.
func (pb *PresenceBar) Update(statuses map[string]presence.Status) {
	pb.Clear()
	_, _ = fmt.Fprint(pb, FormatPresence(statuses))
}

// FormatPresence renders statuses ordered by account id.
func FormatPresence(statuses map[string]presence.Status) string {
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		st := statuses[id]
		switch {
		case st.IsOnline:
			parts = append(parts, fmt.Sprintf("%s [green]%s[-]", tview.Escape(id), st.Text))
		case st.Visible():
			parts = append(parts, fmt.Sprintf("%s [::d]%s[-:-:-]", tview.Escape(id), st.Text))
		default:
			parts = append(parts, tview.Escape(id))
		}
	}
	return " " + strings.Join(parts, " | ")
}
