// Package views contains the tview widgets of the chat client.
package views

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/rtchat/internal/protocol"
	"github.com/matheus3301/rtchat/internal/reconcile"
)

// RowUnits is how many distance units one text row counts for when the
// typing coordinator asks how far the view is from the bottom.
const RowUnits = 20

// Updater runs fn on the UI goroutine. The app passes a wrapper around
// QueueUpdateDraw; tests run fn directly.
type Updater func(fn func())

type lineState int

const (
	linePending lineState = iota
	lineSent
	lineDelivered
	lineFailed
	lineInbound
)

type entry struct {
	tempID    string
	messageID string
	senderID  string
	content   string
	media     int
	at        string
	state     lineState
	seenBy    []string
}

// Thread renders one conversation. Its panel and surface methods may be
// called from any goroutine; drawing is handed to the Updater.
type Thread struct {
	*tview.TextView
	update Updater

	mu             sync.Mutex
	conversationID string
	localID        string
	entries        []*entry
	byTemp         map[string]*entry
	byID           map[string]*entry
	typing         []string
	scrolledUp     int
	rows           int
}

// NewThread creates an empty thread view.
func NewThread(update Updater) *Thread {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	t := &Thread{
		TextView: tv,
		update:   update,
		byTemp:   make(map[string]*entry),
		byID:     make(map[string]*entry),
	}
	tv.SetInputCapture(t.trackScroll)
	return t
}

// Reset clears the view for another conversation.
func (t *Thread) Reset(conversationID, localID string) {
	t.mu.Lock()
	t.conversationID = conversationID
	t.localID = localID
	t.entries = nil
	t.typing = nil
	t.scrolledUp = 0
	clear(t.byTemp)
	clear(t.byID)
	t.mu.Unlock()

	t.update(func() {
		t.SetTitle(fmt.Sprintf(" %s ", conversationID))
	})
	t.redraw()
}

// ConversationID returns the conversation on screen.
func (t *Thread) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// LastFailed returns the temp id of the newest failed message, or "".
func (t *Thread) LastFailed() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].state == lineFailed {
			return t.entries[i].tempID
		}
	}
	return ""
}

func (t *Thread) optimistic(m reconcile.OptimisticMessage, state lineState) {
	t.mu.Lock()
	e, ok := t.byTemp[m.TempID]
	if !ok {
		e = &entry{tempID: m.TempID}
		t.byTemp[m.TempID] = e
		t.entries = append(t.entries, e)
	}
	e.senderID = m.SenderID
	e.content = m.Content
	e.media = len(m.Media)
	e.at = m.CreatedAt.Local().Format("15:04")
	e.state = state
	if m.MessageID != "" {
		e.messageID = m.MessageID
		t.byID[m.MessageID] = e
	}
	t.mu.Unlock()
	t.redraw()
}

func (t *Thread) RenderPending(m reconcile.OptimisticMessage) { t.optimistic(m, linePending) }
func (t *Thread) MarkSent(m reconcile.OptimisticMessage)      { t.optimistic(m, lineSent) }
func (t *Thread) MarkFailed(m reconcile.OptimisticMessage)    { t.optimistic(m, lineFailed) }

// ClearSentMarkers keeps the sent marker on the newest confirmed message only.
func (t *Thread) ClearSentMarkers(exceptTempID string) {
	t.mu.Lock()
	for _, e := range t.entries {
		if e.state == lineSent && e.tempID != exceptTempID {
			e.state = lineDelivered
		}
	}
	t.mu.Unlock()
	t.redraw()
}

func (t *Thread) RenderInbound(m protocol.NewMessage) {
	t.mu.Lock()
	if m.MessageID != "" {
		if _, ok := t.byID[m.MessageID]; ok {
			t.mu.Unlock()
			return
		}
	}
	e := &entry{
		messageID: m.MessageID,
		senderID:  m.SenderID,
		content:   m.Content,
		media:     len(m.Media),
		at:        m.SentAt.Local().Format("15:04"),
		state:     lineInbound,
	}
	t.entries = append(t.entries, e)
	if m.MessageID != "" {
		t.byID[m.MessageID] = e
	}
	t.mu.Unlock()
	t.redraw()
}

func (t *Thread) MarkSeen(messageID, accountID string) {
	t.mu.Lock()
	e, ok := t.byID[messageID]
	if !ok || accountID == t.localID {
		t.mu.Unlock()
		return
	}
	for _, id := range e.seenBy {
		if id == accountID {
			t.mu.Unlock()
			return
		}
	}
	e.seenBy = append(e.seenBy, accountID)
	t.mu.Unlock()
	t.redraw()
}

func (t *Thread) InsertTypingIndicator(_, accountID string) {
	t.mu.Lock()
	for _, id := range t.typing {
		if id == accountID {
			t.mu.Unlock()
			return
		}
	}
	t.typing = append(t.typing, accountID)
	t.mu.Unlock()
	t.redraw()
}

func (t *Thread) RemoveTypingIndicator(_, accountID string) {
	t.mu.Lock()
	kept := t.typing[:0]
	for _, id := range t.typing {
		if id != accountID {
			kept = append(kept, id)
		}
	}
	t.typing = kept
	t.mu.Unlock()
	t.redraw()
}

// DistanceFromBottom is the number of rows scrolled up, in RowUnits.
func (t *Thread) DistanceFromBottom() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scrolledUp * RowUnits
}

func (t *Thread) ScrollToBottom() {
	t.mu.Lock()
	t.scrolledUp = 0
	t.mu.Unlock()
	t.update(func() { t.ScrollToEnd() })
}

func (t *Thread) trackScroll(ev *tcell.EventKey) *tcell.EventKey {
	_, _, _, height := t.GetInnerRect()
	t.mu.Lock()
	switch {
	case ev.Key() == tcell.KeyUp, ev.Key() == tcell.KeyRune && ev.Rune() == 'k':
		t.scrolledUp = min(t.scrolledUp+1, t.rows)
	case ev.Key() == tcell.KeyDown, ev.Key() == tcell.KeyRune && ev.Rune() == 'j':
		t.scrolledUp = max(t.scrolledUp-1, 0)
	case ev.Key() == tcell.KeyPgUp:
		t.scrolledUp = min(t.scrolledUp+max(height, 1), t.rows)
	case ev.Key() == tcell.KeyPgDn:
		t.scrolledUp = max(t.scrolledUp-max(height, 1), 0)
	case ev.Key() == tcell.KeyHome, ev.Key() == tcell.KeyRune && ev.Rune() == 'g':
		t.scrolledUp = t.rows
	case ev.Key() == tcell.KeyEnd, ev.Key() == tcell.KeyRune && ev.Rune() == 'G':
		t.scrolledUp = 0
	}
	t.mu.Unlock()
	return ev
}

func (t *Thread) redraw() {
	t.mu.Lock()
	text, rows := t.renderLocked()
	t.rows = rows
	follow := t.scrolledUp == 0
	t.mu.Unlock()

	t.update(func() {
		t.SetText(text)
		if follow {
			t.ScrollToEnd()
		}
	})
}

func (t *Thread) renderLocked() (string, int) {
	var b strings.Builder
	rows := 0
	for _, e := range t.entries {
		sender := e.senderID
		if sender == t.localID && sender != "" {
			sender = "You"
		}
		fmt.Fprintf(&b, "[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n", tview.Escape(sender), e.at, marker(e.state))
		body := tview.Escape(displayText(e.content))
		if e.media > 0 {
			body = strings.TrimSpace(body + fmt.Sprintf(" (%d attachments)", e.media))
		}
		b.WriteString(body)
		b.WriteString("\n")
		rows += 2 + strings.Count(body, "\n")
		if len(e.seenBy) > 0 {
			fmt.Fprintf(&b, "[::d]seen by %s[-:-:-]\n", tview.Escape(strings.Join(e.seenBy, ", ")))
			rows++
		}
		b.WriteString("\n")
		rows++
	}
	if len(t.typing) > 0 {
		verb := "is"
		if len(t.typing) > 1 {
			verb = "are"
		}
		fmt.Fprintf(&b, "[::i]%s %s typing...[-:-:-]\n", tview.Escape(strings.Join(t.typing, ", ")), verb)
		rows++
	}
	return b.String(), rows
}

func marker(s lineState) string {
	switch s {
	case linePending:
		return " [::d]sending[-:-:-]"
	case lineSent:
		return " [green]sent[-]"
	case lineFailed:
		return " [red]failed, r to retry[-]"
	}
	return ""
}
