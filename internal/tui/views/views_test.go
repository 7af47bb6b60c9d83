package views

import (
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/protocol"
	"github.com/matheus3301/rtchat/internal/reconcile"
)

func direct(fn func()) { fn() }

func newTestThread() *Thread {
	th := NewThread(direct)
	th.Reset("c1", "alice")
	return th
}

func TestThreadOptimisticLifecycle(t *testing.T) {
	th := newTestThread()
	now := time.Now()

	first := reconcile.OptimisticMessage{TempID: "t1", SenderID: "alice", Content: "hi", CreatedAt: now}
	th.RenderPending(first)
	if got := th.GetText(true); !strings.Contains(got, "You") || !strings.Contains(got, "sending") {
		t.Errorf("pending text = %q", got)
	}

	first.MessageID = "m1"
	th.MarkSent(first)
	th.ClearSentMarkers("t1")
	if got := th.GetText(true); !strings.Contains(got, "sent") || strings.Contains(got, "sending") {
		t.Errorf("sent text = %q", got)
	}

	second := reconcile.OptimisticMessage{TempID: "t2", SenderID: "alice", Content: "again", CreatedAt: now}
	th.RenderPending(second)
	second.MessageID = "m2"
	th.MarkSent(second)
	th.ClearSentMarkers("t2")
	if got := strings.Count(th.GetText(true), " sent"); got != 1 {
		t.Errorf("sent markers = %d, want 1", got)
	}

	third := reconcile.OptimisticMessage{TempID: "t3", SenderID: "alice", Content: "lost", CreatedAt: now}
	th.MarkFailed(third)
	if got := th.LastFailed(); got != "t3" {
		t.Errorf("LastFailed() = %q, want t3", got)
	}
	if got := th.GetText(true); !strings.Contains(got, "failed, r to retry") {
		t.Errorf("failed text = %q", got)
	}

	// The server echo of a confirmed message is not drawn again.
	th.RenderInbound(protocol.NewMessage{ConversationID: "c1", MessageID: "m1", SenderID: "alice", Content: "hi"})
	if got := strings.Count(th.GetText(true), "hi\n"); got != 1 {
		t.Errorf("message drawn %d times", got)
	}
}

func TestThreadSeenAndTyping(t *testing.T) {
	th := newTestThread()
	th.RenderInbound(protocol.NewMessage{MessageID: "m1", SenderID: "bob", Content: "yo", SentAt: time.Now()})

	th.MarkSeen("m1", "carol")
	th.MarkSeen("m1", "carol")
	th.MarkSeen("m1", "alice")
	th.MarkSeen("unknown", "carol")
	if got := th.GetText(true); !strings.Contains(got, "seen by carol\n") {
		t.Errorf("seen text = %q", got)
	}

	th.InsertTypingIndicator("c1", "bob")
	th.InsertTypingIndicator("c1", "bob")
	th.InsertTypingIndicator("c1", "carol")
	if got := th.GetText(true); !strings.Contains(got, "bob, carol are typing...") {
		t.Errorf("typing text = %q", got)
	}
	th.RemoveTypingIndicator("c1", "bob")
	if got := th.GetText(true); !strings.Contains(got, "carol is typing...") {
		t.Errorf("typing text = %q", got)
	}
	th.RemoveTypingIndicator("c1", "carol")
	if got := th.GetText(true); strings.Contains(got, "typing") {
		t.Errorf("typing text after removal = %q", got)
	}
}

func TestThreadDistanceFromBottom(t *testing.T) {
	th := newTestThread()
	for i := range 10 {
		th.RenderInbound(protocol.NewMessage{MessageID: string(rune('a' + i)), SenderID: "bob", Content: "line"})
	}
	if got := th.DistanceFromBottom(); got != 0 {
		t.Errorf("initial distance = %d", got)
	}

	up := tcell.NewEventKey(tcell.KeyUp, 0, tcell.ModNone)
	for range 3 {
		th.trackScroll(up)
	}
	if got := th.DistanceFromBottom(); got != 3*RowUnits {
		t.Errorf("distance after scrolling = %d, want %d", got, 3*RowUnits)
	}
	th.trackScroll(tcell.NewEventKey(tcell.KeyDown, 0, tcell.ModNone))
	if got := th.DistanceFromBottom(); got != 2*RowUnits {
		t.Errorf("distance after scrolling down = %d", got)
	}

	th.ScrollToBottom()
	if got := th.DistanceFromBottom(); got != 0 {
		t.Errorf("distance after ScrollToBottom = %d", got)
	}
}

func TestThreadResetClears(t *testing.T) {
	th := newTestThread()
	th.RenderInbound(protocol.NewMessage{MessageID: "m1", SenderID: "bob", Content: "yo"})
	th.InsertTypingIndicator("c1", "bob")

	th.Reset("c2", "alice")
	if got := strings.TrimSpace(th.GetText(true)); got != "" {
		t.Errorf("text after reset = %q", got)
	}
	if got := th.ConversationID(); got != "c2" {
		t.Errorf("ConversationID() = %q", got)
	}
}

func TestFormatPresence(t *testing.T) {
	got := FormatPresence(map[string]presence.Status{
		"carol": {},
		"bob":   {CanShowStatus: true, Text: "Active 5 minutes ago"},
		"dave":  {CanShowStatus: true, IsOnline: true, Text: "Online"},
	})
	want := " bob [::d]Active 5 minutes ago[-:-:-] | carol | dave [green]Online[-]"
	if got != want {
		t.Errorf("FormatPresence() = %q, want %q", got, want)
	}
}

func TestHomeRecent(t *testing.T) {
	h := NewHome()
	var opened []string
	h.SetOnOpen(func(id string) { opened = append(opened, id) })

	h.AddRecent("c1")
	h.AddRecent("c2")
	h.AddRecent("c1")
	if got := h.RecentIDs(); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("RecentIDs() = %v", got)
	}
	if n := h.Recent().GetItemCount(); n != 2 {
		t.Errorf("list items = %d", n)
	}
}

func TestDisplayText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"ok\u200d\ufe0f\U0001F3FB!", "ok!"},
		{"bell\a and \x1b[31mred", "bell and [31mred"},
		{"line one\nline two\ttab", "line one\nline two\ttab"},
		{"caf\u00e9 \u65e5\u672c", "caf\u00e9 \u65e5\u672c"},
	}
	for _, tt := range tests {
		if got := displayText(tt.in); got != tt.want {
			t.Errorf("displayText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
