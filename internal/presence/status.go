package presence

import (
	"fmt"
	"time"
)

// Entry is the cached presence of one account.
type Entry struct {
	AccountID     string
	CanShowStatus bool
	IsOnline      bool
	LastActiveAt  time.Time
	UpdatedAt     time.Time
}

func (e Entry) sameAs(o Entry) bool {
	return e.CanShowStatus == o.CanShowStatus &&
		e.IsOnline == o.IsOnline &&
		e.LastActiveAt.Equal(o.LastActiveAt)
}

// Status is what a surface renders. An empty Text means show nothing.
type Status struct {
	CanShowStatus bool
	IsOnline      bool
	Text          string
}

// Visible reports whether there is anything to render.
func (s Status) Visible() bool { return s.Text != "" }

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// statusAt renders e as seen at now.
func statusAt(e Entry, now time.Time) Status {
	if !e.CanShowStatus {
		return Status{}
	}
	if e.IsOnline {
		return Status{CanShowStatus: true, IsOnline: true, Text: "Online"}
	}
	if e.LastActiveAt.IsZero() {
		return Status{CanShowStatus: true}
	}
	age := max(now.Sub(e.LastActiveAt), 0)
	switch {
	case age < time.Minute:
		return Status{CanShowStatus: true, Text: "Active just now"}
	case age < time.Hour:
		return Status{CanShowStatus: true, Text: "Active " + plural(int(age/time.Minute), "minute") + " ago"}
	case age < 24*time.Hour:
		return Status{CanShowStatus: true, Text: "Active " + plural(int(age/time.Hour), "hour") + " ago"}
	}
	return Status{CanShowStatus: true}
}

// nextBoundary is the instant after now at which statusAt(e) changes,
// or the zero time if it never will without new input.
func nextBoundary(e Entry, now time.Time) time.Time {
	if !e.CanShowStatus || e.IsOnline || e.LastActiveAt.IsZero() {
		return time.Time{}
	}
	age := max(now.Sub(e.LastActiveAt), 0)
	switch {
	case age < time.Minute:
		return e.LastActiveAt.Add(time.Minute)
	case age < time.Hour:
		return e.LastActiveAt.Add((age/time.Minute + 1) * time.Minute)
	case age < 24*time.Hour:
		return e.LastActiveAt.Add((age/time.Hour + 1) * time.Hour)
	}
	return time.Time{}
}
