// Package reconcile renders outgoing messages optimistically and matches them
// to the server's confirmations.
package reconcile

import (
	"errors"
	"strings"
	"time"

	"github.com/matheus3301/rtchat/internal/protocol"
)

var (
	// ErrUnknownMessage is returned for a temp id the engine does not hold.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotFailed is returned when retrying a message that has not failed.
	ErrNotFailed = errors.New("message has not failed")
	// ErrEmptyMessage is returned for a draft with neither text nor media.
	ErrEmptyMessage = errors.New("empty message")
)

// Status of an optimistic message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// MediaRef is an attachment. Before confirmation it is a local placeholder;
// afterwards it points at the server copy.
type MediaRef struct {
	ID          string
	URL         string
	Kind        string
	Placeholder bool
}

// Draft is what the composer hands over.
type Draft struct {
	ConversationID string
	Content        string
	Media          []MediaRef
}

// OptimisticMessage is a locally created message awaiting or past confirmation.
type OptimisticMessage struct {
	TempID            string
	ConversationID    string
	SenderID          string
	Content           string
	NormalizedContent string
	Media             []MediaRef
	Status            Status
	MessageID         string
	CreatedAt         time.Time
	Err               error // last send error while failed

	seq uint64
}

func (m *OptimisticMessage) clone() OptimisticMessage {
	c := *m
	c.Media = append([]MediaRef(nil), m.Media...)
	return c
}

// Panel is a conversation view. Every method must be safe to call from any
// goroutine.
type Panel interface {
	// RenderPending inserts or updates a local message in its pending state.
	RenderPending(msg OptimisticMessage)
	MarkSent(msg OptimisticMessage)
	// MarkFailed shows the message as failed with a way to retry.
	MarkFailed(msg OptimisticMessage)
	// ClearSentMarkers removes the "sent" marker from every message but one.
	ClearSentMarkers(exceptTempID string)
	RenderInbound(msg protocol.NewMessage)
	MarkSeen(messageID, accountID string)
}

// NormalizeContent is the form used for content matching: surrounding space
// trimmed and inner whitespace runs collapsed.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func serverMedia(in []protocol.Media) []MediaRef {
	if len(in) == 0 {
		return nil
	}
	out := make([]MediaRef, len(in))
	for i, m := range in {
		out[i] = MediaRef{ID: m.ID, URL: m.URL, Kind: m.Kind}
	}
	return out
}
