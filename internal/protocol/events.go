package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Inbound event names.
const (
	EventNewMessage               = "NewMessage"
	EventMemberSeen               = "MemberSeen"
	EventTyping                   = "Typing"
	EventMessageRecalled          = "MessageRecalled"
	EventMessageReactUpdated      = "MessageReactUpdated"
	EventConversationThemeUpdated = "ConversationThemeUpdated"
	EventGroupInfoUpdated         = "GroupInfoUpdated"
	EventUserOnline               = "UserOnline"
	EventUserOffline              = "UserOffline"
	EventUserHidden               = "UserHidden"
)

var eventNames = []string{
	EventNewMessage, EventMemberSeen, EventTyping, EventMessageRecalled,
	EventMessageReactUpdated, EventConversationThemeUpdated, EventGroupInfoUpdated,
	EventUserOnline, EventUserOffline, EventUserHidden,
}

// Media is a server-issued attachment reference.
type Media struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

// NewMessage is a server-confirmed message.
type NewMessage struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	TempID         string    `json:"tempId,omitempty"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	Media          []Media   `json:"media,omitempty"`
}

// MemberSeen reports that an account saw a message.
type MemberSeen struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	AccountID      string `json:"accountId"`
}

// TypingSignal reports another account's typing state.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	AccountID      string `json:"accountId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageRecalled reports a message withdrawn by its sender.
type MessageRecalled struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// MessageReactUpdated carries a new reaction count.
type MessageReactUpdated struct {
	MessageID  string `json:"messageId"`
	ReactCount int    `json:"reactCount"`
}

// ConversationThemeUpdated carries a conversation's new theme.
type ConversationThemeUpdated struct {
	ConversationID string `json:"conversationId"`
	Theme          string `json:"theme"`
}

// GroupInfoUpdated carries changed group metadata; nil fields are unchanged.
type GroupInfoUpdated struct {
	ConversationID string  `json:"conversationId"`
	Name           *string `json:"name,omitempty"`
	Avatar         *string `json:"avatar,omitempty"`
}

// UserOnline reports an account coming online.
type UserOnline struct {
	AccountID string    `json:"accountId"`
	At        time.Time `json:"at"`
}

// UserOffline reports an account going offline.
type UserOffline struct {
	AccountID    string    `json:"accountId"`
	LastOnlineAt time.Time `json:"lastOnlineAt"`
}

// UserHidden reports an account whose status is private.
type UserHidden struct {
	AccountID string `json:"accountId"`
}

// CanonicalEventName maps any casing of a known event name to its canonical form.
func CanonicalEventName(name string) (string, bool) {
	for _, n := range eventNames {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return name, false
}

// DecodeEvent normalizes an event payload into one of the typed events above.
// Missing or mistyped fields take safe defaults; only an unknown name or a
// payload that is not a JSON object is an error.
func DecodeEvent(name string, payload json.RawMessage) (any, error) {
	canonical, ok := CanonicalEventName(name)
	if !ok {
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("event %s: payload is not JSON", canonical)
	}
	p := gjson.ParseBytes(payload)
	if !p.IsObject() {
		return nil, fmt.Errorf("event %s: payload is not an object", canonical)
	}

	conv := String(FirstField(p, "conversationId", "conversation_id"))
	msgID := String(FirstField(p, "messageId", "message_id", "id"))
	account := String(FirstField(p, "accountId", "account_id", "userId"))

	switch canonical {
	case EventNewMessage:
		return &NewMessage{
			ConversationID: conv,
			MessageID:      msgID,
			TempID:         String(FirstField(p, "tempId", "temp_id", "clientId")),
			SenderID:       String(FirstField(p, "senderId", "sender_id")),
			Content:        String(Field(p, "content")),
			SentAt:         Time(FirstField(p, "sentAt", "sent_at", "createdAt")),
			Media:          decodeMedia(FirstField(p, "media", "attachments")),
		}, nil
	case EventMemberSeen:
		return &MemberSeen{ConversationID: conv, MessageID: msgID, AccountID: account}, nil
	case EventTyping:
		return &TypingSignal{ConversationID: conv, AccountID: account, IsTyping: Bool(Field(p, "isTyping"))}, nil
	case EventMessageRecalled:
		return &MessageRecalled{ConversationID: conv, MessageID: msgID}, nil
	case EventMessageReactUpdated:
		return &MessageReactUpdated{MessageID: msgID, ReactCount: int(Field(p, "reactCount").Int())}, nil
	case EventConversationThemeUpdated:
		return &ConversationThemeUpdated{ConversationID: conv, Theme: String(Field(p, "theme"))}, nil
	case EventGroupInfoUpdated:
		return &GroupInfoUpdated{
			ConversationID: conv,
			Name:           optionalString(Field(p, "name")),
			Avatar:         optionalString(Field(p, "avatar")),
		}, nil
	case EventUserOnline:
		return &UserOnline{AccountID: account, At: Time(FirstField(p, "at", "onlineAt"))}, nil
	case EventUserOffline:
		return &UserOffline{AccountID: account, LastOnlineAt: Time(FirstField(p, "lastOnlineAt", "last_online_at", "at"))}, nil
	case EventUserHidden:
		return &UserHidden{AccountID: account}, nil
	}
	return nil, fmt.Errorf("unhandled event %q", canonical)
}

func decodeMedia(r gjson.Result) []Media {
	if !r.IsArray() {
		return nil
	}
	var out []Media
	for _, item := range r.Array() {
		switch {
		case item.IsObject():
			out = append(out, Media{
				ID:   String(Field(item, "id")),
				URL:  String(Field(item, "url")),
				Kind: String(FirstField(item, "kind", "type")),
			})
		case item.Type == gjson.String:
			out = append(out, Media{URL: item.Str})
		}
	}
	return out
}

func optionalString(r gjson.Result) *string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	s := String(r)
	return &s
}
