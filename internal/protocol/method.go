package protocol

import (
	"errors"
	"fmt"
	"regexp"
)

// Method names an outbound invoke.
type Method string

const (
	JoinConversation  Method = "JoinConversation"
	LeaveConversation Method = "LeaveConversation"
	SeenConversation  Method = "SeenConversation"
	Typing            Method = "Typing"
)

// Key identifies an outbound intent. A newer queued invoke with the same key
// supersedes an older one.
type Key struct {
	Method Method
	Target string
}

// KeyFor builds the key for a method acting on a target id.
func KeyFor(method Method, target string) Key {
	return Key{Method: method, Target: target}
}

func (k Key) String() string {
	return string(k.Method) + ":" + k.Target
}

// ErrInvalidConversationID is returned for ids that cannot name a conversation.
var ErrInvalidConversationID = errors.New("invalid conversation id")

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateConversationID accepts uuids and short slug-like ids.
func ValidateConversationID(id string) error {
	if !conversationIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidConversationID, id)
	}
	return nil
}
