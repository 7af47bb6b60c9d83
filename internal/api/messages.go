package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/matheus3301/rtchat/internal/protocol"
)

// MediaInput is an attachment reference sent with a new message.
type MediaInput struct {
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

// SendMessageRequest is the body of a message send. TempID is the client
// correlation id; resending the same TempID returns the original message.
type SendMessageRequest struct {
	TempID  string       `json:"tempId"`
	Content string       `json:"content"`
	Media   []MediaInput `json:"media,omitempty"`
}

// SendMessageResponse is the server's confirmation.
type SendMessageResponse struct {
	MessageID string           `json:"messageId"`
	SentAt    time.Time        `json:"sentAt"`
	Media     []protocol.Media `json:"media,omitempty"`
}

// SendMessage posts a message to a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (*SendMessageResponse, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[SendMessageResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.MessageID == "" {
		return nil, fmt.Errorf("send message: response has no messageId")
	}
	return resp, nil
}

// ListMessages loads the newest messages of a conversation, oldest first.
// Items are normalized the same way pushed NewMessage events are.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]protocol.NewMessage, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("list messages: invalid JSON")
	}
	items := protocol.Field(gjson.ParseBytes(data), "items")
	if !items.IsArray() {
		return nil, fmt.Errorf("list messages: missing items")
	}

	var out []protocol.NewMessage
	for _, it := range items.Array() {
		evt, err := protocol.DecodeEvent(protocol.EventNewMessage, json.RawMessage(it.Raw))
		if err != nil {
			continue
		}
		m := evt.(*protocol.NewMessage)
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, *m)
	}
	return out, nil
}
