package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/matheus3301/rtchat/internal/protocol"
)

// PresenceItem is one account's presence as reported by the snapshot endpoint.
type PresenceItem struct {
	AccountID     string    `json:"accountId"`
	CanShowStatus bool      `json:"canShowStatus"`
	IsOnline      bool      `json:"isOnline"`
	LastOnlineAt  time.Time `json:"lastOnlineAt"` // zero when unknown
}

type snapshotRequest struct {
	AccountIDs []string `json:"accountIds"`
}

// PresenceSnapshot fetches presence for up to one batch of accounts.
// Accounts the server does not know are absent from the result.
func (c *Client) PresenceSnapshot(ctx context.Context, accountIDs []string) ([]PresenceItem, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/presence/snapshot", snapshotRequest{AccountIDs: accountIDs})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("presence snapshot: invalid JSON")
	}
	root := gjson.ParseBytes(data)
	items := protocol.Field(root, "items")
	if !items.IsArray() {
		return nil, fmt.Errorf("presence snapshot: missing items")
	}

	out := make([]PresenceItem, 0, len(accountIDs))
	for _, it := range items.Array() {
		id := protocol.String(protocol.FirstField(it, "accountId", "account_id", "id"))
		if id == "" {
			continue
		}
		out = append(out, PresenceItem{
			AccountID:     id,
			CanShowStatus: protocol.Bool(protocol.Field(it, "canShowStatus")),
			IsOnline:      protocol.Bool(protocol.Field(it, "isOnline")),
			LastOnlineAt:  protocol.Time(protocol.Field(it, "lastOnlineAt")),
		})
	}
	return out, nil
}
