package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"hello", `{"type":"hello","connectionId":"c1","accountId":"a1"}`, FrameHello, false},
		{"ack upper case", `{"Type":"ACK","ID":"7","OK":true}`, FrameAck, false},
		{"event", `{"type":"event","name":"NewMessage","payload":{"content":"hi"}}`, FrameEvent, false},
		{"ping", `{"type":"ping"}`, FramePing, false},
		{"invoke", `{"type":"invoke","id":"1","method":"Typing","args":["c1",true]}`, FrameInvoke, false},
		{"not json", `{"type":`, "", true},
		{"array", `[1,2]`, "", true},
		{"unknown type", `{"type":"nope"}`, "", true},
		{"event without name", `{"type":"event","payload":{}}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if f.Type != tt.want {
				t.Errorf("Type = %q, want %q", f.Type, tt.want)
			}
		})
	}
}

func TestParseFrameAckFields(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"ack","id":12,"ok":"false","error":"denied"}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Ack.ID != "12" || f.Ack.OK || f.Ack.Error != "denied" {
		t.Errorf("ack = %+v", *f.Ack)
	}
}

func TestParseFrameInvoke(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"invoke","id":9,"method":"SeenConversation","args":["c1","m-2"]}`))
	if err != nil {
		t.Fatal(err)
	}
	inv := f.Invoke
	if inv.ID != "9" || inv.Method != SeenConversation {
		t.Errorf("invoke = %+v", inv)
	}
	if len(inv.Args) != 2 || inv.Args[1] != "m-2" {
		t.Errorf("Args = %v", inv.Args)
	}
}

func TestParseFrameNullPayload(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"event","name":"Typing","payload":null}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Event.Payload) != "{}" {
		t.Errorf("payload = %s, want {}", f.Event.Payload)
	}
}

func TestNewInvokeMarshal(t *testing.T) {
	data, err := json.Marshal(NewInvoke("3", JoinConversation, "conv-1"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"invoke","id":"3","method":"JoinConversation","args":["conv-1"]}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}

	data, _ = json.Marshal(NewInvoke("4", Typing))
	if gjson.GetBytes(data, "args").Raw != "[]" {
		t.Errorf("empty args = %s, want []", data)
	}
}

func TestKeyString(t *testing.T) {
	if got := KeyFor(Typing, "c1").String(); got != "Typing:c1" {
		t.Errorf("Key.String() = %q", got)
	}
	if KeyFor(Typing, "c1") != KeyFor(Typing, "c1") {
		t.Error("equal keys must compare equal")
	}
}

func TestFieldPrefersExactCase(t *testing.T) {
	obj := gjson.Parse(`{"ID":"upper","id":"lower"}`)
	if got := Field(obj, "id").String(); got != "lower" {
		t.Errorf("Field(id) = %q, want lower", got)
	}
	if got := Field(obj, "Id").String(); got != "upper" {
		t.Errorf("Field(Id) = %q, want upper", got)
	}
	if Field(gjson.Parse(`"scalar"`), "id").Exists() {
		t.Error("Field on a scalar should not exist")
	}
}

func TestBool(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`1`, true},
		{`0`, false},
		{`"TRUE"`, true},
		{`"1"`, true},
		{`"nope"`, false},
		{`null`, false},
	}
	for _, tt := range tests {
		if got := Bool(gjson.Parse(tt.raw)); got != tt.want {
			t.Errorf("Bool(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339", `"2026-03-01T12:00:00Z"`, want},
		{"unix seconds", `1772366400`, want},
		{"unix millis", `1772366400000`, want},
		{"numeric string", `"1772366400000"`, want},
		{"garbage", `"yesterday"`, time.Time{}},
		{"null", `null`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Time(gjson.Parse(tt.raw)); !got.Equal(tt.want) {
				t.Errorf("Time(%s) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDecodeNewMessage(t *testing.T) {
	payload := `{"ConversationId":"c1","MessageId":42,"tempId":"t-1","senderId":"me",
		"content":"hello","sentAt":"2026-03-01T12:00:00Z",
		"media":[{"id":"m1","url":"https://cdn/x.png","type":"image"},"https://cdn/y.png",7]}`
	evt, err := DecodeEvent("newmessage", json.RawMessage(payload))
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := evt.(*NewMessage)
	if !ok {
		t.Fatalf("type = %T, want *NewMessage", evt)
	}
	if msg.ConversationID != "c1" || msg.MessageID != "42" || msg.TempID != "t-1" {
		t.Errorf("ids = %+v", msg)
	}
	if len(msg.Media) != 2 || msg.Media[0].Kind != "image" || msg.Media[1].URL != "https://cdn/y.png" {
		t.Errorf("media = %+v", msg.Media)
	}
}

func TestDecodeEventDefaults(t *testing.T) {
	evt, err := DecodeEvent(EventTyping, json.RawMessage(`{"isTyping":"yes"}`))
	if err != nil {
		t.Fatal(err)
	}
	typing := evt.(*TypingSignal)
	if !typing.IsTyping || typing.ConversationID != "" {
		t.Errorf("typing = %+v", typing)
	}

	evt, err = DecodeEvent(EventGroupInfoUpdated, json.RawMessage(`{"conversationId":"g","name":"Team","avatar":null}`))
	if err != nil {
		t.Fatal(err)
	}
	info := evt.(*GroupInfoUpdated)
	if info.Name == nil || *info.Name != "Team" || info.Avatar != nil {
		t.Errorf("info = %+v", info)
	}
}

func TestDecodeEventErrors(t *testing.T) {
	if _, err := DecodeEvent("Unknown", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown event should fail")
	}
	if _, err := DecodeEvent(EventMemberSeen, json.RawMessage(`[1]`)); err == nil {
		t.Error("non-object payload should fail")
	}
	if _, err := DecodeEvent(EventMemberSeen, json.RawMessage(`{`)); err == nil {
		t.Error("invalid payload should fail")
	}
}

func TestValidateConversationID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"9b2f6c1e-3d7a-4c55-8f0e-2a1b3c4d5e6f", false},
		{"general_chat-2", false},
		{"", true},
		{"has space", true},
		{"../etc", true},
		{strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		err := ValidateConversationID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateConversationID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidConversationID) {
			t.Errorf("error %v does not wrap ErrInvalidConversationID", err)
		}
	}
}
