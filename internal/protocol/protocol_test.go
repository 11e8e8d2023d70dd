package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantAction string
		wantErr    bool
	}{
		{"new message", `{"action":"new_message","message":{"id":1}}`, ActionNewMessage, false},
		{"status", `{"action":"status_update","user_code":"U2","status":"online"}`, ActionStatusUpdate, false},
		{"missing action", `{"message":{}}`, "", true},
		{"empty action", `{"action":""}`, "", true},
		{"not json", `hello`, "", true},
		{"array", `[1,2]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Parse([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if evt.Action != tt.wantAction {
				t.Errorf("action = %q, want %q", evt.Action, tt.wantAction)
			}
		})
	}
}

func TestParseMissingActionSentinel(t *testing.T) {
	_, err := Parse([]byte(`{"user_code":"U1"}`))
	if !errors.Is(err, ErrMissingAction) {
		t.Errorf("error = %v, want ErrMissingAction", err)
	}
}

func TestDecodeMessageEventWithNumericIDs(t *testing.T) {
	evt, err := Parse([]byte(`{"action":"message_sent","message":{"id":42,"conversation_id":"7","sender_id":3,"content":"hi","timestamp":"2024-05-01T10:00:00.123456Z","is_read":false,"client_msg_id":"n-1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var m MessageEvent
	if err := evt.Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Message.ID != "42" || m.Message.ConversationID != "7" || m.Message.SenderID != "3" {
		t.Errorf("ids = %q/%q/%q, want 42/7/3", m.Message.ID, m.Message.ConversationID, m.Message.SenderID)
	}
	if m.Message.ClientMsgID != "n-1" {
		t.Errorf("client_msg_id = %q, want n-1", m.Message.ClientMsgID)
	}
	if m.Message.Timestamp.IsZero() {
		t.Error("timestamp not decoded")
	}
}

func TestIDNull(t *testing.T) {
	var v struct {
		ReplyTo ID `json:"reply_to_id"`
	}
	if err := json.Unmarshal([]byte(`{"reply_to_id":null}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.ReplyTo != "" {
		t.Errorf("reply_to_id = %q, want empty", v.ReplyTo)
	}
}

func TestEncodeInjectsAction(t *testing.T) {
	data, err := Encode(ActionGetStatus, GetStatusFrame{UserCode: "U2"})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["action"] != ActionGetStatus || got["user_code"] != "U2" {
		t.Errorf("frame = %v", got)
	}
}

func TestEncodeSendMessageNullables(t *testing.T) {
	data, err := Encode(ActionSendMessage, SendMessageFrame{Conversation: "7", Content: "hi", Type: TypeText})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if v, ok := got["file"]; !ok || v != nil {
		t.Errorf("file = %v (present=%v), want null", v, ok)
	}
	if v, ok := got["reply_to_id"]; !ok || v != nil {
		t.Errorf("reply_to_id = %v (present=%v), want null", v, ok)
	}
	if _, ok := got["client_msg_id"]; ok {
		t.Error("client_msg_id should be omitted when empty")
	}
}

func TestEncodeRejectsNonObject(t *testing.T) {
	if _, err := Encode(ActionSubscribe, []string{"a"}); err == nil {
		t.Error("Encode() with array payload should fail")
	}
	if _, err := Encode("", nil); !errors.Is(err, ErrMissingAction) {
		t.Errorf("Encode(\"\") error = %v, want ErrMissingAction", err)
	}
	data, err := Encode(ActionSubscribe, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"action":"subscribe"}` {
		t.Errorf("frame = %s", data)
	}
}

func TestStatusEventIsOnline(t *testing.T) {
	if !(StatusEvent{Status: "online"}).IsOnline() {
		t.Error("online should be online")
	}
	if (StatusEvent{Status: "offline"}).IsOnline() {
		t.Error("offline should not be online")
	}
}
