package robot

import (
	"testing"
	"time"
)

func TestParse_RequiresMsgID(t *testing.T) {
	if _, err := Parse([]byte(`{"msgtype":"text"}`)); err == nil {
		t.Fatal("payload without msgId accepted")
	}
	if _, err := Parse([]byte(`{"msgId":`)); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}

func TestParse_FullPayload(t *testing.T) {
	m, err := Parse([]byte(`{
		"msgId": "msg_1",
		"msgtype": "text",
		"conversationType": "2",
		"conversationId": "cid_g",
		"conversationTitle": "Ops",
		"senderId": "user_1",
		"senderNick": "Alice",
		"chatbotUserId": "bot_1",
		"sessionWebhook": "https://webhook",
		"createAt": 1767225600000,
		"text": {"content": "hello"}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsGroup() {
		t.Error("conversationType 2 not reported as group")
	}
	if m.Text.Content != "hello" || m.SenderNick != "Alice" {
		t.Errorf("fields = %+v", m)
	}
	want := time.UnixMilli(1767225600000)
	if !m.CreatedAt().Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", m.CreatedAt(), want)
	}
}

func TestCreatedAt_ZeroStamp(t *testing.T) {
	m := &Message{}
	if !m.CreatedAt().IsZero() {
		t.Errorf("zero createAt produced %v", m.CreatedAt())
	}
}

func TestDedupKey_RobotCodeScopesKey(t *testing.T) {
	m := &Message{MsgID: "msg_1"}
	if got := m.DedupKey("robot_1", "client_1"); got != "robot_1:msg_1" {
		t.Errorf("key = %q", got)
	}
	// Without a robot code the client ID scopes the key.
	if got := m.DedupKey("", "client_1"); got != "client_1:msg_1" {
		t.Errorf("fallback key = %q", got)
	}
}
