// Package robot models the DingTalk robot message payload delivered over
// the stream channel.
package robot

import (
	"encoding/json"
	"fmt"
	"time"
)

// Conversation types carried in the payload.
const (
	ConversationDirect = "1"
	ConversationGroup  = "2"
)

// Message is the business payload of one inbound robot delivery.
type Message struct {
	MsgID             string `json:"msgId"`
	MsgType           string `json:"msgtype"`
	ConversationType  string `json:"conversationType"`
	ConversationID    string `json:"conversationId"`
	ConversationTitle string `json:"conversationTitle"`
	SenderID          string `json:"senderId"`
	SenderNick        string `json:"senderNick"`
	ChatbotUserID     string `json:"chatbotUserId"`
	SessionWebhook    string `json:"sessionWebhook"`
	CreateAt          int64  `json:"createAt"` // milliseconds since epoch

	Text struct {
		Content string `json:"content"`
	} `json:"text"`

	Content struct {
		DownloadCode string `json:"downloadCode"`
		FileName     string `json:"fileName"`
		Recognition  string `json:"recognition"`
		RichText     []struct {
			Text         string `json:"text"`
			DownloadCode string `json:"downloadCode"`
		} `json:"richText"`
	} `json:"content"`
}

// Parse decodes a stream callback payload into a Message.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("robot: parse payload: %w", err)
	}
	if m.MsgID == "" {
		return nil, fmt.Errorf("robot: payload missing msgId")
	}
	return &m, nil
}

// IsGroup reports whether the message came from a multi-party conversation.
func (m *Message) IsGroup() bool {
	return m.ConversationType == ConversationGroup
}

// CreatedAt converts the millisecond creation stamp to a time.Time.
func (m *Message) CreatedAt() time.Time {
	if m.CreateAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.CreateAt)
}

// DedupKey derives the deduplication key for this message, scoped by the
// robot (falling back to the client ID when no robot code is configured).
func (m *Message) DedupKey(robotCode, clientID string) string {
	scope := robotCode
	if scope == "" {
		scope = clientID
	}
	return scope + ":" + m.MsgID
}
