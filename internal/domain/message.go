package domain

import "time"

// Chat type labels used on the wire and in the archive.
const (
	ChatTypeGroup   = "group"
	ChatTypePrivate = "private"
)

// ChatTypeFor maps the group flag to its wire label.
func ChatTypeFor(isGroup bool) string {
	if isGroup {
		return ChatTypeGroup
	}
	return ChatTypePrivate
}

// Message is one inbound chat message as delivered by the client library.
type Message struct {
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	ChatName  string    `json:"chatName"`
	ChatType  string    `json:"chatType"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"fromMe"`
	HasMedia  bool      `json:"hasMedia"`
}

// Preview returns a short form of the message body suitable for chat
// directory previews.
func (m Message) Preview() string {
	const max = 120
	runes := []rune(m.Content)
	if len(runes) <= max {
		return m.Content
	}
	return string(runes[:max]) + "…"
}
