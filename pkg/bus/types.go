package bus

// SystemSender marks messages synthesized by digiclaw itself rather than a
// human on a transport.
const SystemSender = "system"

// MetaProgress flags outbound messages that carry intermediate progress.
const MetaProgress = "_progress"

type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Key returns the session key for the message: the explicit override when
// set, otherwise "channel:chat_id".
func (m InboundMessage) Key() string {
	if m.SessionKey != "" {
		return m.SessionKey
	}
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsProgress reports whether the message is an intermediate progress update.
func (m OutboundMessage) IsProgress() bool {
	return m.Metadata[MetaProgress] == "true"
}
