package domain

import "time"

// MediaKind classifies a binary attachment on an inbound message.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
)

// Attachment is a downloaded media payload forwarded to the provider.
type Attachment struct {
	Kind     MediaKind
	MIMEType string
	Data     []byte
}

type InboundMessage struct {
	Channel     string
	ChatID      string
	SenderID    string
	Content     string
	Attachments []Attachment
	// MissingMedia is set when the sender attached media the channel could
	// not fetch (too large, download failed).
	MissingMedia MediaKind
	Timestamp    time.Time
}

// UserKey returns the history key for the message sender.
func (m InboundMessage) UserKey() string {
	return UserKey(m.Channel, m.SenderID)
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | markdown | html
}
