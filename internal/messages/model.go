package messages

import (
	"time"
)

// Kind is the closed set of message payload variants.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// ParseKind validates a raw kind value.
func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case KindText, KindImage, KindFile:
		return Kind(raw), true
	default:
		return "", false
	}
}

// Status tracks per-message delivery progression.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// AttachmentRef points at an uploaded blob referenced by an image or file
// message. FileName is already sanitized by the attachment pipeline.
type AttachmentRef struct {
	URL      string
	FileName string
	Size     int64
}

// IsZero reports whether no attachment is referenced.
func (r AttachmentRef) IsZero() bool {
	return r.URL == ""
}

// ReplyRef references an earlier message, carrying a denormalized snippet so
// renderers never need a second lookup.
type ReplyRef struct {
	MessageID string
	Snippet   string
}

// Message models one entry of the append-only per-conversation log. Rows are
// immutable once written except for the delivery status and soft-delete flag.
type Message struct {
	MessageID        string    `gorm:"column:message_id;primaryKey;size:190;not null"`
	ConversationID   string    `gorm:"column:conversation_id;size:190;not null;uniqueIndex:idx_messages_conversation_sequence,priority:1"`
	SenderID         string    `gorm:"column:sender_id;size:190;not null"`
	Content          string    `gorm:"column:content;size:4096"`
	Kind             Kind      `gorm:"column:kind;size:16;not null"`
	AttachmentURL    string    `gorm:"column:attachment_url;size:512"`
	AttachmentName   string    `gorm:"column:attachment_name;size:255"`
	AttachmentSize   int64     `gorm:"column:attachment_size;not null;default:0"`
	Status           Status    `gorm:"column:status;size:16;not null;default:'sent'"`
	Sequence         int64     `gorm:"column:sequence;not null;uniqueIndex:idx_messages_conversation_sequence,priority:2"`
	SentAt           time.Time `gorm:"column:sent_at;not null"`
	IsDeleted        bool      `gorm:"column:is_deleted;not null;default:false"`
	ReplyToMessageID string    `gorm:"column:reply_to_message_id;size:190"`
	ReplyToSnippet   string    `gorm:"column:reply_to_snippet;size:160"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Attachment returns the attachment reference stored on the row.
func (m Message) Attachment() AttachmentRef {
	return AttachmentRef{URL: m.AttachmentURL, FileName: m.AttachmentName, Size: m.AttachmentSize}
}

// EventKind distinguishes the change events on a conversation subscription.
type EventKind string

const (
	EventKindCreated EventKind = "created"
	EventKindDeleted EventKind = "deleted"
	EventKindUpdated EventKind = "updated"
)

// Event is one entry of the per-conversation change stream.
type Event struct {
	Kind    EventKind
	Message Message
}

// SummaryText renders the denormalized conversation summary for a message,
// matching what recipients see in the conversation list.
func SummaryText(m Message) string {
	switch m.Kind {
	case KindImage:
		return "📷 Image"
	case KindFile:
		if m.AttachmentName != "" {
			return m.AttachmentName
		}
		return "📎 File"
	default:
		return m.Content
	}
}
