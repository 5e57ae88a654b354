package conversations

import "time"

// Conversation models a durable 1:1 channel between two users. The
// participant pair is stored sorted so that one unordered pair can only ever
// map to one row; the composite unique index enforces that under races.
type Conversation struct {
	ConversationID  string    `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	ParticipantLow  string    `gorm:"column:participant_low;size:190;not null;uniqueIndex:idx_conversations_pair,priority:1;index:idx_conversations_low_activity,priority:1"`
	ParticipantHigh string    `gorm:"column:participant_high;size:190;not null;uniqueIndex:idx_conversations_pair,priority:2;index:idx_conversations_high_activity,priority:1"`
	LastMessageText string    `gorm:"column:last_message_text;size:512;not null;default:''"`
	LastMessageAt   time.Time `gorm:"column:last_message_at;index:idx_conversations_low_activity,priority:2;index:idx_conversations_high_activity,priority:2"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// Participants returns both participant identifiers.
func (c Conversation) Participants() [2]string {
	return [2]string{c.ParticipantLow, c.ParticipantHigh}
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return c.ParticipantLow == userID || c.ParticipantHigh == userID
}

// PeerOf returns the other participant for the provided user id.
func (c Conversation) PeerOf(userID string) string {
	if c.ParticipantLow == userID {
		return c.ParticipantHigh
	}
	return c.ParticipantLow
}

// Event is the change notification fanned out to per-user index
// subscriptions whenever a conversation is created or its summary refreshed.
type Event struct {
	Conversation Conversation
}
