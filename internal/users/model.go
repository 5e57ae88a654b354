package users

import "time"

const defaultBio = "Hey there! I am using ChatApp."

// User models a chat participant profile. Rows are created on first
// authentication and never hard-deleted.
type User struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;index:idx_users_display_name"`
	Email       string    `gorm:"column:email;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	Bio         string    `gorm:"column:bio;size:512"`
	Phone       string    `gorm:"column:phone;size:32"`
	IsOnline    bool      `gorm:"column:is_online;not null;default:false"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Profile captures the caller supplied fields of a user record.
type Profile struct {
	DisplayName string
	Email       string
	AvatarURL   string
	Bio         string
	Phone       string
}
