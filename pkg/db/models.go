package db

import "time"

// AppUser is the application-level profile a login resolves to.
type AppUser struct {
	ID          int64     `json:"id" gorm:"primaryKey"`
	ProfileName string    `json:"profile_name" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
}

func (AppUser) TableName() string {
	return "app_users"
}

// Follower is one directed follow edge.
type Follower struct {
	ID              int64     `json:"id" gorm:"primaryKey"`
	FollowingUserID int64     `json:"following_user_id" gorm:"not null;uniqueIndex:idx_follow_edge"`
	FollowedUserID  int64     `json:"followed_user_id" gorm:"not null;uniqueIndex:idx_follow_edge"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Follower) TableName() string {
	return "followers"
}

type Conversation struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Participant links an AppUser to a Conversation.
type Participant struct {
	ConversationID int64 `json:"conversation_id" gorm:"primaryKey"`
	AppUserID      int64 `json:"app_user_id" gorm:"primaryKey"`
}

func (Participant) TableName() string {
	return "conversation_participants"
}

// Message is immutable once created. AuthorName is resolved from the author's
// profile and is not a column.
type Message struct {
	ID             int64     `json:"id" gorm:"primaryKey"`
	ConversationID int64     `json:"conversation_id" gorm:"not null;index:idx_messages_conversation_created,priority:1"`
	AuthorID       int64     `json:"author_id" gorm:"not null"`
	AuthorName     string    `json:"author_name" gorm:"-"`
	Content        string    `json:"content" gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_datetime" gorm:"index:idx_messages_conversation_created,priority:2"`

	Author *AppUser `json:"-" gorm:"foreignKey:AuthorID"`
}

func (Message) TableName() string {
	return "messages"
}
