package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Repository answers the directory, follow-graph, membership and message
// queries of the realtime gateways.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// UserExists reports whether an AppUser with id exists.
func (r *Repository) UserExists(ctx context.Context, id int64) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&AppUser{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up user %d: %w", id, err)
	}
	return count > 0, nil
}

// IsFollowing reports whether the directed edge follower -> followed exists.
func (r *Repository) IsFollowing(ctx context.Context, follower, followed int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Follower{}).
		Where("following_user_id = ? AND followed_user_id = ?", follower, followed).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check follow %d->%d: %w", follower, followed, err)
	}
	return count > 0, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND app_user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership of %d in %d: %w", userID, conversationID, err)
	}
	return count > 0, nil
}

// GetRecentMessages returns the last limit messages of a conversation,
// oldest first.
func (r *Repository) GetRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	var messages []Message
	err := r.db.WithContext(ctx).
		Preload("Author").
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages for conversation %d: %w", conversationID, err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	for i := range messages {
		messages[i].fillAuthorName()
	}
	return messages, nil
}

// CreateMessage inserts a message and returns it with id, timestamp and
// author name populated.
func (r *Repository) CreateMessage(ctx context.Context, conversationID, authorID int64, content string) (*Message, error) {
	msg := &Message{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to create message in conversation %d: %w", conversationID, err)
	}

	var author AppUser
	err := r.db.WithContext(ctx).First(&author, authorID).Error
	switch {
	case err == nil:
		msg.Author = &author
		msg.fillAuthorName()
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("failed to load author %d: %w", authorID, err)
	}
	return msg, nil
}

func (m *Message) fillAuthorName() {
	if m.Author != nil {
		m.AuthorName = m.Author.ProfileName
	}
}
