package polls

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxTextLength       = 200
	maxIdentifierLength = 190
)

var (
	// ErrInvalidText indicates a question or choice text is empty or exceeds storage bounds.
	ErrInvalidText = errors.New("polls: invalid text")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("polls: invalid user id")
	// ErrInvalidWindow indicates an end date earlier than the publish date.
	ErrInvalidWindow = errors.New("polls: end date precedes publish date")
)

// Text represents validated question or choice wording.
type Text string

// NewText validates raw input and returns a Text.
func NewText(rawInput string) (Text, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidText)
	}
	if len(trimmed) > maxTextLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidText, maxTextLength)
	}
	return Text(trimmed), nil
}

// String returns the underlying wording.
func (t Text) String() string {
	return string(t)
}

// UserID represents a validated opaque voter identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Question models a poll topic with its publication and voting window.
type Question struct {
	ID        uint       `gorm:"column:id;primaryKey"`
	Text      string     `gorm:"column:text;size:200;not null"`
	PubDate   time.Time  `gorm:"column:pub_date;not null;index:idx_questions_pub_date"`
	EndDate   *time.Time `gorm:"column:end_date"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Question) TableName() string {
	return "questions"
}

// Choice models one selectable option under a question. Votes is a
// denormalized counter kept in lock-step with the vote ledger.
type Choice struct {
	ID         uint      `gorm:"column:id;primaryKey"`
	QuestionID uint      `gorm:"column:question_id;not null;index:idx_choices_question"`
	Text       string    `gorm:"column:text;size:200;not null"`
	Votes      int64     `gorm:"column:votes;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Choice) TableName() string {
	return "choices"
}

// Vote is the ledger entry binding one user to one choice for one question.
// The unique (question_id, user_id) index is the backstop against concurrent
// first votes inserting duplicate rows.
type Vote struct {
	ID         uint      `gorm:"column:id;primaryKey"`
	QuestionID uint      `gorm:"column:question_id;not null;uniqueIndex:idx_votes_question_user,priority:1"`
	ChoiceID   uint      `gorm:"column:choice_id;not null;index:idx_votes_choice"`
	UserID     string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_votes_question_user,priority:2"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// QuestionDetail bundles a question with its choices in creation order.
type QuestionDetail struct {
	Question Question
	Choices  []Choice
}
