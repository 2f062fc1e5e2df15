package models

import "time"

// RoomKind decides how a room treats departing members.
type RoomKind string

const (
	RoomOneToOne RoomKind = "ONE_TO_ONE"
	RoomGroup    RoomKind = "GROUP"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	DisplayName  string `gorm:"size:128"`
	PasswordHash string `gorm:"not null"`
	Online       bool   `gorm:"not null;default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Name returns the display name, or the username when none was set.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

type Room struct {
	ID        uint     `gorm:"primaryKey"`
	Name      string   `gorm:"size:256;not null"`
	Kind      RoomKind `gorm:"size:16;not null"`
	CreatedAt time.Time
}

// Membership is one user's presence in a room. A nil LeftAt means the member is
// active; a set LeftAt is a tombstone kept for one-to-one rooms only.
type Membership struct {
	ID       uint      `gorm:"primaryKey"`
	RoomID   uint      `gorm:"uniqueIndex:idx_member_room_user;not null"`
	UserID   uint      `gorm:"uniqueIndex:idx_member_room_user;index;not null"`
	JoinedAt time.Time `gorm:"not null"`
	LeftAt   *time.Time
}

func (m Membership) Active() bool { return m.LeftAt == nil }

type Message struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    uint      `gorm:"index:idx_msg_room_created,priority:1;not null"`
	SenderID  uint      `gorm:"index;not null"`
	Contents  string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_msg_room_created,priority:2;not null"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
