// Package store is the relational Room Store: users, rooms, memberships and
// messages behind simple transactional CRUD calls.
package store

import (
	"context"
	"errors"
	"time"

	"roomchat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Tx runs fn inside one transaction. The Store handed to fn is bound to the
// transaction; fn must use it instead of the outer Store.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// MemberRow is an active membership joined with its user.
type MemberRow struct {
	UserID      uint
	Username    string
	DisplayName string
	JoinedAt    time.Time
}

// MessageRow is a message joined with its sender's username.
type MessageRow struct {
	ID             uint
	RoomID         uint
	SenderID       uint
	SenderUsername string
	Contents       string
	CreatedAt      time.Time
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	return s.conn(ctx).Create(u).Error
}

func (s *Store) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var count int64
	err := s.conn(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error
	return count > 0, err
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := s.conn(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := s.conn(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateRoom inserts the room and fills in its generated id.
func (s *Store) CreateRoom(ctx context.Context, r *models.Room) error {
	return s.conn(ctx).Create(r).Error
}

func (s *Store) Room(ctx context.Context, id uint) (*models.Room, error) {
	var r models.Room
	if err := s.conn(ctx).First(&r, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// LockRoom reads the room row with FOR UPDATE so that leaves, cascades and
// sends on the same room serialize. Call it first inside Tx. SQLite has no row
// locks; its writers are already serialized by the single connection.
func (s *Store) LockRoom(ctx context.Context, id uint) (*models.Room, error) {
	q := s.conn(ctx)
	if q.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r models.Room
	if err := q.First(&r, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// RoomsForUser lists the rooms where the user is an active member, newest first.
func (s *Store) RoomsForUser(ctx context.Context, userID uint) ([]models.Room, error) {
	var rooms []models.Room
	err := s.conn(ctx).
		Joins("JOIN memberships ON memberships.room_id = rooms.id").
		Where("memberships.user_id = ? AND memberships.left_at IS NULL", userID).
		Order("rooms.created_at DESC, rooms.id DESC").
		Find(&rooms).Error
	return rooms, err
}

// DeleteRoomCascade removes memberships, then messages, then the room row.
// Callers run it inside Tx so a partial failure rolls everything back.
func (s *Store) DeleteRoomCascade(ctx context.Context, roomID uint) error {
	db := s.conn(ctx)
	if err := db.Where("room_id = ?", roomID).Delete(&models.Membership{}).Error; err != nil {
		return err
	}
	if err := db.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
		return err
	}
	return db.Delete(&models.Room{}, roomID).Error
}

// InsertMembership adds an active membership; an existing row for the same
// (room, user) pair is left as it is.
func (s *Store) InsertMembership(ctx context.Context, roomID, userID uint, at time.Time) error {
	m := models.Membership{RoomID: roomID, UserID: userID, JoinedAt: at}
	return s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

func (s *Store) Membership(ctx context.Context, roomID, userID uint) (*models.Membership, error) {
	var m models.Membership
	err := s.conn(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// Memberships returns every row of the room, tombstones included.
func (s *Store) Memberships(ctx context.Context, roomID uint) ([]models.Membership, error) {
	var out []models.Membership
	err := s.conn(ctx).Where("room_id = ?", roomID).Order("id ASC").Find(&out).Error
	return out, err
}

// Tombstone marks the active row as left. Already-left rows are untouched.
func (s *Store) Tombstone(ctx context.Context, roomID, userID uint, at time.Time) error {
	return s.conn(ctx).Model(&models.Membership{}).
		Where("room_id = ? AND user_id = ? AND left_at IS NULL", roomID, userID).
		Update("left_at", at).Error
}

// Revive clears a tombstone and restarts the membership at the given time.
// It reports whether a tombstone was found.
func (s *Store) Revive(ctx context.Context, roomID, userID uint, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&models.Membership{}).
		Where("room_id = ? AND user_id = ? AND left_at IS NOT NULL", roomID, userID).
		Updates(map[string]any{"left_at": nil, "joined_at": at})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) DeleteMembership(ctx context.Context, roomID, userID uint) error {
	return s.conn(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&models.Membership{}).Error
}

func (s *Store) CountActive(ctx context.Context, roomID uint) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&models.Membership{}).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Count(&n).Error
	return n, err
}

func (s *Store) ActiveMembers(ctx context.Context, roomID uint) ([]MemberRow, error) {
	var out []MemberRow
	err := s.conn(ctx).Table("memberships").
		Select("users.id AS user_id, users.username, users.display_name, memberships.joined_at").
		Joins("JOIN users ON users.id = memberships.user_id").
		Where("memberships.room_id = ? AND memberships.left_at IS NULL", roomID).
		Order("memberships.joined_at ASC, memberships.id ASC").
		Scan(&out).Error
	return out, err
}

// InsertMessage persists the message and fills in its generated id.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	return s.conn(ctx).Create(m).Error
}

// MessagesSince returns the room's messages created at or after since, oldest first.
func (s *Store) MessagesSince(ctx context.Context, roomID uint, since time.Time) ([]MessageRow, error) {
	var out []MessageRow
	err := s.conn(ctx).Table("messages").
		Select("messages.id, messages.room_id, messages.sender_id, users.username AS sender_username, messages.contents, messages.created_at").
		Joins("LEFT JOIN users ON users.id = messages.sender_id").
		Where("messages.room_id = ? AND messages.created_at >= ?", roomID, since).
		Order("messages.created_at ASC, messages.id ASC").
		Scan(&out).Error
	return out, err
}

func (s *Store) SaveRefreshToken(ctx context.Context, userID uint, token string, expiresAt time.Time) error {
	rt := models.RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt}
	return s.conn(ctx).Create(&rt).Error
}

// ValidRefreshToken returns the token row if it is neither revoked nor expired.
func (s *Store) ValidRefreshToken(ctx context.Context, token string, now time.Time) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	err := s.conn(ctx).Where("token = ? AND revoked_at IS NULL AND expires_at > ?", token, now).First(&rt).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rt, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, token string, at time.Time) error {
	return s.conn(ctx).Model(&models.RefreshToken{}).Where("token = ?", token).Update("revoked_at", at).Error
}
