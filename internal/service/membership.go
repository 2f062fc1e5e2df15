package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"roomchat/internal/metrics"
	"roomchat/internal/models"
	"roomchat/internal/store"

	"github.com/rs/zerolog/log"
)

// OnlineCounter reports how many live connections a room has.
type OnlineCounter interface {
	Online(roomID uint) int
}

// MembershipService runs the room membership lifecycle: creation, join,
// leave, revival and the history window that follows from it.
type MembershipService struct {
	store  *store.Store
	online OnlineCounter
	opts   options
}

func NewMembershipService(st *store.Store, online OnlineCounter, opts ...Option) *MembershipService {
	return &MembershipService{store: st, online: online, opts: buildOptions(opts)}
}

type MemberDTO struct {
	UserID   uint      `json:"userId"`
	Username string    `json:"username"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomView is what a client needs to render a room it just created or opened.
type RoomView struct {
	ChatRoomID   uint         `json:"chatRoomId"`
	ChatRoomName string       `json:"chatRoomName"`
	Members      []MemberDTO  `json:"members"`
	Messages     []MessageDTO `json:"messages"`
	JoinAt       time.Time    `json:"joinAt"`
}

type LeaveResult struct {
	ChatRoomID uint        `json:"chatRoomId"`
	Username   string      `json:"username"`
	LeftAt     time.Time   `json:"leftAt"`
	Members    []MemberDTO `json:"members"`
	Deleted    bool        `json:"deleted"`
}

func (s *MembershipService) resolveUser(ctx context.Context, st *store.Store, username string) (*models.User, error) {
	if username == "" {
		return nil, invalid("username is required")
	}
	u, err := st.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("user %q", username)
	}
	if err != nil {
		return nil, storeErr("resolve user", err)
	}
	return u, nil
}

func (s *MembershipService) room(ctx context.Context, st *store.Store, roomID uint) (*models.Room, error) {
	r, err := st.Room(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("room %d", roomID)
	}
	if err != nil {
		return nil, storeErr("load room", err)
	}
	return r, nil
}

func (s *MembershipService) lockRoom(ctx context.Context, tx *store.Store, roomID uint) (*models.Room, error) {
	r, err := tx.LockRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("room %d", roomID)
	}
	if err != nil {
		return nil, storeErr("lock room", err)
	}
	return r, nil
}

func (s *MembershipService) members(ctx context.Context, st *store.Store, roomID uint) ([]MemberDTO, error) {
	rows, err := st.ActiveMembers(ctx, roomID)
	if err != nil {
		return nil, storeErr("active members", err)
	}
	out := make([]MemberDTO, 0, len(rows))
	for _, r := range rows {
		name := r.DisplayName
		if name == "" {
			name = r.Username
		}
		out = append(out, MemberDTO{UserID: r.UserID, Username: r.Username, Name: name, JoinedAt: r.JoinedAt})
	}
	return out, nil
}

// CreateOneToOne opens a new one-to-one room between creator and friend.
func (s *MembershipService) CreateOneToOne(ctx context.Context, creator, friend string) (*RoomView, error) {
	if creator == "" || friend == "" {
		return nil, invalid("username and friendUsername are required")
	}
	cu, err := s.resolveUser(ctx, s.store, creator)
	if err != nil {
		return nil, err
	}
	fu, err := s.resolveUser(ctx, s.store, friend)
	if err != nil {
		return nil, err
	}
	if cu.ID == fu.ID {
		return nil, invalid("cannot open a one-to-one room with yourself")
	}

	now := s.opts.clock()
	room := &models.Room{Name: cu.Name() + "_" + fu.Name(), Kind: models.RoomOneToOne, CreatedAt: now}
	err = s.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.CreateRoom(ctx, room); err != nil {
			return err
		}
		if err := tx.InsertMembership(ctx, room.ID, cu.ID, now); err != nil {
			return err
		}
		return tx.InsertMembership(ctx, room.ID, fu.ID, now)
	})
	if err != nil {
		return nil, storeErr("create one-to-one room", err)
	}
	log.Info().Uint("room_id", room.ID).Str("creator", creator).Str("friend", friend).Msg("one-to-one room created")
	return s.freshView(ctx, room, now)
}

// CreateGroup opens a group room with the creator and the listed members.
// Every username must resolve; the room and all memberships are written in one
// transaction, so a failure leaves nothing behind.
func (s *MembershipService) CreateGroup(ctx context.Context, creator, name string, memberUsernames []string) (*RoomView, error) {
	name = strings.TrimSpace(name)
	if creator == "" || name == "" {
		return nil, invalid("username and chatRoomName are required")
	}
	cu, err := s.resolveUser(ctx, s.store, creator)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(memberUsernames))
	for _, m := range memberUsernames {
		u, err := s.resolveUser(ctx, s.store, m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, u.ID)
	}

	now := s.opts.clock()
	room := &models.Room{Name: name, Kind: models.RoomGroup, CreatedAt: now}
	err = s.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.CreateRoom(ctx, room); err != nil {
			return err
		}
		if err := tx.InsertMembership(ctx, room.ID, cu.ID, now); err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.InsertMembership(ctx, room.ID, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("create group room", err)
	}
	log.Info().Uint("room_id", room.ID).Str("creator", creator).Int("invited", len(ids)).Msg("group room created")
	return s.freshView(ctx, room, now)
}

func (s *MembershipService) freshView(ctx context.Context, room *models.Room, joinAt time.Time) (*RoomView, error) {
	members, err := s.members(ctx, s.store, room.ID)
	if err != nil {
		return nil, err
	}
	return &RoomView{
		ChatRoomID:   room.ID,
		ChatRoomName: room.Name,
		Members:      members,
		Messages:     []MessageDTO{},
		JoinAt:       joinAt,
	}, nil
}

// Join re-enters an existing room without changing any membership.
func (s *MembershipService) Join(ctx context.Context, roomID uint, username string) (*RoomView, error) {
	if roomID == 0 || username == "" {
		return nil, invalid("chatRoomId and username are required")
	}
	room, err := s.room(ctx, s.store, roomID)
	if err != nil {
		return nil, err
	}
	u, err := s.resolveUser(ctx, s.store, username)
	if err != nil {
		return nil, err
	}
	members, err := s.members(ctx, s.store, roomID)
	if err != nil {
		return nil, err
	}
	history, m, err := s.history(ctx, s.store, roomID, u.ID)
	if err != nil {
		return nil, err
	}
	joinAt := s.opts.clock()
	if m != nil {
		joinAt = m.JoinedAt
	}
	return &RoomView{
		ChatRoomID:   room.ID,
		ChatRoomName: room.Name,
		Members:      members,
		Messages:     history,
		JoinAt:       joinAt,
	}, nil
}

// ReviveIfNeeded brings a one-to-one member back: a tombstone becomes active
// again with joined_at reset to now, a missing row is inserted. Group rooms and
// already-active members are left alone. It reports whether anything changed.
func (s *MembershipService) ReviveIfNeeded(ctx context.Context, roomID, userID uint) (bool, error) {
	room, err := s.room(ctx, s.store, roomID)
	if err != nil {
		return false, err
	}
	if !PolicyFor(room.Kind).Revives() {
		return false, nil
	}
	var revived bool
	err = s.store.Tx(ctx, func(tx *store.Store) error {
		var err error
		revived, err = s.revive(ctx, tx, roomID, userID, s.opts.clock())
		return err
	})
	if err != nil {
		return false, storeErr("revive membership", err)
	}
	if revived {
		metrics.RevivalsTotal.Inc()
	}
	return revived, nil
}

func (s *MembershipService) revive(ctx context.Context, tx *store.Store, roomID, userID uint, at time.Time) (bool, error) {
	m, err := tx.Membership(ctx, roomID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return true, tx.InsertMembership(ctx, roomID, userID, at)
	}
	if err != nil {
		return false, err
	}
	if m.Active() {
		return false, nil
	}
	return tx.Revive(ctx, roomID, userID, at)
}

// Leave removes the caller from the room following the room kind's policy.
// When no active member remains, the room, its memberships and its messages
// are deleted in the same transaction.
func (s *MembershipService) Leave(ctx context.Context, roomID uint, username string) (*LeaveResult, error) {
	if roomID == 0 || username == "" {
		return nil, invalid("chatRoomId and username are required")
	}
	u, err := s.resolveUser(ctx, s.store, username)
	if err != nil {
		return nil, err
	}
	now := s.opts.clock()

	var policy MembershipPolicy
	res := &LeaveResult{ChatRoomID: roomID, Username: username, LeftAt: now, Members: []MemberDTO{}}
	err = s.store.Tx(ctx, func(tx *store.Store) error {
		// Concurrent leaves must see each other's departures before counting.
		room, err := s.lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		policy = PolicyFor(room.Kind)
		if err := policy.Depart(ctx, tx, roomID, u.ID, now); err != nil {
			return err
		}
		remaining, err := tx.CountActive(ctx, roomID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			res.Deleted = true
			return tx.DeleteRoomCascade(ctx, roomID)
		}
		res.Members, err = s.members(ctx, tx, roomID)
		return err
	})
	if err != nil {
		return nil, storeErr("leave room", err)
	}
	log.Info().Uint("room_id", roomID).Uint("user_id", u.ID).Str("policy", policy.String()).Bool("deleted", res.Deleted).Msg("left room")
	if res.Deleted {
		metrics.RoomsDeletedTotal.Inc()
	}
	return res, nil
}
