package service

import (
	"context"
	"time"

	"roomchat/internal/models"
)

// RoomInfo is one entry of a user's room list.
type RoomInfo struct {
	RoomID    uint            `json:"roomId"`
	RoomName  string          `json:"roomName"`
	Kind      models.RoomKind `json:"kind"`
	CreatedAt time.Time       `json:"createdAt"`
	Online    int             `json:"online"`
}

// Rooms lists the rooms where the user is an active member, newest first,
// with the number of live connections in each.
func (s *MembershipService) Rooms(ctx context.Context, username string) ([]RoomInfo, error) {
	u, err := s.resolveUser(ctx, s.store, username)
	if err != nil {
		return nil, err
	}
	rooms, err := s.store.RoomsForUser(ctx, u.ID)
	if err != nil {
		return nil, storeErr("list rooms", err)
	}
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		info := RoomInfo{RoomID: r.ID, RoomName: r.Name, Kind: r.Kind, CreatedAt: r.CreatedAt}
		if s.online != nil {
			info.Online = s.online.Online(r.ID)
		}
		out = append(out, info)
	}
	return out, nil
}

// RoomExists returns ErrNotFound when the room is unknown.
func (s *MembershipService) RoomExists(ctx context.Context, roomID uint) error {
	_, err := s.room(ctx, s.store, roomID)
	return err
}
