package service

import (
	"context"
	"errors"

	"roomchat/internal/models"
	"roomchat/internal/store"
)

// VisibleHistory returns the messages the user may read in the room: those
// created at or after the user's current joined_at. A user without any
// membership row sees nothing. The window is recomputed on every call so a
// revival immediately narrows it.
func (s *MembershipService) VisibleHistory(ctx context.Context, roomID uint, username string) ([]MessageDTO, error) {
	u, err := s.resolveUser(ctx, s.store, username)
	if err != nil {
		return nil, err
	}
	msgs, _, err := s.history(ctx, s.store, roomID, u.ID)
	return msgs, err
}

func (s *MembershipService) history(ctx context.Context, st *store.Store, roomID, userID uint) ([]MessageDTO, *models.Membership, error) {
	m, err := st.Membership(ctx, roomID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return []MessageDTO{}, nil, nil
	}
	if err != nil {
		return nil, nil, storeErr("load membership", err)
	}
	rows, err := st.MessagesSince(ctx, roomID, m.JoinedAt)
	if err != nil {
		return nil, nil, storeErr("load history", err)
	}
	out := make([]MessageDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, MessageDTO{
			MsgID:          r.ID,
			RoomID:         r.RoomID,
			SenderID:       r.SenderID,
			SenderUsername: r.SenderUsername,
			Contents:       r.Contents,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, m, nil
}
