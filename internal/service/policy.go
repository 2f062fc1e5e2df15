package service

import (
	"context"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/store"
)

// MembershipPolicy is how a room kind treats a departing member.
type MembershipPolicy int

const (
	// Tombstoning keeps the row with left_at set so the member can be revived
	// with the same room identity. Used by one-to-one rooms.
	Tombstoning MembershipPolicy = iota + 1
	// Pruning deletes the row outright. Used by group rooms.
	Pruning
)

func PolicyFor(kind models.RoomKind) MembershipPolicy {
	if kind == models.RoomOneToOne {
		return Tombstoning
	}
	return Pruning
}

func (p MembershipPolicy) String() string {
	switch p {
	case Tombstoning:
		return "tombstoning"
	case Pruning:
		return "pruning"
	}
	return "unknown"
}

// Depart removes the user's active presence from the room.
func (p MembershipPolicy) Depart(ctx context.Context, tx *store.Store, roomID, userID uint, at time.Time) error {
	if p == Tombstoning {
		return tx.Tombstone(ctx, roomID, userID, at)
	}
	return tx.DeleteMembership(ctx, roomID, userID)
}

// Revives reports whether departed members come back when someone writes to them.
func (p MembershipPolicy) Revives() bool { return p == Tombstoning }
