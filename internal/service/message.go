package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomchat/internal/metrics"
	"roomchat/internal/models"
	"roomchat/internal/session"
	"roomchat/internal/store"

	"github.com/rs/zerolog/log"
)

// Subscribers yields the live connections of a room for fan-out.
type Subscribers interface {
	Snapshot(roomID uint) []session.Conn
}

// MessageService persists new messages and pushes them to every live
// connection of the room.
type MessageService struct {
	store   *store.Store
	members *MembershipService
	subs    Subscribers
	opts    options
}

func NewMessageService(st *store.Store, members *MembershipService, subs Subscribers, opts ...Option) *MessageService {
	return &MessageService{store: st, members: members, subs: subs, opts: buildOptions(opts)}
}

// MessageDTO is a message as seen in a member's history.
type MessageDTO struct {
	MsgID          uint      `json:"msgId"`
	RoomID         uint      `json:"roomId"`
	SenderID       uint      `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	Contents       string    `json:"contents"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SentMessage acknowledges a send and is also the frame pushed to live connections.
type SentMessage struct {
	MsgID      uint      `json:"msgId"`
	ChatRoomID uint      `json:"chatRoomId"`
	SenderID   uint      `json:"senderId"`
	Contents   string    `json:"contents"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Send stores a message and fans it out. Tombstoned members of a one-to-one
// room are revived in the same transaction with joined_at equal to the
// message's created_at, so the message is the first thing they see.
// Delivery problems on individual connections never fail the send.
func (s *MessageService) Send(ctx context.Context, roomID, senderID uint, contents string) (*SentMessage, error) {
	if roomID == 0 || senderID == 0 || strings.TrimSpace(contents) == "" {
		return nil, invalid("roomId, senderId and contents are required")
	}
	room, err := s.members.room(ctx, s.store, roomID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSender(ctx, roomID, senderID); err != nil {
		return nil, err
	}

	now := s.opts.clock()
	msg := models.Message{RoomID: roomID, SenderID: senderID, Contents: contents, CreatedAt: now}
	var revived []uint
	err = s.store.Tx(ctx, func(tx *store.Store) error {
		revived = revived[:0]
		// A cascade that committed after the checks above leaves nothing to lock.
		if _, err := s.members.lockRoom(ctx, tx, roomID); err != nil {
			return err
		}
		if PolicyFor(room.Kind).Revives() {
			rows, err := tx.Memberships(ctx, roomID)
			if err != nil {
				return err
			}
			for _, m := range rows {
				if m.UserID == senderID || m.Active() {
					continue
				}
				ok, err := s.members.revive(ctx, tx, roomID, m.UserID, now)
				if err != nil {
					return err
				}
				if ok {
					revived = append(revived, m.UserID)
				}
			}
		}
		return tx.InsertMessage(ctx, &msg)
	})
	if err != nil {
		return nil, storeErr("save message", err)
	}
	for _, id := range revived {
		metrics.RevivalsTotal.Inc()
		log.Info().Uint("room_id", roomID).Uint("user_id", id).Msg("membership revived by message")
	}
	metrics.MessagesTotal.Inc()

	out := &SentMessage{
		MsgID:      msg.ID,
		ChatRoomID: msg.RoomID,
		SenderID:   msg.SenderID,
		Contents:   msg.Contents,
		CreatedAt:  msg.CreatedAt,
	}
	s.fanOut(roomID, out)
	return out, nil
}

func (s *MessageService) checkSender(ctx context.Context, roomID, senderID uint) error {
	m, err := s.store.Membership(ctx, roomID, senderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeErr("load sender membership", err)
	}
	if m != nil && m.Active() {
		return nil
	}
	if s.opts.validateSender {
		return notFound("sender %d is not an active member of room %d", senderID, roomID)
	}
	metrics.GhostSendsTotal.Inc()
	log.Warn().Uint("room_id", roomID).Uint("sender_id", senderID).Msg("message accepted from sender without active membership")
	return nil
}

// fanOut pushes msg to every open connection of the room and returns how many
// accepted it.
func (s *MessageService) fanOut(roomID uint, msg *SentMessage) int {
	if s.subs == nil {
		return 0
	}
	conns := s.subs.Snapshot(roomID)
	if len(conns) == 0 {
		return 0
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("encode message")
		return 0
	}
	delivered := 0
	for _, c := range conns {
		if c.Closed() {
			continue
		}
		if err := deliver(c, payload); err != nil {
			metrics.DeliveryFailuresTotal.Inc()
			log.Warn().Err(err).Str("conn_id", c.ID()).Uint("room_id", roomID).Msg("push message")
			continue
		}
		delivered++
	}
	metrics.DeliveriesTotal.Add(float64(delivered))
	return delivered
}

func deliver(c session.Conn, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDeliveryFailure, r)
		}
	}()
	if err := c.Send(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	return nil
}

// Fetch returns the user's visible history of the room.
func (s *MessageService) Fetch(ctx context.Context, roomID uint, username string) ([]MessageDTO, error) {
	if roomID == 0 || username == "" {
		return nil, invalid("roomId and username are required")
	}
	return s.members.VisibleHistory(ctx, roomID, username)
}
