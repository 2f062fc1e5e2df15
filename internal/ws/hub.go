package ws

import (
	"encoding/json"
	"time"

	"roomchat/internal/config"
	"roomchat/internal/metrics"
	"roomchat/internal/service"
	"roomchat/internal/session"

	"github.com/rs/zerolog/log"
)

// Hub 把 WebSocket 连接接到会话目录和聊天 service 上。
type Hub struct {
	dir        *session.Directory
	members    *service.MembershipService
	msgs       *service.MessageService
	readLimit  int64
	pingPeriod time.Duration
	pongWait   time.Duration
	writeWait  time.Duration
}

func NewHub(dir *session.Directory, members *service.MembershipService, msgs *service.MessageService, cfg config.Config) *Hub {
	ping := cfg.WSPingPeriod
	if ping <= 0 {
		ping = 30 * time.Second
	}
	limit := cfg.WSReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	return &Hub{
		dir:        dir,
		members:    members,
		msgs:       msgs,
		readLimit:  limit,
		pingPeriod: ping,
		pongWait:   2 * ping,
		writeWait:  10 * time.Second,
	}
}

// Online 返回房间当前在线连接数，供 REST 层使用。
func (h *Hub) Online(roomID uint) int { return h.dir.Online(roomID) }

func (h *Hub) subscribe(roomID uint, c *Client) {
	if !c.addRoom(roomID) {
		return
	}
	h.dir.Register(roomID, c)
	online := h.dir.Online(roomID)
	h.relay(roomID, c, presenceFrame{Type: "presence", Event: "join", RoomID: roomID, ConnID: c.id, Online: online})
	log.Debug().Str("conn_id", c.id).Uint("room_id", roomID).Int("online", online).Msg("subscribed")
}

func (h *Hub) unsubscribe(roomID uint, c *Client) {
	if !c.removeRoom(roomID) {
		return
	}
	h.dir.Unregister(roomID, c)
	h.relay(roomID, c, presenceFrame{Type: "presence", Event: "leave", RoomID: roomID, ConnID: c.id, Online: h.dir.Online(roomID)})
	log.Debug().Str("conn_id", c.id).Uint("room_id", roomID).Bool("room_idle", !h.dir.Has(roomID)).Msg("unsubscribed")
}

func (h *Hub) connected(c *Client) {
	metrics.WsConnections.Inc()
	log.Info().Str("conn_id", c.id).Msg("ws connected")
}

// disconnected 先把 c 从所有已加入的房间移除，再关闭连接。
func (h *Hub) disconnected(c *Client) {
	for _, roomID := range c.roomList() {
		h.unsubscribe(roomID, c)
	}
	c.close()
	metrics.WsConnections.Dec()
	log.Info().Str("conn_id", c.id).Msg("ws disconnected")
}

type presenceFrame struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	RoomID uint   `json:"roomId"`
	ConnID string `json:"connId"`
	Online int    `json:"online"`
}

type typingFrame struct {
	Type     string `json:"type"`
	RoomID   uint   `json:"roomId"`
	SenderID uint   `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// relay 把临时事件推给房间内除 from 以外的连接，不落库，推送失败只记日志。
func (h *Hub) relay(roomID uint, from *Client, v any) int {
	conns := h.dir.Snapshot(roomID)
	if len(conns) == 0 {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("encode relay frame")
		return 0
	}
	n := 0
	for _, c := range conns {
		if c == from || c.Closed() {
			continue
		}
		if err := c.Send(b); err != nil {
			log.Debug().Err(err).Str("conn_id", c.ID()).Uint("room_id", roomID).Msg("relay frame")
			continue
		}
		n++
	}
	return n
}
