package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"roomchat/internal/metrics"
	"roomchat/internal/service"
	"roomchat/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const sendBuffer = 256

// Client 对应一条 WebSocket 连接，实现 session.Conn。
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	rooms  []uint
}

var _ session.Conn = (*Client)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{id: uuid.NewString(), hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
}

func (c *Client) ID() string { return c.id }

// Send 非阻塞地把 payload 交给写协程。
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return session.ErrBackpressure
	}
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) addRoom(roomID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rooms {
		if r == roomID {
			return false
		}
	}
	c.rooms = append(c.rooms, roomID)
	return true
}

func (c *Client) removeRoom(roomID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.rooms {
		if r == roomID {
			c.rooms = append(c.rooms[:i], c.rooms[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Client) inRoom(roomID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

func (c *Client) roomList() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint(nil), c.rooms...)
}

// firstRoom 是未带 roomId 的消息帧的默认房间。
func (c *Client) firstRoom() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rooms) == 0 {
		return 0
	}
	return c.rooms[0]
}

type inboundFrame struct {
	Type     string `json:"type"`
	RoomID   uint   `json:"roomId"`
	SenderID uint   `json:"senderId"`
	Contents string `json:"contents"`
	IsTyping bool   `json:"isTyping"`
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Serve 升级 GET /ws/chat。chatRoomId 可选，带上时必须是已存在的房间，在升级前校验。
func (h *Hub) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		var roomID uint
		if raw := c.Query("chatRoomId"); raw != "" {
			rid64, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || rid64 == 0 {
				c.JSON(http.StatusBadRequest, errorFrame{Code: service.CodeInvalidRequest, Message: "invalid chatRoomId"})
				return
			}
			roomID = uint(rid64)
			if err := h.members.RoomExists(c.Request.Context(), roomID); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, service.ErrNotFound) {
					status = http.StatusNotFound
				} else {
					log.Error().Err(err).Uint("room_id", roomID).Msg("ws room lookup")
				}
				c.JSON(status, errorFrame{Code: service.Code(err), Message: service.PublicMessage(err)})
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("ws upgrade")
			return
		}
		client := newClient(h, conn)
		h.connected(client)
		if roomID != 0 {
			h.subscribe(roomID, client)
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		go client.writePump()
		client.readPump(ctx)
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.disconnected(c)
	}()
	c.conn.SetReadLimit(c.hub.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.replyError(service.CodeInvalidRequest, "malformed frame")
			continue
		}
		c.handle(ctx, in)
	}
}

func (c *Client) handle(ctx context.Context, in inboundFrame) {
	switch in.Type {
	case "", "message":
		roomID := in.RoomID
		if roomID == 0 {
			roomID = c.firstRoom()
		}
		// 已订阅时回执经广播送回本连接。
		if _, err := c.hub.msgs.Send(ctx, roomID, in.SenderID, in.Contents); err != nil {
			c.fail("ws send", err)
		}
	case "subscribe":
		if in.RoomID == 0 {
			c.replyError(service.CodeInvalidRequest, "roomId is required")
			return
		}
		if err := c.hub.members.RoomExists(ctx, in.RoomID); err != nil {
			c.fail("ws subscribe", err)
			return
		}
		c.hub.subscribe(in.RoomID, c)
	case "unsubscribe":
		c.hub.unsubscribe(in.RoomID, c)
	case "typing": // 输入状态只转发，不落库
		roomID := in.RoomID
		if roomID == 0 {
			roomID = c.firstRoom()
		}
		if !c.inRoom(roomID) {
			c.replyError(service.CodeInvalidRequest, "typing requires a subscribed room")
			return
		}
		metrics.TypingEventsTotal.Inc()
		c.hub.relay(roomID, c, typingFrame{Type: "typing", RoomID: roomID, SenderID: in.SenderID, IsTyping: in.IsTyping})
	default:
		c.replyError(service.CodeInvalidRequest, "unknown frame type "+strconv.Quote(in.Type))
	}
}

func (c *Client) fail(op string, err error) {
	if service.Code(err) == service.CodeInternal {
		log.Error().Err(err).Str("conn_id", c.id).Msg(op)
	}
	c.replyError(service.Code(err), service.PublicMessage(err))
}

func (c *Client) replyError(code, msg string) {
	b, err := json.Marshal(errorFrame{Code: code, Message: msg})
	if err != nil {
		return
	}
	if err := c.Send(b); err != nil {
		log.Warn().Err(err).Str("conn_id", c.id).Msg("ws error reply")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
