package server

import (
	"net/http"
	"strconv"
	"strings"

	"roomchat/internal/auth"
	"roomchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc   *service.UserService
	memberSvc *service.MembershipService
	msgSvc    *service.MessageService
}

func NewHandler(userSvc *service.UserService, memberSvc *service.MembershipService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, memberSvc: memberSvc, msgSvc: msgSvc}
}

var statusByCode = map[string]int{
	service.CodeNotFound:       http.StatusNotFound,
	service.CodeInvalidRequest: http.StatusBadRequest,
	service.CodeConflict:       http.StatusConflict,
	service.CodeUnauthorized:   http.StatusUnauthorized,
	service.CodeInternal:       http.StatusInternalServerError,
}

// fail 把 err 写成 {code, message}。内部错误在这里带原因记日志，对外只回通用信息。
func fail(c *gin.Context, op string, err error) {
	code := service.Code(err)
	if code == service.CodeInternal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg(op)
	}
	c.JSON(statusByCode[code], gin.H{"code": code, "message": service.PublicMessage(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": service.CodeInvalidRequest, "message": msg})
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		badRequest(c, "username and password are required")
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		badRequest(c, "invalid username")
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		badRequest(c, "invalid password")
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Username, req.Password, strings.TrimSpace(req.DisplayName))
	if err != nil {
		fail(c, "register", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		badRequest(c, "username and password are required")
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "refresh_token is required")
		return
	}
	pair, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		fail(c, "refresh token", err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *Handler) Me(c *gin.Context) {
	u, ok := auth.GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": service.CodeUnauthorized, "message": "not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.ID, "username": u.Username, "name": u.Name()})
}

// CreateOneToOne 处理 POST /chat/one-to-one/create。
func (h *Handler) CreateOneToOne(c *gin.Context) {
	var req struct {
		Username       string `json:"username"`
		FriendUsername string `json:"friendUsername"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	view, err := h.memberSvc.CreateOneToOne(c.Request.Context(), strings.TrimSpace(req.Username), strings.TrimSpace(req.FriendUsername))
	if err != nil {
		fail(c, "create one-to-one room", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CreateGroup 处理 POST /chat/group/create。
func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Username     string `json:"username"`
		ChatRoomName string `json:"chatRoomName"`
		Members      []struct {
			Username string `json:"username"`
		} `json:"members"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	names := make([]string, 0, len(req.Members))
	for _, m := range req.Members {
		names = append(names, strings.TrimSpace(m.Username))
	}
	view, err := h.memberSvc.CreateGroup(c.Request.Context(), strings.TrimSpace(req.Username), req.ChatRoomName, names)
	if err != nil {
		fail(c, "create group room", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type roomUserRequest struct {
	ChatRoomID *uint   `json:"chatRoomId"`
	Username   *string `json:"username"`
}

func (r roomUserRequest) valid() bool {
	return r.ChatRoomID != nil && r.Username != nil && *r.ChatRoomID != 0 && strings.TrimSpace(*r.Username) != ""
}

func (h *Handler) Join(c *gin.Context) {
	var req roomUserRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.valid() {
		badRequest(c, "chatRoomId and username are required")
		return
	}
	view, err := h.memberSvc.Join(c.Request.Context(), *req.ChatRoomID, strings.TrimSpace(*req.Username))
	if err != nil {
		fail(c, "join room", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) Leave(c *gin.Context) {
	var req roomUserRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.valid() {
		badRequest(c, "chatRoomId and username are required")
		return
	}
	res, err := h.memberSvc.Leave(c.Request.Context(), *req.ChatRoomID, strings.TrimSpace(*req.Username))
	if err != nil {
		fail(c, "leave room", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.memberSvc.Rooms(c.Request.Context(), strings.TrimSpace(c.Query("username")))
	if err != nil {
		fail(c, "list rooms", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// SendMessage 处理 POST /messages/send，成功返回 201 和回执。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		RoomID   uint   `json:"roomId"`
		SenderID uint   `json:"senderId"`
		Contents string `json:"contents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.msgSvc.Send(c.Request.Context(), req.RoomID, req.SenderID, req.Contents)
	if err != nil {
		fail(c, "send message", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) ListMessages(c *gin.Context) {
	roomID, err := strconv.ParseUint(c.Query("roomId"), 10, 64)
	if err != nil || roomID == 0 {
		badRequest(c, "invalid roomId")
		return
	}
	msgs, err := h.msgSvc.Fetch(c.Request.Context(), uint(roomID), strings.TrimSpace(c.Query("username")))
	if err != nil {
		fail(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}
