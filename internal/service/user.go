package service

import (
	"context"
	"errors"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/config"
	"roomchat/internal/models"
	"roomchat/internal/store"
)

// UserService is the thin registration and login collaborator that puts
// usernames into the store for the chat core to resolve.
type UserService struct {
	store *store.Store
	cfg   config.Config
	opts  options
}

func NewUserService(st *store.Store, cfg config.Config, opts ...Option) *UserService {
	return &UserService{store: st, cfg: cfg, opts: buildOptions(opts)}
}

type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Register creates a user with a bcrypt password hash.
func (s *UserService) Register(ctx context.Context, username, password, displayName string) (*RegisterResult, error) {
	taken, err := s.store.UsernameTaken(ctx, username)
	if err != nil {
		return nil, storeErr("check username", err)
	}
	if taken {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, DisplayName: displayName, PasswordHash: hash}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return nil, storeErr("create user", err)
	}
	return &RegisterResult{ID: user.ID, Username: user.Username}, nil
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type LoginResult struct {
	TokenPair
	User models.User `json:"-"`
}

// Login checks the password and issues an access/refresh token pair.
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.store.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, storeErr("load user", err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	pair, err := s.issue(ctx, s.store, user.ID, user.Username)
	if err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: *pair, User: *user}, nil
}

func (s *UserService) issue(ctx context.Context, st *store.Store, userID uint, username string) (*TokenPair, error) {
	at, err := auth.GenerateAccessToken(userID, username, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := s.opts.clock().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := st.SaveRefreshToken(ctx, userID, rt, exp); err != nil {
		return nil, storeErr("save refresh token", err)
	}
	return &TokenPair{AccessToken: at, RefreshToken: rt}, nil
}

// RefreshTokens revokes the old refresh token and issues a new pair.
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*TokenPair, error) {
	var pair *TokenPair
	err := s.store.Tx(ctx, func(tx *store.Store) error {
		now := s.opts.clock()
		rec, err := tx.ValidRefreshToken(ctx, oldRT, now)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		if err != nil {
			return err
		}
		if err := tx.RevokeRefreshToken(ctx, oldRT, now); err != nil {
			return err
		}
		user, err := tx.UserByID(ctx, rec.UserID)
		if err != nil {
			return err
		}
		pair, err = s.issue(ctx, tx, user.ID, user.Username)
		return err
	})
	if errors.Is(err, ErrInvalidCredentials) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("refresh tokens", err)
	}
	return pair, nil
}
