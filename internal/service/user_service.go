package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"eventchat/internal/model"
	"eventchat/internal/repository"
	"eventchat/pkg/apperr"
	"eventchat/pkg/jwt"
	"eventchat/pkg/password"

	"gorm.io/gorm"
)

type UserService struct {
	repo       *repository.UserRepository
	jwtService *jwt.JWTService
}

func NewUserService(repo *repository.UserRepository, jwtService *jwt.JWTService) *UserService {
	return &UserService{repo: repo, jwtService: jwtService}
}

// Register 注册，新用户默认为普通成员
func (s *UserService) Register(ctx context.Context, username, email, plainPassword string) (*model.User, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || plainPassword == "" {
		return nil, "", apperr.Validation("username and password are required")
	}

	if err := password.Check(plainPassword); err != nil {
		return nil, "", apperr.Validation(err.Error())
	}

	exists, err := s.repo.ExistsByUsernameOrEmail(ctx, username, email)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", apperr.Validation("username or email already registered")
	}

	// 密码哈希
	hash, err := password.Hash(plainPassword)
	if err != nil {
		return nil, "", apperr.Internal("hash password", err)
	}
	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleMember,
		IsActive:     true,
		LastSeen:     time.Now(),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		// 并发注册同名账号
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, "", apperr.Validation("username or email already registered")
		}
		return nil, "", apperr.Internal("create user", err)
	}

	token, err := s.issue(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login 登录，支持用户名或邮箱
func (s *UserService) Login(ctx context.Context, identifier, plainPassword string) (*model.User, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || plainPassword == "" {
		return nil, "", apperr.Validation("identifier and password are required")
	}

	u, err := s.repo.GetByUsernameOrEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, "", apperr.Unauthenticated("invalid credentials", nil)
		}
		return nil, "", err
	}
	if !password.Verify(plainPassword, u.PasswordHash) {
		return nil, "", apperr.Unauthenticated("invalid credentials", nil)
	}
	if !u.IsActive {
		return nil, "", apperr.Forbidden("account is disabled")
	}

	token, err := s.issue(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Profile 当前用户信息
func (s *UserService) Profile(ctx context.Context, userID uint) (*model.User, error) {
	return s.repo.GetByID(ctx, userID)
}

func (s *UserService) issue(u *model.User) (string, error) {
	token, err := s.jwtService.GenerateToken(u.ID, map[string]interface{}{
		"username": u.Username,
		"role":     u.Role,
	})
	if err != nil {
		return "", apperr.Internal("generate token", err)
	}
	return token, nil
}
