package service

import (
	"context"
	"testing"
	"time"

	"eventchat/config"
	"eventchat/internal/model"
	"eventchat/internal/repository"
	"eventchat/pkg/apperr"
	"eventchat/pkg/db"
	"eventchat/pkg/jwt"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestUserService(t *testing.T) (*UserService, *jwt.JWTService, *gorm.DB) {
	t.Helper()
	orm, err := gorm.Open(sqlite.Open(":memory:"), db.GormConfig(false))
	require.NoError(t, err)
	sqlDB, err := orm.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, orm.AutoMigrate(model.All()...))

	jwtService := jwt.NewJWTService(config.JWTConfig{Secret: "test-secret", Issuer: "eventchat", ExpireTime: time.Hour})
	return NewUserService(repository.NewUserRepository(orm), jwtService), jwtService, orm
}

func TestRegisterAndLogin(t *testing.T) {
	svc, jwtService, _ := newTestUserService(t)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, " alice ", "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, model.RoleMember, user.Role)
	assert.True(t, user.IsActive)
	assert.NotEqual(t, "secret", user.PasswordHash)

	claims, err := jwtService.ValidateToken(token)
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)

	_, _, err = svc.Register(ctx, "alice", "other@example.com", "secret")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	logged, _, err := svc.Login(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, logged.ID)

	_, _, err = svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, _, err = svc.Login(ctx, "nobody", "secret")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestLoginRejectsDisabledAccount(t *testing.T) {
	svc, _, orm := newTestUserService(t)
	ctx := context.Background()

	user, _, err := svc.Register(ctx, "bob", "", "secret")
	require.NoError(t, err)
	require.NoError(t, orm.Model(&model.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)

	_, _, err = svc.Login(ctx, "bob", "secret")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestRegisterRequiresCredentials(t *testing.T) {
	svc, _, _ := newTestUserService(t)

	_, _, err := svc.Register(context.Background(), "", "x@example.com", "secret")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, _, err = svc.Register(context.Background(), "xavier", "x@example.com", "abc")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
