// Package policy 聊天频道访问控制
package policy

import (
	"context"
	"errors"

	"eventchat/internal/model"
	"eventchat/pkg/apperr"
	"eventchat/pkg/channel"
)

// EventRoster 活动名册
type EventRoster interface {
	GetByID(ctx context.Context, id uint) (*model.Event, error)
	IsAssigned(ctx context.Context, eventID, userID uint) (bool, error)
	ActiveEventIDs(ctx context.Context) ([]uint, error)
	AssignedEventIDs(ctx context.Context, userID uint) ([]uint, error)
}

// UserDirectory 用户目录
type UserDirectory interface {
	GetByID(ctx context.Context, id uint) (*model.User, error)
}

// Policy 频道访问策略
type Policy struct {
	events EventRoster
	users  UserDirectory
}

func New(events EventRoster, users UserDirectory) *Policy {
	return &Policy{events: events, users: users}
}

// ResolveActor 由用户ID加载调用者，用户不存在视为未认证
func (p *Policy) ResolveActor(ctx context.Context, userID uint) (model.Actor, error) {
	u, err := p.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return model.Actor{}, apperr.Unauthenticated("unknown user", err)
		}
		return model.Actor{}, err
	}
	return model.ActorFromUser(u), nil
}

// CanAccessEventChannel 提升角色或被分配到活动的用户可以访问活动群聊
// 活动不存在时返回 NotFound
func (p *Policy) CanAccessEventChannel(ctx context.Context, actor model.Actor, eventID uint) (bool, error) {
	if _, err := p.events.GetByID(ctx, eventID); err != nil {
		return false, err
	}
	if !actor.IsActive {
		return false, nil
	}
	if actor.IsElevated() {
		return true, nil
	}
	return p.events.IsAssigned(ctx, eventID, actor.ID)
}

// CanAccessDirectChannel 两个不同的启用账号之间可以私聊
// 对方不存在时返回 NotFound
func (p *Policy) CanAccessDirectChannel(ctx context.Context, actor model.Actor, otherUserID uint) (bool, error) {
	if actor.ID == otherUserID || !actor.IsActive {
		return false, nil
	}
	other, err := p.users.GetByID(ctx, otherUserID)
	if err != nil {
		return false, err
	}
	return other.IsActive, nil
}

// RequireEventChannel 无权访问时返回 Forbidden
func (p *Policy) RequireEventChannel(ctx context.Context, actor model.Actor, eventID uint) error {
	ok, err := p.CanAccessEventChannel(ctx, actor, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("no access to this event channel")
	}
	return nil
}

// RequireDirectChannel 无权私聊时返回 Forbidden
func (p *Policy) RequireDirectChannel(ctx context.Context, actor model.Actor, otherUserID uint) error {
	ok, err := p.CanAccessDirectChannel(ctx, actor, otherUserID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("no access to this direct channel")
	}
	return nil
}

// AuthorizeChannel 解析频道键并校验访问权限
// 私聊频道要求调用者是两个参与者之一
func (p *Policy) AuthorizeChannel(ctx context.Context, actor model.Actor, key string) (channel.Key, error) {
	k, err := channel.Parse(key)
	if err != nil {
		return channel.Key{}, apperr.Validation(err.Error())
	}

	switch k.Kind {
	case channel.KindGroup:
		err = p.RequireEventChannel(ctx, actor, k.EventID)
	default:
		if !k.Has(actor.ID) {
			return channel.Key{}, apperr.Forbidden("not a participant of this direct channel")
		}
		err = p.RequireDirectChannel(ctx, actor, k.Peer(actor.ID))
	}
	if err != nil {
		return channel.Key{}, err
	}
	return k, nil
}

// ScopedChannelsFor 调用者可访问的群聊频道
// 提升角色获得全部进行中的活动，普通用户获得被分配的活动，私聊频道不预先枚举
func (p *Policy) ScopedChannelsFor(ctx context.Context, actor model.Actor) ([]string, error) {
	if !actor.IsActive {
		return nil, apperr.Forbidden("account is disabled")
	}

	var (
		ids []uint
		err error
	)
	if actor.IsElevated() {
		ids, err = p.events.ActiveEventIDs(ctx)
	} else {
		ids, err = p.events.AssignedEventIDs(ctx, actor.ID)
	}
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, channel.EventKey(id))
	}
	return keys, nil
}
