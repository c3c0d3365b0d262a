package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"eventchat/config"
	"eventchat/internal/model"
	"eventchat/internal/policy"
	"eventchat/internal/repository"
	"eventchat/pkg/apperr"
	"eventchat/pkg/channel"
	"eventchat/pkg/db"
	"eventchat/pkg/transport"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type published struct {
	channel string
	event   transport.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	fail   bool
	events []published
}

func (p *fakePublisher) Publish(_ context.Context, key string, payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", apperr.TransportUnavailable("publish failed", nil)
	}
	ev, err := transport.Decode(payload)
	if err != nil {
		return "", err
	}
	p.events = append(p.events, published{channel: key, event: ev})
	return fmt.Sprintf("receipt-%d", len(p.events)), nil
}

func (p *fakePublisher) ofType(t transport.EventType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.event.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type fakePresence []string

func (f fakePresence) Presence(context.Context, string) ([]string, error) { return f, nil }

type chatFixture struct {
	orm       *gorm.DB
	svc       *ChatService
	store     *repository.MessageRepository
	publisher *fakePublisher
	u1, u2    model.Actor // 活动1成员
	u3        model.Actor // 未分配
	admin     model.Actor
}

const eventOne = uint(1)

func newChatFixture(t *testing.T, issuer transport.CredentialIssuer) *chatFixture {
	t.Helper()

	orm, err := gorm.Open(sqlite.Open(":memory:"), db.GormConfig(false))
	require.NoError(t, err)
	sqlDB, err := orm.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, orm.AutoMigrate(model.All()...))

	users := []*model.User{
		{ID: 1, Username: "u1", Email: "u1@example.com", PasswordHash: "x", Role: model.RoleMember},
		{ID: 2, Username: "u2", Email: "u2@example.com", PasswordHash: "x", Role: model.RoleStaff},
		{ID: 3, Username: "u3", Email: "u3@example.com", PasswordHash: "x", Role: model.RoleMember},
		{ID: 9, Username: "admin", Email: "admin@example.com", PasswordHash: "x", Role: model.RoleAdmin},
	}
	for _, u := range users {
		require.NoError(t, orm.Create(u).Error)
	}
	require.NoError(t, orm.Create(&model.Event{ID: eventOne, Name: "expo"}).Error)
	require.NoError(t, orm.Create(&model.Event{ID: 2, Name: "summit"}).Error)
	require.NoError(t, orm.Create(&model.EventAssignment{EventID: eventOne, UserID: 1}).Error)
	require.NoError(t, orm.Create(&model.EventAssignment{EventID: eventOne, UserID: 2}).Error)

	userRepo := repository.NewUserRepository(orm)
	eventRepo := repository.NewEventRepository(orm)
	store := repository.NewMessageRepository(orm, model.ValidationLimits{MaxContentLength: 5000, MaxAttachments: 10}, 50, 200)
	pol := policy.New(eventRepo, userRepo)
	pub := &fakePublisher{}

	if issuer == nil {
		issuer = transport.NewGrantIssuer("chat-secret", "eventchat")
	}
	svc := NewChatService(store, pol, pub, fakePresence{"1", "2"}, issuer, config.ChatConfig{UnreadConcurrency: 2}, time.Hour)

	f := &chatFixture{orm: orm, svc: svc, store: store, publisher: pub}
	ctx := context.Background()
	for id, dst := range map[uint]*model.Actor{1: &f.u1, 2: &f.u2, 3: &f.u3, 9: &f.admin} {
		a, err := svc.Actor(ctx, id)
		require.NoError(t, err)
		*dst = a
	}
	return f
}

func text(content string) SendInput {
	return SendInput{Content: content, MessageType: model.MessageTypeText}
}

func TestGroupChatScenario(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()
	key := channel.EventKey(eventOne)

	res, err := f.svc.SendGroupMessage(ctx, f.u1, eventOne, text("hello"))
	require.NoError(t, err)
	assert.False(t, res.TransportUnavailable)

	created := f.publisher.ofType(transport.TypeMessageCreated)
	require.Len(t, created, 1)
	assert.Equal(t, key, created[0].channel)
	ev := created[0].event.(transport.MessageCreated)
	assert.Equal(t, res.Message.ID, ev.MessageID)
	assert.Equal(t, "u1", ev.Sender.Name)

	history, err := f.svc.FetchHistory(ctx, f.u2, key, repository.PageOptions{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, uint(1), history[0].Sender.ID)
	assert.False(t, history[0].IsDeleted)

	stored, err := f.store.GetByID(ctx, res.Message.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TransportToken)

	marked, err := f.svc.MarkRead(ctx, f.u2, key, []uint{res.Message.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	marked, err = f.svc.MarkRead(ctx, f.u2, key, []uint{res.Message.ID})
	require.NoError(t, err)
	assert.Zero(t, marked)

	reads := f.publisher.ofType(transport.TypeMessageRead)
	require.Len(t, reads, 1)
	assert.Equal(t, uint(2), reads[0].event.(transport.MessageRead).ReadBy)

	unread, err := f.store.CountUnread(ctx, key, f.u2.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)

	history, err = f.svc.FetchHistory(ctx, f.u1, key, repository.PageOptions{})
	require.NoError(t, err)
	assert.True(t, history[0].IsReadBy(f.u2.ID))
}

func TestSendSucceedsWhenTransportIsDown(t *testing.T) {
	f := newChatFixture(t, nil)
	f.publisher.fail = true
	ctx := context.Background()

	res, err := f.svc.SendGroupMessage(ctx, f.u1, eventOne, text("still here"))
	require.NoError(t, err)
	assert.True(t, res.TransportUnavailable)

	history, err := f.svc.FetchHistory(ctx, f.u2, channel.EventKey(eventOne), repository.PageOptions{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.Message.ID, history[0].ID)

	stored, err := f.store.GetByID(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.TransportToken)
}

func TestUnassignedActorIsForbidden(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SendGroupMessage(ctx, f.u3, eventOne, text("let me in"))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.FetchHistory(ctx, f.u3, channel.EventKey(eventOne), repository.PageOptions{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.SendGroupMessage(ctx, f.admin, eventOne, text("admin override"))
	assert.NoError(t, err)

	_, err = f.svc.SendGroupMessage(ctx, f.u1, 404, text("nowhere"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSendValidation(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SendGroupMessage(ctx, f.u1, eventOne, text("   "))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.SendGroupMessage(ctx, f.u1, eventOne, SendInput{Content: "x", MessageType: model.MessageTypeSystem})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.SendDirectMessage(ctx, f.u1, f.u1.ID, text("me"))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.SendDirectMessage(ctx, f.u1, 404, text("ghost"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDirectMessageScenario(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.SendDirectMessage(ctx, f.u1, f.u2.ID, text("psst"))
	require.NoError(t, err)

	key := channel.DirectKey(f.u2.ID, f.u1.ID)
	assert.Equal(t, key, res.Message.ChannelKey)

	fromSender, err := f.svc.FetchHistory(ctx, f.u1, key, repository.PageOptions{})
	require.NoError(t, err)
	fromRecipient, err := f.svc.FetchHistory(ctx, f.u2, key, repository.PageOptions{})
	require.NoError(t, err)
	require.Len(t, fromSender, 1)
	require.Len(t, fromRecipient, 1)
	assert.Equal(t, fromSender[0].ID, fromRecipient[0].ID)

	_, err = f.svc.FetchHistory(ctx, f.u3, key, repository.PageOptions{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestDeleteForEveryoneScenario(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()
	key := channel.EventKey(eventOne)

	res, err := f.svc.SendGroupMessage(ctx, f.u1, eventOne, text("regret"))
	require.NoError(t, err)

	err = f.svc.DeleteMessage(ctx, f.u2, res.Message.ID, model.DeleteForEveryone)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, f.svc.DeleteMessage(ctx, f.u1, res.Message.ID, model.DeleteForEveryone))
	require.NoError(t, f.svc.DeleteMessage(ctx, f.u1, res.Message.ID, model.DeleteForEveryone))

	history, err := f.svc.FetchHistory(ctx, f.u2, key, repository.PageOptions{})
	require.NoError(t, err)
	assert.Empty(t, history)

	deleted := f.publisher.ofType(transport.TypeMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, res.Message.ID, deleted[0].event.(transport.MessageDeleted).MessageID)

	stored, err := f.store.GetByID(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
}

func TestDeleteForMeDoesNotFanOut(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()
	key := channel.EventKey(eventOne)

	res, err := f.svc.SendGroupMessage(ctx, f.u1, eventOne, text("noise"))
	require.NoError(t, err)

	err = f.svc.DeleteMessage(ctx, f.u3, res.Message.ID, model.DeleteForMe)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, f.svc.DeleteMessage(ctx, f.u2, res.Message.ID, model.DeleteForMe))
	assert.Empty(t, f.publisher.ofType(transport.TypeMessageDeleted))

	mine, err := f.svc.FetchHistory(ctx, f.u2, key, repository.PageOptions{})
	require.NoError(t, err)
	assert.Empty(t, mine)

	theirs, err := f.svc.FetchHistory(ctx, f.u1, key, repository.PageOptions{})
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}

func TestEditMessagePublishesEdit(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.SendDirectMessage(ctx, f.u1, f.u2.ID, text("helo"))
	require.NoError(t, err)

	_, err = f.svc.EditMessage(ctx, f.u2, res.Message.ID, "hijack")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	view, err := f.svc.EditMessage(ctx, f.u1, res.Message.ID, "hello")
	require.NoError(t, err)
	assert.True(t, view.IsEdited)

	edits := f.publisher.ofType(transport.TypeMessageEdited)
	require.Len(t, edits, 1)
	assert.Equal(t, "hello", edits[0].event.(transport.MessageEdited).Content)
}

func TestUnreadSummary(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SendGroupMessage(ctx, f.u1, eventOne, text("one"))
	require.NoError(t, err)
	_, err = f.svc.SendGroupMessage(ctx, f.u1, eventOne, text("two"))
	require.NoError(t, err)
	_, err = f.svc.SendDirectMessage(ctx, f.u3, f.u2.ID, text("hey"))
	require.NoError(t, err)
	_, err = f.svc.SendGroupMessage(ctx, f.u2, eventOne, text("own message"))
	require.NoError(t, err)

	summary, err := f.svc.UnreadSummary(ctx, f.u2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalUnread)
	assert.ElementsMatch(t, []ChannelUnread{
		{Channel: "event:1", Unread: 2},
		{Channel: "dm:2:3", Unread: 1},
	}, summary.ByChannel)

	adminSummary, err := f.svc.UnreadSummary(ctx, f.admin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), adminSummary.TotalUnread)
	assert.Len(t, adminSummary.ByChannel, 2)
}

// flakyStore 指定频道的未读统计失败
type flakyStore struct {
	*repository.MessageRepository
	broken string
}

func (s *flakyStore) CountUnread(ctx context.Context, channelKey string, viewerID uint) (int64, error) {
	if channelKey == s.broken {
		return 0, apperr.Internal("count unread", fmt.Errorf("connection reset"))
	}
	return s.MessageRepository.CountUnread(ctx, channelKey, viewerID)
}

func TestUnreadSummaryToleratesChannelFailure(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SendGroupMessage(ctx, f.u1, eventOne, text("one"))
	require.NoError(t, err)
	_, err = f.svc.SendDirectMessage(ctx, f.u3, f.u2.ID, text("hey"))
	require.NoError(t, err)
	_, err = f.svc.SendDirectMessage(ctx, f.u1, f.u2.ID, text("psst"))
	require.NoError(t, err)

	f.svc.store = &flakyStore{MessageRepository: f.store, broken: "event:1"}

	summary, err := f.svc.UnreadSummary(ctx, f.u2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalUnread)
	assert.ElementsMatch(t, []ChannelUnread{
		{Channel: "event:1", Unread: 0, Error: "unavailable"},
		{Channel: "dm:2:3", Unread: 1},
		{Channel: "dm:1:2", Unread: 1},
	}, summary.ByChannel)
}

func TestNonCanonicalChannelKeyIsRejected(t *testing.T) {
	issuer := transport.NewGrantIssuer("chat-secret", "eventchat")
	f := newChatFixture(t, issuer)
	ctx := context.Background()

	for _, key := range []string{"event:01", "event:+1", "dm:01:2"} {
		_, err := f.svc.FetchHistory(ctx, f.u1, key, repository.PageOptions{})
		assert.ErrorIs(t, err, apperr.ErrValidation, key)

		_, err = f.svc.MarkRead(ctx, f.u1, key, []uint{1})
		assert.ErrorIs(t, err, apperr.ErrValidation, key)

		_, err = f.svc.Presence(ctx, f.u1, key)
		assert.ErrorIs(t, err, apperr.ErrValidation, key)
	}

	tok, err := f.svc.GetToken(ctx, f.u1)
	require.NoError(t, err)
	grant, err := issuer.Verify(tok.Token)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.AuthorizeSubscribe(ctx, grant, "event:01"), apperr.ErrValidation)
}

func TestGetTokenScopesGroupChannels(t *testing.T) {
	issuer := transport.NewGrantIssuer("chat-secret", "eventchat")
	f := newChatFixture(t, issuer)
	ctx := context.Background()

	tok, err := f.svc.GetToken(ctx, f.u1)
	require.NoError(t, err)
	assert.Equal(t, []string{"event:1"}, tok.ScopedChannels)
	assert.Equal(t, int64(3600), tok.TTL)
	assert.Equal(t, transport.ModeGrant, tok.Mode)

	grant, err := issuer.Verify(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, f.u1.ID, grant.UserID)
	assert.True(t, grant.InScope("event:1"))

	require.NoError(t, f.svc.AuthorizeSubscribe(ctx, grant, "event:1"))
	assert.ErrorIs(t, f.svc.AuthorizeSubscribe(ctx, grant, "event:2"), apperr.ErrForbidden)
	require.NoError(t, f.svc.AuthorizeSubscribe(ctx, grant, "dm:1:3"))
	assert.ErrorIs(t, f.svc.AuthorizeSubscribe(ctx, grant, "dm:2:3"), apperr.ErrForbidden)
	assert.ErrorIs(t, f.svc.AuthorizeSubscribe(ctx, grant, "lobby"), apperr.ErrValidation)

	adminTok, err := f.svc.GetToken(ctx, f.admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"event:1", "event:2"}, adminTok.ScopedChannels)
}

func TestTokenCoversInactiveAssignedEvent(t *testing.T) {
	issuer := transport.NewGrantIssuer("chat-secret", "eventchat")
	f := newChatFixture(t, issuer)
	ctx := context.Background()
	require.NoError(t, f.orm.Model(&model.Event{}).Where("id = ?", eventOne).Update("is_active", false).Error)

	tok, err := f.svc.GetToken(ctx, f.u1)
	require.NoError(t, err)
	assert.Equal(t, []string{"event:1"}, tok.ScopedChannels)

	grant, err := issuer.Verify(tok.Token)
	require.NoError(t, err)
	require.NoError(t, f.svc.AuthorizeSubscribe(ctx, grant, "event:1"))

	_, err = f.svc.FetchHistory(ctx, f.u1, "event:1", repository.PageOptions{})
	assert.NoError(t, err)

	// 提升角色只枚举进行中的活动
	adminTok, err := f.svc.GetToken(ctx, f.admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"event:2"}, adminTok.ScopedChannels)
}

func TestIdentityModeChecksPolicyOnSubscribe(t *testing.T) {
	f := newChatFixture(t, transport.IdentityIssuer{})
	ctx := context.Background()

	tok, err := f.svc.GetToken(ctx, f.u3)
	require.NoError(t, err)
	assert.Equal(t, "uid:3", tok.Token)

	grant, err := transport.IdentityIssuer{}.Verify(tok.Token)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.AuthorizeSubscribe(ctx, grant, "event:1"), apperr.ErrForbidden)

	require.NoError(t, f.orm.Create(&model.EventAssignment{EventID: eventOne, UserID: 3}).Error)
	assert.NoError(t, f.svc.AuthorizeSubscribe(ctx, grant, "event:1"))
}

func TestPresence(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	members, err := f.svc.Presence(ctx, f.u1, "event:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, members)

	_, err = f.svc.Presence(ctx, f.u3, "event:1")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}
