package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/hybridchat/internal/dispatch"
	"github.com/Tyrowin/hybridchat/internal/groups"
	"github.com/Tyrowin/hybridchat/internal/registry"
	"github.com/Tyrowin/hybridchat/internal/store"
	"github.com/Tyrowin/hybridchat/internal/testhelpers"
)

type failingLog struct {
	mock.Mock
}

func (f *failingLog) AppendMessage(ctx context.Context, msg store.Message) error {
	return f.Called(ctx, msg).Error(0)
}

func (f *failingLog) QueryHistory(ctx context.Context, q store.HistoryQuery) (store.HistoryPage, error) {
	args := f.Called(ctx, q)
	return args.Get(0).(store.HistoryPage), args.Error(1)
}

type fixture struct {
	reg    *registry.Registry
	groups *groups.Store
	db     *store.SQLite
	clock  *clock.Mock
	engine *dispatch.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logs.GetLoggerFromLevel(slog.LevelError)
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mc := clock.NewMock()
	mc.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	f := &fixture{
		reg:    registry.New(),
		groups: groups.New(db, logger, groups.WithClock(mc)),
		db:     db,
		clock:  mc,
	}
	f.engine = dispatch.New(f.reg, f.groups, db, logger, dispatch.WithClock(mc))
	return f
}

func (f *fixture) online(identity string) *testhelpers.FakeConn {
	c := testhelpers.NewFakeConn(identity + "-conn")
	f.reg.Bind(identity, c)
	return c
}

func TestBroadcastExcludesSenderAndConfirms(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice, bob, carol := f.online("alice"), f.online("bob"), f.online("carol")

	res, err := f.engine.Dispatch(context.Background(),
		dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindBroadcast, Content: "hello"})
	req.NoError(err)
	req.Equal(2, res.Delivered)
	req.Empty(res.Stale)
	req.Equal(f.clock.Now().UTC(), res.Message.Timestamp)

	for _, c := range []*testhelpers.FakeConn{bob, carol} {
		got := c.Payloads(t)
		req.Len(got, 1)
		req.Equal("chat", got[0]["type"])
		req.Equal("alice", got[0]["from"])
		req.Equal("hello", got[0]["content"])
	}
	echo := alice.Payloads(t)
	req.Len(echo, 1)
	req.Equal("chat_sent", echo[0]["type"])
	req.Equal(res.Message.ID, echo[0]["id"])
}

func TestPrivateToOfflineUserIsPersistedNotPushed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.online("alice")

	res, err := f.engine.Dispatch(context.Background(),
		dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindPrivate, To: "bob", Content: "are you there"})
	req.NoError(err)
	req.Zero(res.Delivered)
	req.Empty(res.Stale)

	echo := alice.Payloads(t)
	req.Len(echo, 1)
	req.Equal("private_chat_sent", echo[0]["type"])
	req.Equal("bob", echo[0]["to"])

	page, err := f.db.QueryHistory(context.Background(), store.HistoryQuery{Scope: store.KindPrivate, User: "bob", Peer: "alice", Limit: 10})
	req.NoError(err)
	req.Equal(1, page.Total)
	req.Equal("are you there", page.Messages[0].Content)
}

func TestPrivateToOnlineUser(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.online("alice"), f.online("bob"), f.online("carol")

	res, err := f.engine.Dispatch(context.Background(),
		dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindPrivate, To: "bob", Content: "psst"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	got := bob.Payloads(t)
	require.Len(t, got, 1)
	assert.Equal(t, "private_chat", got[0]["type"])
	assert.Equal(t, "alice", got[0]["from"])
	assert.Zero(t, carol.Count())
}

func TestGroupFanOutToOtherMembers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.online("alice"), f.online("bob"), f.online("carol")

	g, err := f.groups.Create(ctx, "team", "alice")
	req.NoError(err)
	_, _, err = f.groups.Join(ctx, g.ID, "bob")
	req.NoError(err)
	_, _, err = f.groups.Join(ctx, g.ID, "dave")
	req.NoError(err)

	res, err := f.engine.Dispatch(ctx,
		dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindGroup, To: g.ID, Content: "standup"})
	req.NoError(err)
	req.Equal(1, res.Delivered, "offline dave is skipped")

	got := bob.Payloads(t)
	req.Len(got, 1)
	req.Equal("group_chat", got[0]["type"])
	req.Equal(g.ID, got[0]["groupId"])
	req.Zero(carol.Count())

	echo := alice.Payloads(t)
	req.Len(echo, 1)
	req.Equal("group_chat_sent", echo[0]["type"])
}

func TestGroupMessageFromNonMemberIsDropped(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice, mallory := f.online("alice"), f.online("mallory")

	g, err := f.groups.Create(ctx, "team", "alice")
	req.NoError(err)

	_, err = f.engine.Dispatch(ctx,
		dispatch.Sender{Identity: "mallory", Conn: mallory},
		dispatch.Outbound{Kind: store.KindGroup, To: g.ID, Content: "let me in"})
	req.ErrorIs(err, dispatch.ErrNotMember)
	req.Zero(alice.Count())
	req.Zero(mallory.Count())

	page, err := f.db.QueryHistory(ctx, store.HistoryQuery{Scope: store.KindGroup, GroupID: g.ID, Limit: 10})
	req.NoError(err)
	req.Zero(page.Total)
}

func TestGroupMessageToUnknownGroup(t *testing.T) {
	f := newFixture(t)
	alice := f.online("alice")

	_, err := f.engine.Dispatch(context.Background(),
		dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindGroup, To: "group_nope", Content: "hi"})
	require.ErrorIs(t, err, dispatch.ErrGroupNotFound)
	require.Zero(t, alice.Count())
}

func TestPersistenceFailureDeliversNothing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice, bob := f.online("alice"), f.online("bob")

	log := &failingLog{}
	log.On("AppendMessage", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	engine := dispatch.New(f.reg, f.groups, log, slog.Default())

	_, err := engine.Dispatch(context.Background(),
		dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindBroadcast, Content: "lost"})
	req.ErrorIs(err, dispatch.ErrPersistence)
	req.Zero(bob.Count())
	req.Zero(alice.Count())
	log.AssertExpectations(t)
}

func TestStaleTargetsAreReported(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice, bob, carol := f.online("alice"), f.online("bob"), f.online("carol")
	bob.Close()
	carol.SetFull(true)

	res, err := f.engine.Dispatch(context.Background(),
		dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindBroadcast, Content: "anyone"})
	req.NoError(err, "transport failures never reach the sender")
	req.Zero(res.Delivered)
	req.Len(res.Stale, 2)

	ids := []string{res.Stale[0].ID(), res.Stale[1].ID()}
	req.ElementsMatch([]string{"bob-conn", "carol-conn"}, ids)
	req.Equal(1, alice.Count())
}

func TestAttachmentIsCarriedUnchanged(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.online("alice"), f.online("bob")
	file := &store.Attachment{FileID: "f1", FileName: "cat.png", FileType: "image/png", Size: 42, URL: "/api/files/f1"}

	res, err := f.engine.Dispatch(context.Background(),
		dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindBroadcast, Attachment: file})
	require.NoError(t, err)
	assert.Equal(t, file, res.Message.Attachment)

	got := bob.Payloads(t)
	require.Len(t, got, 1)
	attachment := got[0]["file"].(map[string]any)
	assert.Equal(t, "f1", attachment["fileId"])
	assert.Equal(t, "/api/files/f1", attachment["url"])
}

func TestServerClockIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	alice := f.online("alice")

	first, err := f.engine.Dispatch(context.Background(), dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindBroadcast, Content: "one"})
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	second, err := f.engine.Dispatch(context.Background(), dispatch.Sender{Identity: "alice", Conn: alice},
		dispatch.Outbound{Kind: store.KindBroadcast, Content: "two"})
	require.NoError(t, err)

	assert.Equal(t, time.Minute, second.Message.Timestamp.Sub(first.Message.Timestamp))
	assert.NotEqual(t, first.Message.ID, second.Message.ID)
}

func TestUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Dispatch(context.Background(), dispatch.Sender{Identity: "alice"}, dispatch.Outbound{Kind: "shout"})
	require.ErrorIs(t, err, dispatch.ErrInvalidKind)
}
