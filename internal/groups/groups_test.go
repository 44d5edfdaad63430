package groups_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/hybridchat/internal/groups"
	"github.com/Tyrowin/hybridchat/internal/store"
)

type mockGroupLog struct {
	mock.Mock
}

func (m *mockGroupLog) CreateGroup(ctx context.Context, g store.GroupRecord) error {
	return m.Called(ctx, g).Error(0)
}

func (m *mockGroupLog) AddMember(ctx context.Context, groupID, userID string, joinedAt time.Time) error {
	return m.Called(ctx, groupID, userID, joinedAt).Error(0)
}

func (m *mockGroupLog) LoadGroups(ctx context.Context) ([]store.GroupRecord, error) {
	args := m.Called(ctx)
	records, _ := args.Get(0).([]store.GroupRecord)
	return records, args.Error(1)
}

func newSQLite(t *testing.T) *store.SQLite {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "groups.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestCreatorIsAlwaysMember checks the creator invariant and idempotent join.
func TestCreatorIsAlwaysMember(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	gs := groups.New(newSQLite(t), logs.GetLoggerFromLevel(slog.LevelError))

	g, err := gs.Create(ctx, "team", "alice")
	req.NoError(err)
	req.Contains(g.ID, "group_")
	req.True(g.Members.Has("alice"))

	members, ok := gs.MembersOf(g.ID)
	req.True(ok)
	req.Equal([]string{"alice"}, members.Sorted())

	_, added, err := gs.Join(ctx, g.ID, "bob")
	req.NoError(err)
	req.True(added)

	_, added, err = gs.Join(ctx, g.ID, "bob")
	req.NoError(err)
	req.False(added)

	members, _ = gs.MembersOf(g.ID)
	req.Len(members, 2)
	req.True(members.Has("alice"))
	req.True(gs.IsMember(g.ID, "bob"))
}

func TestCreateAllocatesUniqueIDs(t *testing.T) {
	ctx := context.Background()
	gs := groups.New(newSQLite(t), slog.Default())

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		g, err := gs.Create(ctx, "same name", "alice")
		require.NoError(t, err)
		require.False(t, seen[g.ID])
		seen[g.ID] = true
	}
	require.Len(t, gs.List(), 20)
}

func TestJoinUnknownGroup(t *testing.T) {
	gs := groups.New(newSQLite(t), slog.Default())

	_, _, err := gs.Join(context.Background(), "group_missing", "bob")
	require.ErrorIs(t, err, groups.ErrNotFound)
	require.False(t, gs.Exists("group_missing"))
	_, ok := gs.MembersOf("group_missing")
	require.False(t, ok)
}

// TestMutationsAreDurableBeforeVisible: a failed write must leave routing
// unchanged.
func TestMutationsAreDurableBeforeVisible(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := &mockGroupLog{}
	log.On("CreateGroup", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	gs := groups.New(log, slog.Default(), groups.WithIDGenerator(func() string { return "group_fixed" }))
	_, err := gs.Create(ctx, "team", "alice")
	req.Error(err)
	req.False(gs.Exists("group_fixed"))

	log.On("CreateGroup", mock.Anything, mock.Anything).Return(nil).Once()
	_, err = gs.Create(ctx, "team", "alice")
	req.NoError(err)

	log.On("AddMember", mock.Anything, "group_fixed", "bob", mock.Anything).Return(errors.New("disk full")).Once()
	_, _, err = gs.Join(ctx, "group_fixed", "bob")
	req.Error(err)
	req.False(gs.IsMember("group_fixed", "bob"))

	log.AssertExpectations(t)
}

func TestLoadRestoresMembership(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db := newSQLite(t)

	first := groups.New(db, slog.Default())
	g, err := first.Create(ctx, "team", "alice")
	req.NoError(err)
	_, _, err = first.Join(ctx, g.ID, "bob")
	req.NoError(err)

	second := groups.New(db, slog.Default())
	req.NoError(second.Load(ctx))
	restored, ok := second.Get(g.ID)
	req.True(ok)
	req.Equal("team", restored.Name)
	req.Equal([]string{"alice", "bob"}, restored.Members.Sorted())
}

func TestLoadKeepsCreatorAsMember(t *testing.T) {
	log := &mockGroupLog{}
	log.On("LoadGroups", mock.Anything).Return([]store.GroupRecord{
		{ID: "group_1", Name: "orphan", Creator: "alice", CreatedAt: time.Now()},
	}, nil)

	gs := groups.New(log, slog.Default())
	require.NoError(t, gs.Load(context.Background()))
	require.True(t, gs.IsMember("group_1", "alice"))
}

func TestSnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	gs := groups.New(newSQLite(t), slog.Default())
	g, err := gs.Create(ctx, "team", "alice")
	require.NoError(t, err)

	members, _ := gs.MembersOf(g.ID)
	members["mallory"] = struct{}{}
	require.False(t, gs.IsMember(g.ID, "mallory"))
}
