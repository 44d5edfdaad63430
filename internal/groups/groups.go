// Package groups keeps group metadata and member sets. Every mutation is
// written to the persistence gateway before routing can observe it.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Tyrowin/hybridchat/internal/store"
)

// ErrNotFound is returned for operations on an unknown group id.
var ErrNotFound = errors.New("group not found")

// Set is a set of user identities.
type Set map[string]struct{}

// Has reports whether user is in the set.
func (s Set) Has(user string) bool {
	_, ok := s[user]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	members := lo.Keys(s)
	sort.Strings(members)
	return members
}

// Group is a read-only copy of a group.
type Group struct {
	ID        string
	Name      string
	Creator   string
	Members   Set
	CreatedAt time.Time
}

type group struct {
	id        string
	name      string
	creator   string
	members   Set
	createdAt time.Time
}

func (g *group) snapshot() Group {
	members := make(Set, len(g.members))
	for m := range g.members {
		members[m] = struct{}{}
	}
	return Group{ID: g.id, Name: g.name, Creator: g.creator, Members: members, CreatedAt: g.createdAt}
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for creation and join times.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator overrides group id allocation.
func WithIDGenerator(next func() string) Option {
	return func(s *Store) { s.newID = next }
}

// Store is the in-memory view of all groups, backed by a store.GroupLog.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*group
	log    store.GroupLog
	logger *slog.Logger
	clock  clock.Clock
	newID  func() string
}

// New returns an empty Store writing through to log.
func New(log store.GroupLog, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		groups: make(map[string]*group),
		log:    log,
		logger: logger,
		clock:  clock.New(),
		newID:  func() string { return "group_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory view with the durable groups.
func (s *Store) Load(ctx context.Context) error {
	records, err := s.log.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	loaded := make(map[string]*group, len(records))
	for _, r := range records {
		g := &group{id: r.ID, name: r.Name, creator: r.Creator, createdAt: r.CreatedAt, members: make(Set, len(r.Members)+1)}
		for _, m := range r.Members {
			g.members[m] = struct{}{}
		}
		// The creator is a member even if the membership row was lost.
		g.members[r.Creator] = struct{}{}
		loaded[r.ID] = g
	}

	s.mu.Lock()
	s.groups = loaded
	s.mu.Unlock()

	s.logger.Info("Groups loaded", "count", len(loaded))
	return nil
}

// Create allocates a group whose only member is creator.
func (s *Store) Create(ctx context.Context, name, creator string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := &group{
		id:        s.newID(),
		name:      name,
		creator:   creator,
		members:   Set{creator: {}},
		createdAt: s.clock.Now().UTC(),
	}
	if _, exists := s.groups[g.id]; exists {
		return Group{}, fmt.Errorf("group id %s already allocated", g.id)
	}

	record := store.GroupRecord{ID: g.id, Name: g.name, Creator: creator, CreatedAt: g.createdAt, Members: []string{creator}}
	if err := s.log.CreateGroup(ctx, record); err != nil {
		return Group{}, fmt.Errorf("persist group %s: %w", g.id, err)
	}

	s.groups[g.id] = g
	s.logger.Info("Group created", "group", g.id, "name", name, "creator", creator)
	return g.snapshot(), nil
}

// Join adds user to the group. Joining twice is a no-op; added reports
// whether the membership is new.
func (s *Store) Join(ctx context.Context, groupID, user string) (Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, false, fmt.Errorf("join %s: %w", groupID, ErrNotFound)
	}
	if g.members.Has(user) {
		return g.snapshot(), false, nil
	}

	if err := s.log.AddMember(ctx, groupID, user, s.clock.Now().UTC()); err != nil {
		return Group{}, false, fmt.Errorf("persist membership of %s in %s: %w", user, groupID, err)
	}

	g.members[user] = struct{}{}
	s.logger.Info("User joined group", "group", groupID, "user", user, "members", len(g.members))
	return g.snapshot(), true, nil
}

// MembersOf returns a copy of the member set.
func (s *Store) MembersOf(groupID string) (Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, false
	}
	return g.snapshot().Members, true
}

// Exists reports whether groupID is known.
func (s *Store) Exists(groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.groups[groupID]
	return ok
}

// IsMember reports whether user belongs to groupID.
func (s *Store) IsMember(groupID, user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	return ok && g.members.Has(user)
}

// Get returns a copy of the group.
func (s *Store) Get(groupID string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return g.snapshot(), true
}

// List returns every group ordered by creation time.
func (s *Store) List() []Group {
	s.mu.RLock()
	groups := lo.MapToSlice(s.groups, func(_ string, g *group) Group { return g.snapshot() })
	s.mu.RUnlock()

	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].CreatedAt.Before(groups[j].CreatedAt)
		}
		return groups[i].ID < groups[j].ID
	})
	return groups
}
