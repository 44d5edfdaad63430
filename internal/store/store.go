// Package store is the persistence gateway of the relay: an append-only log
// of chat messages plus group, membership and file records, with the
// filtered, paginated history reads the rest of the system relies on.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned when a record lookup has no match.
var ErrNotFound = errors.New("store: record not found")

// Kind classifies a message by its fan-out scope.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindPrivate   Kind = "private"
	KindGroup     Kind = "group"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindBroadcast, KindPrivate, KindGroup:
		return true
	}
	return false
}

// Attachment references a previously uploaded file. The relay carries it
// unchanged inside a message.
type Attachment struct {
	FileID   string `json:"fileId" validate:"required"`
	FileName string `json:"fileName" validate:"required"`
	FileType string `json:"fileType"`
	Size     int64  `json:"size" validate:"gte=0"`
	URL      string `json:"url"`
}

// Message is an immutable chat message. To holds the recipient identity for
// private messages and the group id for group messages; it is empty for
// broadcasts.
type Message struct {
	ID         string
	Kind       Kind
	From       string
	To         string
	Content    string
	Timestamp  time.Time
	Attachment *Attachment
}

// GroupRecord is the durable form of a group together with its members.
type GroupRecord struct {
	ID        string
	Name      string
	Creator   string
	CreatedAt time.Time
	Members   []string
}

// FileRecord describes an uploaded blob.
type FileRecord struct {
	ID         string
	Name       string
	Path       string
	Type       string
	Size       int64
	UploadedBy string
	UploadedAt time.Time
}

// HistoryQuery selects one conversation scope. User and Peer identify the
// two parties of a private conversation; GroupID the group.
type HistoryQuery struct {
	Scope   Kind
	User    string
	Peer    string
	GroupID string
	Offset  int
	Limit   int
}

// Validate checks that the query names a complete scope.
func (q HistoryQuery) Validate() error {
	switch q.Scope {
	case KindBroadcast:
	case KindPrivate:
		if q.User == "" || q.Peer == "" {
			return fmt.Errorf("private history needs both parties")
		}
	case KindGroup:
		if q.GroupID == "" {
			return fmt.Errorf("group history needs a group id")
		}
	default:
		return fmt.Errorf("unknown history scope %q", q.Scope)
	}
	if q.Offset < 0 || q.Limit < 0 {
		return fmt.Errorf("offset and limit must not be negative")
	}
	return nil
}

// HistoryPage is one page of a history query, oldest first.
type HistoryPage struct {
	Messages []Message
	Total    int
	HasMore  bool
}

// MessageLog appends and reads chat messages.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg Message) error
	QueryHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error)
}

// GroupLog persists groups and memberships.
type GroupLog interface {
	CreateGroup(ctx context.Context, g GroupRecord) error
	AddMember(ctx context.Context, groupID, userID string, joinedAt time.Time) error
	LoadGroups(ctx context.Context) ([]GroupRecord, error)
}

// FileLog persists uploaded file records.
type FileLog interface {
	SaveFile(ctx context.Context, f FileRecord) error
	GetFile(ctx context.Context, id string) (FileRecord, error)
}

// Store is the full persistence gateway.
type Store interface {
	MessageLog
	GroupLog
	FileLog
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// pairKey is the order-independent key of a private conversation. The
// length prefix keeps it unambiguous for identities containing the
// separator.
func pairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return fmt.Sprintf("%d:%s|%s", len(pair[0]), pair[0], pair[1])
}
