package store

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/multierr"
)

const (
	messagePrefix = "msg:"
	groupPrefix   = "grp:"
	memberPrefix  = "mbr:"
	filePrefix    = "file:"
	sequenceKey   = "seq:messages"
)

// Badger implements Store on an embedded BadgerDB.
//
// Messages are keyed "msg:{scope}:{timestamp}:{seq}" with both numbers
// zero padded to 19 digits, so a prefix scan of one scope yields the
// conversation in chronological order and equal timestamps keep their
// insertion order.
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// NewBadger opens the database directory at path.
func NewBadger(path string, log *slog.Logger) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("cannot open badger at %s: %w", path, err)
	}
	return newBadger(db, log)
}

func newBadger(db *badger.DB, log *slog.Logger) (*Badger, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot allocate message sequence: %w", err)
	}
	return &Badger{db: db, seq: seq, log: log}, nil
}

type diskMessage struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	From       string      `json:"from"`
	To         string      `json:"to,omitempty"`
	Content    string      `json:"content"`
	At         int64       `json:"at"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type diskGroup struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Creator   string `json:"creator"`
	CreatedAt int64  `json:"createdAt"`
}

type diskFile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	UploadedBy string `json:"uploadedBy"`
	UploadedAt int64  `json:"uploadedAt"`
}

func scopePrefix(kind Kind, a, b string) string {
	switch kind {
	case KindPrivate:
		return messagePrefix + "private:" + hex.EncodeToString([]byte(pairKey(a, b))) + ":"
	case KindGroup:
		return messagePrefix + "group:" + hex.EncodeToString([]byte(a)) + ":"
	default:
		return messagePrefix + "broadcast:"
	}
}

func memberKey(groupID, userID string) []byte {
	return []byte(memberPrefix + hex.EncodeToString([]byte(groupID)) + ":" + hex.EncodeToString([]byte(userID)))
}

// AppendMessage stores msg under its scope prefix. Badger transactions
// take no context, so ctx is only checked before the write starts.
func (b *Badger) AppendMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	n, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("next message sequence: %w", err)
	}

	var prefix string
	switch msg.Kind {
	case KindPrivate:
		prefix = scopePrefix(KindPrivate, msg.From, msg.To)
	case KindGroup:
		prefix = scopePrefix(KindGroup, msg.To, "")
	default:
		prefix = scopePrefix(KindBroadcast, "", "")
	}
	key := fmt.Sprintf("%s%019d:%019d", prefix, msg.Timestamp.UnixNano(), n)

	value, err := json.Marshal(diskMessage{
		ID:         msg.ID,
		Kind:       msg.Kind,
		From:       msg.From,
		To:         msg.To,
		Content:    msg.Content,
		At:         msg.Timestamp.UnixNano(),
		Attachment: msg.Attachment,
	})
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// QueryHistory scans one scope prefix, counting every entry and decoding
// only those inside the requested window. Like AppendMessage it checks ctx
// once, before the read transaction.
func (b *Badger) QueryHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if err := q.Validate(); err != nil {
		return HistoryPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, fmt.Errorf("query history: %w", err)
	}

	var prefix []byte
	switch q.Scope {
	case KindPrivate:
		prefix = []byte(scopePrefix(KindPrivate, q.User, q.Peer))
	case KindGroup:
		prefix = []byte(scopePrefix(KindGroup, q.GroupID, ""))
	default:
		prefix = []byte(scopePrefix(KindBroadcast, "", ""))
	}

	var page HistoryPage
	err := b.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			i := page.Total
			page.Total++
			if i < q.Offset || i >= q.Offset+q.Limit {
				continue
			}
			err := it.Item().Value(func(value []byte) error {
				var dm diskMessage
				if err := json.Unmarshal(value, &dm); err != nil {
					return err
				}
				page.Messages = append(page.Messages, toMessage(dm))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("query history: %w", err)
	}
	page.HasMore = q.Offset+q.Limit < page.Total
	return page, nil
}

func toMessage(dm diskMessage) Message {
	return Message{
		ID:         dm.ID,
		Kind:       dm.Kind,
		From:       dm.From,
		To:         dm.To,
		Content:    dm.Content,
		Timestamp:  time.Unix(0, dm.At).UTC(),
		Attachment: dm.Attachment,
	}
}

// CreateGroup writes the group and its initial members in one transaction.
func (b *Badger) CreateGroup(_ context.Context, g GroupRecord) error {
	value, err := json.Marshal(diskGroup{
		ID:        g.ID,
		Name:      g.Name,
		Creator:   g.Creator,
		CreatedAt: g.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(groupPrefix+g.ID), value); err != nil {
			return err
		}
		for _, member := range g.Members {
			if err := txn.Set(memberKey(g.ID, member), encodeTime(g.CreatedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddMember records a membership; the first join time is kept on repeats.
func (b *Badger) AddMember(_ context.Context, groupID, userID string, joinedAt time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		key := memberKey(groupID, userID)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, encodeTime(joinedAt))
	})
}

type joinedMember struct {
	user string
	at   int64
}

// LoadGroups returns every group with its members in join order.
func (b *Badger) LoadGroups(_ context.Context) ([]GroupRecord, error) {
	var groups []GroupRecord
	members := make(map[string][]joinedMember)

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(groupPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var dg diskGroup
				if err := json.Unmarshal(value, &dg); err != nil {
					return err
				}
				groups = append(groups, GroupRecord{
					ID:        dg.ID,
					Name:      dg.Name,
					Creator:   dg.Creator,
					CreatedAt: time.Unix(0, dg.CreatedAt).UTC(),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}

		prefix = []byte(memberPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			groupID, userID, err := splitMemberKey(item.Key())
			if err != nil {
				b.log.Warn("Skipping malformed membership key", "key", string(item.Key()), "error", err)
				continue
			}
			err = item.Value(func(value []byte) error {
				members[groupID] = append(members[groupID], joinedMember{user: userID, at: decodeTime(value)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].CreatedAt.Before(groups[j].CreatedAt)
	})
	for i := range groups {
		joined := members[groups[i].ID]
		sort.SliceStable(joined, func(x, y int) bool {
			if joined[x].at != joined[y].at {
				return joined[x].at < joined[y].at
			}
			return joined[x].user < joined[y].user
		})
		for _, m := range joined {
			groups[i].Members = append(groups[i].Members, m.user)
		}
	}
	return groups, nil
}

func splitMemberKey(key []byte) (string, string, error) {
	rest := string(key[len(memberPrefix):])
	for i := 0; i < len(rest); i++ {
		if rest[i] != ':' {
			continue
		}
		groupID, err := hex.DecodeString(rest[:i])
		if err != nil {
			return "", "", err
		}
		userID, err := hex.DecodeString(rest[i+1:])
		if err != nil {
			return "", "", err
		}
		return string(groupID), string(userID), nil
	}
	return "", "", fmt.Errorf("missing separator")
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeTime(value []byte) int64 {
	if len(value) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(value))
}

// SaveFile stores a file record.
func (b *Badger) SaveFile(_ context.Context, f FileRecord) error {
	value, err := json.Marshal(diskFile{
		ID:         f.ID,
		Name:       f.Name,
		Path:       f.Path,
		Type:       f.Type,
		Size:       f.Size,
		UploadedBy: f.UploadedBy,
		UploadedAt: f.UploadedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(filePrefix+f.ID), value)
	})
}

// GetFile returns the record for id or ErrNotFound.
func (b *Badger) GetFile(_ context.Context, id string) (FileRecord, error) {
	var df diskFile
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(filePrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &df)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file %s: %w", id, err)
	}
	return FileRecord{
		ID:         df.ID,
		Name:       df.Name,
		Path:       df.Path,
		Type:       df.Type,
		Size:       df.Size,
		UploadedBy: df.UploadedBy,
		UploadedAt: time.Unix(0, df.UploadedAt).UTC(),
	}, nil
}

// Close releases the sequence lease and the database lock.
func (b *Badger) Close() error {
	return multierr.Combine(b.seq.Release(), b.db.Close())
}
