package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Store on a single SQLite database file.
type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLite opens (and creates if needed) the database at path.
func NewSQLite(path string, log *slog.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite serializes writers; one connection keeps appends in order.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		type       TEXT NOT NULL,
		from_user  TEXT NOT NULL,
		to_user    TEXT,
		group_id   TEXT,
		pair_key   TEXT,
		content    TEXT,
		file_id    TEXT,
		file_name  TEXT,
		file_type  TEXT,
		file_size  INTEGER,
		file_url   TEXT,
		timestamp  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_scope ON messages(type, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(pair_key, timestamp);

	CREATE TABLE IF NOT EXISTS groups (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		creator    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id  TEXT NOT NULL REFERENCES groups(id),
		user_id   TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS files (
		id          TEXT PRIMARY KEY,
		filename    TEXT NOT NULL,
		filepath    TEXT NOT NULL,
		filetype    TEXT NOT NULL,
		filesize    INTEGER NOT NULL,
		uploaded_at INTEGER NOT NULL,
		uploaded_by TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendMessage stores msg. The caller assigns id and timestamp.
func (s *SQLite) AppendMessage(ctx context.Context, msg Message) error {
	var toUser, groupID, pair sql.NullString
	switch msg.Kind {
	case KindPrivate:
		toUser = sql.NullString{String: msg.To, Valid: true}
		pair = sql.NullString{String: pairKey(msg.From, msg.To), Valid: true}
	case KindGroup:
		groupID = sql.NullString{String: msg.To, Valid: true}
	}

	var fileID, fileName, fileType, fileURL sql.NullString
	var fileSize sql.NullInt64
	if a := msg.Attachment; a != nil {
		fileID = sql.NullString{String: a.FileID, Valid: true}
		fileName = sql.NullString{String: a.FileName, Valid: true}
		fileType = sql.NullString{String: a.FileType, Valid: true}
		fileURL = sql.NullString{String: a.URL, Valid: true}
		fileSize = sql.NullInt64{Int64: a.Size, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, type, from_user, to_user, group_id, pair_key, content,
		                       file_id, file_name, file_type, file_size, file_url, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Kind), msg.From, toUser, groupID, pair, msg.Content,
		fileID, fileName, fileType, fileSize, fileURL, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

// QueryHistory returns one page of the requested scope, oldest first.
func (s *SQLite) QueryHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if err := q.Validate(); err != nil {
		return HistoryPage{}, err
	}

	var where string
	var args []any
	switch q.Scope {
	case KindBroadcast:
		where = "type = ?"
		args = []any{string(KindBroadcast)}
	case KindPrivate:
		where = "type = ? AND pair_key = ?"
		args = []any{string(KindPrivate), pairKey(q.User, q.Peer)}
	case KindGroup:
		where = "type = ? AND group_id = ?"
		args = []any{string(KindGroup), q.GroupID}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("begin history read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE "+where, args...).Scan(&total); err != nil {
		return HistoryPage{}, fmt.Errorf("count history: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, type, from_user, to_user, group_id, content,
		        file_id, file_name, file_type, file_size, file_url, timestamp
		 FROM messages WHERE `+where+` ORDER BY timestamp, seq LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...,
	)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, q.Limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, fmt.Errorf("iterate history: %w", err)
	}

	return HistoryPage{
		Messages: messages,
		Total:    total,
		HasMore:  q.Offset+q.Limit < total,
	}, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var (
		msg                                 Message
		kind                                string
		toUser, groupID                     sql.NullString
		fileID, fileName, fileType, fileURL sql.NullString
		fileSize                            sql.NullInt64
		ts                                  int64
	)
	if err := rows.Scan(&msg.ID, &kind, &msg.From, &toUser, &groupID, &msg.Content,
		&fileID, &fileName, &fileType, &fileSize, &fileURL, &ts); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}

	msg.Kind = Kind(kind)
	msg.Timestamp = time.Unix(0, ts).UTC()
	switch msg.Kind {
	case KindPrivate:
		msg.To = toUser.String
	case KindGroup:
		msg.To = groupID.String
	}
	if fileID.Valid {
		msg.Attachment = &Attachment{
			FileID:   fileID.String,
			FileName: fileName.String,
			FileType: fileType.String,
			Size:     fileSize.Int64,
			URL:      fileURL.String,
		}
	}
	return msg, nil
}

// CreateGroup stores the group row and its members in one transaction.
func (s *SQLite) CreateGroup(ctx context.Context, g GroupRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO groups (id, name, creator, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, g.Creator, g.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert group %s: %w", g.ID, err)
	}

	for _, member := range g.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)`,
			g.ID, member, g.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert member %s of %s: %w", member, g.ID, err)
		}
	}

	return tx.Commit()
}

// AddMember records a membership; repeating it is a no-op.
func (s *SQLite) AddMember(ctx context.Context, groupID, userID string, joinedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)`,
		groupID, userID, joinedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userID, groupID, err)
	}
	return nil
}

// LoadGroups returns every group with its members in join order.
func (s *SQLite) LoadGroups(ctx context.Context) ([]GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, creator, created_at FROM groups ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	defer rows.Close()

	var groups []GroupRecord
	index := make(map[string]int)
	for rows.Next() {
		var g GroupRecord
		var created int64
		if err := rows.Scan(&g.ID, &g.Name, &g.Creator, &created); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.CreatedAt = time.Unix(0, created).UTC()
		index[g.ID] = len(groups)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := s.db.QueryContext(ctx,
		`SELECT group_id, user_id FROM group_members ORDER BY joined_at, user_id`)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var groupID, userID string
		if err := memberRows.Scan(&groupID, &userID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		i, ok := index[groupID]
		if !ok {
			s.log.Warn("Skipping membership of unknown group", "group", groupID, "user", userID)
			continue
		}
		groups[i].Members = append(groups[i].Members, userID)
	}
	return groups, memberRows.Err()
}

// SaveFile stores a file record.
func (s *SQLite) SaveFile(ctx context.Context, f FileRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, filename, filepath, filetype, filesize, uploaded_at, uploaded_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Path, f.Type, f.Size, f.UploadedAt.UnixNano(), f.UploadedBy,
	)
	if err != nil {
		return fmt.Errorf("save file %s: %w", f.ID, err)
	}
	return nil
}

// GetFile returns the record for id or ErrNotFound.
func (s *SQLite) GetFile(ctx context.Context, id string) (FileRecord, error) {
	var f FileRecord
	var uploaded int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, filepath, filetype, filesize, uploaded_at, uploaded_by FROM files WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &f.Path, &f.Type, &f.Size, &uploaded, &f.UploadedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file %s: %w", id, err)
	}
	f.UploadedAt = time.Unix(0, uploaded).UTC()
	return f, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
