package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
)

// SnapshotRecord 每条投影成功的事件对应一条历史记录，
// (document_id, partition_id, offset_id) 唯一，重复投递只会命中唯一键。
type SnapshotRecord struct {
	DocumentID string
	Partition  int32
	Offset     int64
	Version    uint64
	Title      string
	Content    string
	Language   string
	Theme      string
	Origin     string
	AppliedAt  time.Time
}

const createSnapshotsTable = `CREATE TABLE IF NOT EXISTS document_snapshots (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	document_id VARCHAR(64) NOT NULL,
	partition_id INT NOT NULL,
	offset_id BIGINT NOT NULL,
	version BIGINT UNSIGNED NOT NULL,
	title VARCHAR(255) NOT NULL,
	content LONGTEXT NOT NULL,
	language VARCHAR(32) NOT NULL,
	theme VARCHAR(32) NOT NULL,
	origin VARCHAR(64) NOT NULL,
	applied_at DATETIME(6) NOT NULL,
	UNIQUE KEY uk_doc_partition_offset (document_id, partition_id, offset_id)
)`

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createSnapshotsTable)
	return err
}

func (s *SnapshotStore) RecordSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots
		(document_id, partition_id, offset_id, version, title, content, language, theme, origin, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DocumentID, rec.Partition, rec.Offset, rec.Version,
		rec.Title, rec.Content, rec.Language, rec.Theme, rec.Origin, rec.AppliedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

// MySQL 1062: Duplicate entry
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
