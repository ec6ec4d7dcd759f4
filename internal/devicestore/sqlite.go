package devicestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

const (
	sqliteDirPermissions  = 0o750
	sqliteFilePermissions = 0o600
	sqlitePingTimeout     = 5 * time.Second
	sqliteTimeLayout      = time.RFC3339Nano
)

// 同一 deviceId 至多一条 live 记录由部分唯一索引保证。
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id  TEXT    NOT NULL,
	user_id    TEXT    NOT NULL DEFAULT '',
	channel    TEXT    NOT NULL DEFAULT '',
	is_deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT    NOT NULL,
	updated_at TEXT    NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_live ON devices(device_id) WHERE is_deleted = 0;
CREATE INDEX IF NOT EXISTS idx_devices_channel ON devices(channel);
`

// SQLiteConfig 对应配置文件 store.sqlite 段。
type SQLiteConfig struct {
	Path    string `mapstructure:"path"`
	WALMode bool   `mapstructure:"walMode"`
	// BusyTimeout 为等待数据库锁的最长时间（秒）。
	BusyTimeout int `mapstructure:"busyTimeout"`
}

// SQLiteStore 是基于 mattn/go-sqlite3 的 Store 实现。
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite 打开（必要时创建）数据库文件并执行建表。
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, merr.WrapErrParameterMissing("store.sqlite.path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), sqliteDirPermissions); err != nil {
		return nil, errors.Wrap(err, "creating database directory")
	}

	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout*1000)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// SQLite 只支持单写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), sqlitePingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "verifying database connection")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "applying device schema")
	}
	_ = os.Chmod(cfg.Path, sqliteFilePermissions)

	log.Info("sqlite device store opened", zap.String("path", cfg.Path), zap.Bool("wal", cfg.WALMode))
	return &SQLiteStore{db: db, path: cfg.Path, now: time.Now}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, device Device) error {
	if device.DeviceID == "" {
		return merr.WrapErrParameterMissing("deviceId")
	}
	now := s.now().UTC().Format(sqliteTimeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices (device_id, user_id, channel, is_deleted, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?)
ON CONFLICT(device_id) WHERE is_deleted = 0
DO UPDATE SET user_id = excluded.user_id, channel = excluded.channel, updated_at = excluded.updated_at`,
		device.DeviceID, device.UserID, device.Channel, now, now)
	if err != nil {
		return errors.Wrapf(err, "upsert device %s", device.DeviceID)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, patch Patch, filter Filter) (int64, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UTC().Format(sqliteTimeLayout)}
	if patch.UserID != nil {
		sets = append(sets, "user_id = ?")
		args = append(args, *patch.UserID)
	}
	if patch.Channel != nil {
		sets = append(sets, "channel = ?")
		args = append(args, *patch.Channel)
	}
	if patch.IsDeleted != nil {
		sets = append(sets, "is_deleted = ?")
		args = append(args, *patch.IsDeleted)
	}

	where, whereArgs := sqliteWhere(filter)
	query := "UPDATE devices SET " + strings.Join(sets, ", ") + where
	res, err := s.db.ExecContext(ctx, query, append(args, whereArgs...)...)
	if err != nil {
		return 0, errors.Wrap(err, "update devices")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Destroy(ctx context.Context, filter Filter) (int64, error) {
	where, args := sqliteWhere(filter)
	res, err := s.db.ExecContext(ctx, "DELETE FROM devices"+where, args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete devices")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := sqliteWhere(filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices"+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count devices")
	}
	return n, nil
}

// Get 返回 deviceId 对应的 live 记录。
func (s *SQLiteStore) Get(ctx context.Context, deviceID string) (Device, error) {
	var (
		d                Device
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT device_id, user_id, channel, is_deleted, created_at, updated_at
FROM devices WHERE device_id = ? AND is_deleted = 0`, deviceID).
		Scan(&d.DeviceID, &d.UserID, &d.Channel, &d.IsDeleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, merr.WrapErrIoKeyNotFound(deviceID)
	}
	if err != nil {
		return Device{}, errors.Wrapf(err, "get device %s", deviceID)
	}
	d.CreatedAt, _ = time.Parse(sqliteTimeLayout, created)
	d.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updated)
	return d, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "closing database")
	}
	return nil
}

func sqliteWhere(filter Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.DeviceID != nil {
		conds = append(conds, "device_id = ?")
		args = append(args, *filter.DeviceID)
	}
	if filter.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.Channel != nil {
		conds = append(conds, "channel = ?")
		args = append(args, *filter.Channel)
	}
	if filter.IsDeleted != nil {
		conds = append(conds, "is_deleted = ?")
		args = append(args, *filter.IsDeleted)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
