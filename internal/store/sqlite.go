package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/robot"
)

const memoryPath = ":memory:"

// SQLite backs key pairs, robot records and, unless Redis is configured,
// robot status.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-process database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == memoryPath {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if path != memoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS key_pairs (
		purpose TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		encrypted_private_key TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		key_size INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS robots (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		auth_type INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 0,
		status_updated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_robots_org ON robots(organization_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetKeyPair implements keys.Store.
func (s *SQLite) GetKeyPair(ctx context.Context, purpose keys.Purpose) (keys.StoredKeyPair, error) {
	var (
		kp        keys.StoredKeyPair
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT purpose, public_key, encrypted_private_key, algorithm, key_size, created_at
		 FROM key_pairs WHERE purpose = ?`, string(purpose),
	).Scan(&kp.Purpose, &kp.PublicKey, &kp.EncryptedPrivateKey, &kp.Algorithm, &kp.KeySize, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return keys.StoredKeyPair{}, keys.ErrKeyPairNotFound
	}
	if err != nil {
		return keys.StoredKeyPair{}, fmt.Errorf("query key pair: %w", err)
	}
	kp.CreatedAt = time.UnixMilli(createdAt)
	return kp, nil
}

// SaveKeyPair implements keys.Store. An existing purpose is left untouched.
func (s *SQLite) SaveKeyPair(ctx context.Context, kp keys.StoredKeyPair) error {
	createdAt := kp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO key_pairs (purpose, public_key, encrypted_private_key, algorithm, key_size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(kp.Purpose), kp.PublicKey, kp.EncryptedPrivateKey, kp.Algorithm, kp.KeySize, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert key pair: %w", err)
	}
	return nil
}

// UpsertRobot inserts or updates a robot record. Status is preserved on
// update.
func (s *SQLite) UpsertRobot(ctx context.Context, rec robot.Record) error {
	if rec.ID == "" || rec.OrganizationID == "" {
		return fmt.Errorf("robot record needs id and organization id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO robots (id, organization_id, name, auth_type) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			auth_type = excluded.auth_type`,
		NormalizeRobotID(rec.ID), rec.OrganizationID, rec.Name, int(rec.AuthType),
	)
	if err != nil {
		return fmt.Errorf("upsert robot: %w", err)
	}
	return nil
}

// LookupRobot implements RobotLookup.
func (s *SQLite) LookupRobot(ctx context.Context, robotID string) (robot.Record, error) {
	var (
		rec      robot.Record
		authType int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, auth_type FROM robots WHERE id = ?`, NormalizeRobotID(robotID),
	).Scan(&rec.ID, &rec.OrganizationID, &rec.Name, &authType)
	if errors.Is(err, sql.ErrNoRows) {
		return robot.Record{}, ErrRobotNotFound
	}
	if err != nil {
		return robot.Record{}, fmt.Errorf("query robot: %w", err)
	}
	rec.AuthType = robot.AuthType(authType)
	return rec, nil
}

// UpdateRobotStatus implements StatusStore.
func (s *SQLite) UpdateRobotStatus(ctx context.Context, robotID string, status robot.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE robots SET status = ?, status_updated_at = ? WHERE id = ?`,
		int(status), s.now().UnixMilli(), NormalizeRobotID(robotID),
	)
	if err != nil {
		return fmt.Errorf("update robot status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRobotNotFound
	}
	return nil
}

func (s *SQLite) RobotStatus(ctx context.Context, robotID string) (robot.Status, error) {
	var status int
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM robots WHERE id = ?`, NormalizeRobotID(robotID),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRobotNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query robot status: %w", err)
	}
	return robot.Status(status), nil
}
