package msgstore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/i5heu/ouroboros-ingest/pkg/logging"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accepted_messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	item_hash    TEXT NOT NULL,
	sender       TEXT NOT NULL,
	type         TEXT NOT NULL,
	channel      TEXT NOT NULL DEFAULT '',
	chain        TEXT NOT NULL,
	provenance   TEXT NOT NULL,
	item_type    TEXT NOT NULL,
	item_content BLOB,
	content      TEXT NOT NULL,
	size         INTEGER NOT NULL,
	signature    BLOB,
	time         INTEGER NOT NULL,
	received_at  INTEGER NOT NULL,
	backend      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS accepted_messages_dedup
	ON accepted_messages (item_hash, sender, type, channel);
CREATE TABLE IF NOT EXISTS chain_sync_status (
	chain      TEXT PRIMARY KEY,
	height     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS address_stats (
	address     TEXT NOT NULL,
	type        TEXT NOT NULL,
	nb_messages INTEGER NOT NULL,
	PRIMARY KEY (address, type)
);
`

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

type SQLiteConfig struct {
	Path         string
	PoolSize     int
	CreateSchema bool
	Logger       *slog.Logger
}

// SQLite is the embedded Store for single-node and test deployments.
type SQLite struct {
	pool *sqlitex.Pool
	path string
	log  *slog.Logger
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(config SQLiteConfig) (*SQLite, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range sqlitePragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", config.Path, err)
	}

	s := &SQLite{pool: pool, path: config.Path, log: logging.OrDiscard(config.Logger)}
	if config.CreateSchema {
		if err := s.createSchema(); err != nil {
			pool.Close()
			return nil, err
		}
	}
	s.log.Info("sqlite store opened", "path", config.Path, "pool_size", poolSize)
	return s, nil
}

func (s *SQLite) createSchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLite) VerifySchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}
	defer s.pool.Put(conn)

	var uniqueIndexes []string
	err = sqlitex.Execute(conn,
		`SELECT name FROM pragma_index_list('accepted_messages') WHERE "unique" = 1 AND partial = 0`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				uniqueIndexes = append(uniqueIndexes, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}

	for _, index := range uniqueIndexes {
		var cols []string
		err := sqlitex.Execute(conn, `SELECT name FROM pragma_index_info(?)`, &sqlitex.ExecOptions{
			Args: []any{index},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cols = append(cols, stmt.ColumnText(0))
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("inspect index %s: %w", index, err)
		}
		if sameColumns(cols) {
			return nil
		}
	}
	return ErrMissingConstraint
}

func (s *SQLite) InsertAccepted(ctx context.Context, msg *message.AcceptedMessage) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("insert accepted message: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO accepted_messages
			(item_hash, sender, type, channel, chain, provenance, item_type,
			 item_content, content, size, signature, time, received_at, backend)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				msg.ItemHash, msg.Sender, msg.Type, msg.Channel, msg.Chain,
				string(msg.Provenance), string(msg.ItemType), msg.ItemContent,
				string(msg.Content), int64(msg.Size), msg.Signature,
				msg.Time.UnixNano(), msg.ReceivedAt.UnixNano(), msg.Backend,
			},
		})
	if isUniqueConstraint(err) {
		return ErrDuplicate
	}
	if isInvalidValue(err) {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err != nil {
		return fmt.Errorf("insert accepted message: %w", err)
	}
	return nil
}

func isInvalidValue(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintNotNull, sqlite.ResultConstraintCheck, sqlite.ResultTooBig, sqlite.ResultMismatch:
		return true
	default:
		return false
	}
}

func isUniqueConstraint(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func (s *SQLite) GetAccepted(ctx context.Context, key message.DedupKey) (*message.AcceptedMessage, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("get accepted message: %w", err)
	}
	defer s.pool.Put(conn)

	var found *message.AcceptedMessage
	err = sqlitex.Execute(conn, `
		SELECT item_hash, sender, type, channel, chain, provenance, item_type,
		       item_content, content, size, signature, time, received_at, backend
		FROM accepted_messages
		WHERE item_hash = ? AND sender = ? AND type = ? AND channel = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.ItemHash, key.Sender, key.Type, key.Channel},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = &message.AcceptedMessage{
					DedupKey: message.DedupKey{
						ItemHash: stmt.ColumnText(0),
						Sender:   stmt.ColumnText(1),
						Type:     stmt.ColumnText(2),
						Channel:  stmt.ColumnText(3),
					},
					Chain:       stmt.ColumnText(4),
					Provenance:  message.Provenance(stmt.ColumnText(5)),
					ItemType:    message.ItemType(stmt.ColumnText(6)),
					ItemContent: columnBytes(stmt, 7),
					Content:     []byte(stmt.ColumnText(8)),
					Size:        int(stmt.ColumnInt64(9)),
					Signature:   columnBytes(stmt, 10),
					Time:        time.Unix(0, stmt.ColumnInt64(11)).UTC(),
					ReceivedAt:  time.Unix(0, stmt.ColumnInt64(12)).UTC(),
					Backend:     stmt.ColumnText(13),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("get accepted message: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *SQLite) CountAccepted(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("count accepted messages: %w", err)
	}
	defer s.pool.Put(conn)

	var n int64
	err = sqlitex.Execute(conn, `SELECT count(*) FROM accepted_messages`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count accepted messages: %w", err)
	}
	return n, nil
}

func (s *SQLite) ChainCursor(ctx context.Context, chain string) (uint64, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("read cursor of %s: %w", chain, err)
	}
	defer s.pool.Put(conn)

	var (
		height int64
		found  bool
	)
	err = sqlitex.Execute(conn, `SELECT height FROM chain_sync_status WHERE chain = ?`, &sqlitex.ExecOptions{
		Args: []any{chain},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			height = stmt.ColumnInt64(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("read cursor of %s: %w", chain, err)
	}
	return uint64(height), found, nil
}

func (s *SQLite) SaveChainCursor(ctx context.Context, chain string, height uint64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("save cursor of %s: %w", chain, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO chain_sync_status (chain, height, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (chain) DO UPDATE
			SET height = excluded.height, updated_at = excluded.updated_at
			WHERE chain_sync_status.height <= excluded.height`,
		&sqlitex.ExecOptions{Args: []any{chain, int64(height), time.Now().UnixNano()}})
	if err != nil {
		return fmt.Errorf("save cursor of %s: %w", chain, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s to %d", ErrCursorRegression, chain, height)
	}
	return nil
}

// RefreshViews rebuilds address_stats in one transaction so readers never
// see a partial table.
func (s *SQLite) RefreshViews(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("refresh address stats: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, `DELETE FROM address_stats`, nil); err != nil {
		return fmt.Errorf("refresh address stats: %w", err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO address_stats (address, type, nb_messages)
		SELECT sender, type, count(*) FROM accepted_messages GROUP BY sender, type`, nil)
	if err != nil {
		return fmt.Errorf("refresh address stats: %w", err)
	}
	return nil
}

// AddressStats reads the derived per-address statistics.
func (s *SQLite) AddressStats(ctx context.Context, address string) ([]AddressStats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("read address stats: %w", err)
	}
	defer s.pool.Put(conn)

	var stats []AddressStats
	err = sqlitex.Execute(conn, `
		SELECT address, type, nb_messages FROM address_stats
		WHERE address = ? ORDER BY type`,
		&sqlitex.ExecOptions{
			Args: []any{address},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats = append(stats, AddressStats{
					Address:    stmt.ColumnText(0),
					Type:       stmt.ColumnText(1),
					NbMessages: stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("read address stats: %w", err)
	}
	return stats, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close sqlite %s: %w", s.path, err)
	}
	return nil
}
