package msgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i5heu/ouroboros-ingest/pkg/logging"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

// NotifyChannel receives the item hash of every accepted message.
const NotifyChannel = "accepted_messages"

const pgUniqueViolation = "23505"

// pgDataException is the SQLSTATE class of errors caused by the values
// themselves, e.g. NUL in text (22021) or in jsonb (22P05).
const pgDataException = "22"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accepted_messages (
	id           BIGSERIAL PRIMARY KEY,
	item_hash    TEXT NOT NULL,
	sender       TEXT NOT NULL,
	type         TEXT NOT NULL,
	channel      TEXT NOT NULL DEFAULT '',
	chain        TEXT NOT NULL,
	provenance   TEXT NOT NULL,
	item_type    TEXT NOT NULL,
	item_content BYTEA,
	content      JSONB NOT NULL,
	size         BIGINT NOT NULL,
	signature    BYTEA,
	time         TIMESTAMPTZ NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	backend      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS accepted_messages_dedup
	ON accepted_messages (item_hash, sender, type, channel);
CREATE TABLE IF NOT EXISTS chain_sync_status (
	chain      TEXT PRIMARY KEY,
	height     BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE MATERIALIZED VIEW IF NOT EXISTS address_stats_mat_view AS
	SELECT sender AS address, type, count(*) AS nb_messages
	FROM accepted_messages GROUP BY sender, type;
CREATE UNIQUE INDEX IF NOT EXISTS address_stats_mat_view_address_type
	ON address_stats_mat_view (address, type);
`

type PostgresConfig struct {
	URL string
	// MaxConns overrides the pool size from the URL when positive.
	MaxConns     int32
	CreateSchema bool
	Logger       *slog.Logger
}

type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, config PostgresConfig) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if config.MaxConns > 0 {
		cfg.MaxConns = config.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{pool: pool, log: logging.OrDiscard(config.Logger)}
	if config.CreateSchema {
		if _, err := pool.Exec(ctx, postgresSchema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return p, nil
}

func (p *Postgres) VerifySchema(ctx context.Context) error {
	rows, err := p.pool.Query(ctx,
		`SELECT indexdef FROM pg_indexes WHERE tablename = 'accepted_messages'`)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	defs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	if !hasDedupIndex(defs) {
		return ErrMissingConstraint
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, pgDataException)
}

func (p *Postgres) InsertAccepted(ctx context.Context, msg *message.AcceptedMessage) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO accepted_messages
				(item_hash, sender, type, channel, chain, provenance, item_type,
				 item_content, content, size, signature, time, received_at, backend)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			msg.ItemHash, msg.Sender, msg.Type, msg.Channel, msg.Chain,
			string(msg.Provenance), string(msg.ItemType), msg.ItemContent,
			string(msg.Content), msg.Size, msg.Signature, msg.Time, msg.ReceivedAt, msg.Backend,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, msg.ItemHash)
		return err
	})
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if isDataException(err) {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err != nil {
		return fmt.Errorf("insert accepted message: %w", err)
	}
	return nil
}

func (p *Postgres) GetAccepted(ctx context.Context, key message.DedupKey) (*message.AcceptedMessage, error) {
	var (
		m          message.AcceptedMessage
		provenance string
		itemType   string
		content    string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT item_hash, sender, type, channel, chain, provenance, item_type,
		       item_content, content::text, size, signature, time, received_at, backend
		FROM accepted_messages
		WHERE item_hash = $1 AND sender = $2 AND type = $3 AND channel = $4`,
		key.ItemHash, key.Sender, key.Type, key.Channel,
	).Scan(&m.ItemHash, &m.Sender, &m.Type, &m.Channel, &m.Chain, &provenance, &itemType,
		&m.ItemContent, &content, &m.Size, &m.Signature, &m.Time, &m.ReceivedAt, &m.Backend)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get accepted message: %w", err)
	}
	m.Provenance = message.Provenance(provenance)
	m.ItemType = message.ItemType(itemType)
	m.Content = []byte(content)
	return &m, nil
}

func (p *Postgres) CountAccepted(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM accepted_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accepted messages: %w", err)
	}
	return n, nil
}

func (p *Postgres) ChainCursor(ctx context.Context, chain string) (uint64, bool, error) {
	var height int64
	err := p.pool.QueryRow(ctx,
		`SELECT height FROM chain_sync_status WHERE chain = $1`, chain).Scan(&height)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor of %s: %w", chain, err)
	}
	return uint64(height), true, nil
}

func (p *Postgres) SaveChainCursor(ctx context.Context, chain string, height uint64) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO chain_sync_status (chain, height, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain) DO UPDATE
			SET height = EXCLUDED.height, updated_at = now()
			WHERE chain_sync_status.height <= EXCLUDED.height`,
		chain, int64(height))
	if err != nil {
		return fmt.Errorf("save cursor of %s: %w", chain, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s to %d", ErrCursorRegression, chain, height)
	}
	return nil
}

func (p *Postgres) RefreshViews(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY address_stats_mat_view`); err != nil {
		return fmt.Errorf("refresh address stats: %w", err)
	}
	return nil
}

// AddressStats reads the materialized per-address statistics.
func (p *Postgres) AddressStats(ctx context.Context, address string) ([]AddressStats, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT address, type, nb_messages FROM address_stats_mat_view
		WHERE address = $1 ORDER BY type`, address)
	if err != nil {
		return nil, fmt.Errorf("read address stats: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[AddressStats])
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
