package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rentwatch/internal/model"
	logx "rentwatch/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS monitors (
	id         TEXT PRIMARY KEY,
	chat_id    BIGINT NOT NULL,
	location   TEXT NOT NULL,
	min_beds   INTEGER NOT NULL DEFAULT 0,
	max_beds   INTEGER NOT NULL DEFAULT 0,
	min_price  INTEGER NOT NULL DEFAULT 0,
	max_price  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitors_chat ON monitors(chat_id);

CREATE TABLE IF NOT EXISTS monitor_properties (
	chat_id    BIGINT NOT NULL,
	listing_id TEXT NOT NULL,
	price      TEXT,
	payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chat_id, listing_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	chat_id    BIGINT NOT NULL,
	step       INTEGER NOT NULL DEFAULT 0,
	draft      JSONB NOT NULL DEFAULT '{}'::jsonb,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_chat ON sessions(chat_id, expires_at);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Debug("postgres store opened")
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- monitors ----

func (s *postgresStore) ListMonitors(ctx context.Context) ([]model.Monitor, error) {
	return s.queryMonitors(ctx, `SELECT `+monitorColumns+` FROM monitors ORDER BY created_at, id`)
}

func (s *postgresStore) ListMonitorsByChat(ctx context.Context, chatID int64) ([]model.Monitor, error) {
	return s.queryMonitors(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE chat_id = $1 ORDER BY created_at, id`, chatID)
}

func (s *postgresStore) queryMonitors(ctx context.Context, q string, args ...any) ([]model.Monitor, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Monitor
	for rows.Next() {
		var m model.Monitor
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Location, &m.MinBeds, &m.MaxBeds, &m.MinPrice, &m.MaxPrice, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *postgresStore) InsertMonitor(ctx context.Context, m model.Monitor) (model.Monitor, error) {
	m = prepareMonitor(m)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitors(`+monitorColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.ChatID, m.Location, m.MinBeds, m.MaxBeds, m.MinPrice, m.MaxPrice, m.CreatedAt,
	)
	if err != nil {
		return model.Monitor{}, err
	}
	return m, nil
}

func (s *postgresStore) DeleteMonitor(ctx context.Context, chatID int64, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitors WHERE chat_id = $1 AND id = $2`, chatID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- snapshots ----

func (s *postgresStore) SnapshotsForChat(ctx context.Context, chatID int64) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT listing_id, price, payload::text, updated_at FROM monitor_properties WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var (
			snap    = model.Snapshot{ChatID: chatID}
			price   *string
			payload string
		)
		if err := rows.Scan(&snap.ListingID, &price, &payload, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		if price != nil {
			snap.Price, snap.PriceValid = parsePrice(*price)
		}
		snap.Payload = json.RawMessage(payload)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *postgresStore) InsertSnapshot(ctx context.Context, snap model.Snapshot) error {
	snap = prepareSnapshot(snap)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitor_properties(chat_id, listing_id, price, payload, updated_at) VALUES($1,$2,$3,$4::jsonb,$5)
		 ON CONFLICT(chat_id, listing_id) DO UPDATE SET price=EXCLUDED.price, payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`,
		snap.ChatID, snap.ListingID, textOrNil(priceText(snap)), string(snap.Payload), snap.UpdatedAt,
	)
	return err
}

func (s *postgresStore) UpdateSnapshot(ctx context.Context, snap model.Snapshot) error {
	snap = prepareSnapshot(snap)
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitor_properties SET price = $1, payload = $2::jsonb, updated_at = $3 WHERE chat_id = $4 AND listing_id = $5`,
		textOrNil(priceText(snap)), string(snap.Payload), snap.UpdatedAt, snap.ChatID, snap.ListingID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- sessions ----

func (s *postgresStore) PutSession(ctx context.Context, sess model.Session) error {
	sess = prepareSession(sess)
	draft, err := json.Marshal(sess.Draft)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions(id, chat_id, step, draft, expires_at) VALUES($1,$2,$3,$4::jsonb,$5)
		 ON CONFLICT(id) DO UPDATE SET step=EXCLUDED.step, draft=EXCLUDED.draft, expires_at=EXCLUDED.expires_at`,
		sess.ID, sess.ChatID, sess.Step, string(draft), sess.ExpiresAt,
	)
	return err
}

func (s *postgresStore) ActiveSession(ctx context.Context, chatID int64, now time.Time) (model.Session, bool, error) {
	var (
		sess  = model.Session{ChatID: chatID}
		draft string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, step, draft::text, expires_at FROM sessions WHERE chat_id = $1 AND expires_at > $2 ORDER BY expires_at DESC LIMIT 1`,
		chatID, now,
	).Scan(&sess.ID, &sess.Step, &draft, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	if err := json.Unmarshal([]byte(draft), &sess.Draft); err != nil {
		return model.Session{}, false, fmt.Errorf("session %s draft: %w", sess.ID, err)
	}
	return sess, true, nil
}

func (s *postgresStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *postgresStore) PruneSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
