package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rentwatch/internal/model"
	logx "rentwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- monitors ----

const monitorColumns = `id, chat_id, location, min_beds, max_beds, min_price, max_price, created_at`

func (s *sqliteStore) ListMonitors(ctx context.Context) ([]model.Monitor, error) {
	return s.queryMonitors(ctx, `SELECT `+monitorColumns+` FROM monitors ORDER BY created_at, id`)
}

func (s *sqliteStore) ListMonitorsByChat(ctx context.Context, chatID int64) ([]model.Monitor, error) {
	return s.queryMonitors(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE chat_id = ? ORDER BY created_at, id`, chatID)
}

func (s *sqliteStore) queryMonitors(ctx context.Context, q string, args ...any) ([]model.Monitor, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Monitor
	for rows.Next() {
		var (
			m       model.Monitor
			created string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Location, &m.MinBeds, &m.MaxBeds, &m.MinPrice, &m.MaxPrice, &created); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertMonitor(ctx context.Context, m model.Monitor) (model.Monitor, error) {
	m = prepareMonitor(m)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitors(`+monitorColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		m.ID, m.ChatID, m.Location, m.MinBeds, m.MaxBeds, m.MinPrice, m.MaxPrice, m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.Monitor{}, err
	}
	return m, nil
}

func (s *sqliteStore) DeleteMonitor(ctx context.Context, chatID int64, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE chat_id = ? AND id = ?`, chatID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- snapshots ----

func (s *sqliteStore) SnapshotsForChat(ctx context.Context, chatID int64) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT listing_id, price, payload, updated_at FROM monitor_properties WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var (
			snap    = model.Snapshot{ChatID: chatID}
			price   sql.NullString
			payload string
			updated string
		)
		if err := rows.Scan(&snap.ListingID, &price, &payload, &updated); err != nil {
			return nil, err
		}
		snap.Price, snap.PriceValid = parsePrice(price.String)
		snap.Payload = json.RawMessage(payload)
		snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertSnapshot(ctx context.Context, snap model.Snapshot) error {
	snap = prepareSnapshot(snap)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_properties(chat_id, listing_id, price, payload, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id, listing_id) DO UPDATE SET price=excluded.price, payload=excluded.payload, updated_at=excluded.updated_at`,
		snap.ChatID, snap.ListingID, nullText(priceText(snap)), string(snap.Payload), snap.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) UpdateSnapshot(ctx context.Context, snap model.Snapshot) error {
	snap = prepareSnapshot(snap)
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitor_properties SET price = ?, payload = ?, updated_at = ? WHERE chat_id = ? AND listing_id = ?`,
		nullText(priceText(snap)), string(snap.Payload), snap.UpdatedAt.Format(time.RFC3339Nano), snap.ChatID, snap.ListingID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- sessions ----

func (s *sqliteStore) PutSession(ctx context.Context, sess model.Session) error {
	sess = prepareSession(sess)
	draft, err := json.Marshal(sess.Draft)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, chat_id, step, draft, expires_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET step=excluded.step, draft=excluded.draft, expires_at=excluded.expires_at`,
		sess.ID, sess.ChatID, sess.Step, string(draft), sess.ExpiresAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ActiveSession(ctx context.Context, chatID int64, now time.Time) (model.Session, bool, error) {
	var (
		sess  = model.Session{ChatID: chatID}
		draft string
		exp   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, step, draft, expires_at FROM sessions WHERE chat_id = ? AND expires_at > ? ORDER BY expires_at DESC LIMIT 1`,
		chatID, now.UnixMilli(),
	).Scan(&sess.ID, &sess.Step, &draft, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	if err := json.Unmarshal([]byte(draft), &sess.Draft); err != nil {
		return model.Session{}, false, fmt.Errorf("session %s draft: %w", sess.ID, err)
	}
	sess.ExpiresAt = time.UnixMilli(exp)
	return sess, true, nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) PruneSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
