package storage

import (
	"context"
	"errors"
	"time"

	"rentwatch/internal/model"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

// Config configures storage.
//
// Driver values: "sqlite" (Path), "mongo" (DSN + Database), "postgres" (DSN).
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Database    string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// MonitorStore holds saved searches.
type MonitorStore interface {
	ListMonitors(ctx context.Context) ([]model.Monitor, error)
	ListMonitorsByChat(ctx context.Context, chatID int64) ([]model.Monitor, error)
	InsertMonitor(ctx context.Context, m model.Monitor) (model.Monitor, error)
	// DeleteMonitor removes a monitor owned by chatID. It returns ErrNotFound
	// when no such monitor exists for that chat.
	DeleteMonitor(ctx context.Context, chatID int64, id string) error
}

// SnapshotStore holds the diff baseline.
type SnapshotStore interface {
	SnapshotsForChat(ctx context.Context, chatID int64) ([]model.Snapshot, error)
	// InsertSnapshot records a first sighting. A concurrent row for the same
	// key is overwritten rather than duplicated.
	InsertSnapshot(ctx context.Context, s model.Snapshot) error
	// UpdateSnapshot overwrites price and payload; ErrNotFound if absent.
	UpdateSnapshot(ctx context.Context, s model.Snapshot) error
}

// SessionStore holds in-flight monitor creation conversations.
type SessionStore interface {
	PutSession(ctx context.Context, s model.Session) error
	// ActiveSession returns the newest unexpired session for chatID.
	ActiveSession(ctx context.Context, chatID int64, now time.Time) (model.Session, bool, error)
	DeleteSession(ctx context.Context, id string) error
	PruneSessions(ctx context.Context, now time.Time) (int, error)
}

// Store is the full persistence API.
type Store interface {
	MonitorStore
	SnapshotStore
	SessionStore
	Close() error
}
