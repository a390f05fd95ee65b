package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rentwatch/internal/model"
	logx "rentwatch/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "data", "rentwatch.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestSQLiteMonitors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	a, err := st.InsertMonitor(ctx, model.Monitor{ChatID: 1, Location: "Islington", MinBeds: 1, MaxBeds: 2, MinPrice: 1000, MaxPrice: 2000})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if a.ID == "" || a.CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at to be assigned, got %+v", a)
	}
	if _, err := st.InsertMonitor(ctx, model.Monitor{ChatID: 2, Location: "Colindale"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := st.ListMonitors(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %v (%d)", err, len(all))
	}
	mine, err := st.ListMonitorsByChat(ctx, 1)
	if err != nil || len(mine) != 1 {
		t.Fatalf("list by chat: %v (%d)", err, len(mine))
	}
	if mine[0].Location != "Islington" || mine[0].MaxPrice != 2000 {
		t.Fatalf("unexpected monitor: %+v", mine[0])
	}

	if err := st.DeleteMonitor(ctx, 2, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete from other chat: expected ErrNotFound, got %v", err)
	}
	if err := st.DeleteMonitor(ctx, 1, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteMonitor(ctx, 1, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	snap := model.Snapshot{
		ChatID:     7,
		ListingID:  "123",
		Price:      decimal.RequireFromString("1500"),
		PriceValid: true,
		Payload:    []byte(`{"id":123}`),
	}
	if err := st.UpdateSnapshot(ctx, snap); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update before insert: expected ErrNotFound, got %v", err)
	}
	if err := st.InsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Second insert for the same key must not create a duplicate.
	snap.Price = decimal.RequireFromString("1450")
	if err := st.InsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	got, err := st.SnapshotsForChat(ctx, 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(got))
	}
	if !got[0].PriceValid || !got[0].Price.Equal(decimal.RequireFromString("1450")) {
		t.Fatalf("unexpected price: %+v", got[0])
	}
	if string(got[0].Payload) != `{"id":123}` {
		t.Fatalf("unexpected payload: %s", got[0].Payload)
	}

	snap.Price = decimal.RequireFromString("1400.50")
	if err := st.UpdateSnapshot(ctx, snap); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = st.SnapshotsForChat(ctx, 7)
	if !got[0].Price.Equal(decimal.RequireFromString("1400.5")) {
		t.Fatalf("price not updated: %s", got[0].Price)
	}

	other, err := st.SnapshotsForChat(ctx, 8)
	if err != nil || len(other) != 0 {
		t.Fatalf("expected no snapshots for other chat, got %d (%v)", len(other), err)
	}
}

func TestSQLiteSnapshotInvalidPrice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.InsertSnapshot(ctx, model.Snapshot{ChatID: 1, ListingID: "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := st.SnapshotsForChat(ctx, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("load: %v (%d)", err, len(got))
	}
	if got[0].PriceValid {
		t.Fatalf("expected invalid price, got %s", got[0].Price)
	}
	if string(got[0].Payload) != "{}" {
		t.Fatalf("expected default payload, got %s", got[0].Payload)
	}
}

func TestSQLiteSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	sess := model.Session{
		ChatID:    5,
		Step:      2,
		Draft:     model.Monitor{ChatID: 5, Location: "WhiteCity", MinBeds: 1},
		ExpiresAt: now.Add(10 * time.Minute),
	}
	if err := st.PutSession(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.ActiveSession(ctx, 5, now)
	if err != nil || !ok {
		t.Fatalf("active: ok=%v err=%v", ok, err)
	}
	if got.ID == "" || got.Step != 2 || got.Draft.Location != "WhiteCity" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, ok, _ := st.ActiveSession(ctx, 5, now.Add(11*time.Minute)); ok {
		t.Fatalf("expected expired session to be hidden")
	}

	n, err := st.PruneSessions(ctx, now.Add(11*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}

	got.ExpiresAt = now.Add(time.Minute)
	if err := st.PutSession(ctx, got); err != nil {
		t.Fatalf("put again: %v", err)
	}
	if err := st.DeleteSession(ctx, got.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.ActiveSession(ctx, 5, now); ok {
		t.Fatalf("expected no session after delete")
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in string
		ok bool
	}{
		{"1500", true},
		{" 1500.25 ", true},
		{"", false},
		{"n/a", false},
	}
	for _, tt := range tests {
		if _, ok := parsePrice(tt.in); ok != tt.ok {
			t.Fatalf("parsePrice(%q) ok=%v, want %v", tt.in, ok, tt.ok)
		}
	}
}
