package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rentwatch/internal/eventbus"
	"rentwatch/internal/model"
	"rentwatch/internal/storage"
	"rentwatch/internal/transport"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	// failures maps a substring of the text to the number of times a send
	// containing it fails before succeeding (-1 fails forever).
	failures map[string]int
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, n := range f.failures {
		if strings.Contains(text, sub) && n != 0 {
			if n > 0 {
				f.failures[sub] = n - 1
			}
			return transport.MessageRef{}, errors.New("telegram: 502")
		}
	}
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

type fakeAlbums struct {
	calls [][]string
	err   error
}

func (f *fakeAlbums) SendPhotoAlbum(ctx context.Context, to transport.ChatTarget, urls []string) error {
	f.calls = append(f.calls, urls)
	return f.err
}

type fakeStore struct {
	inserted []model.Snapshot
	updated  []model.Snapshot
	rows     map[string]bool
	err      error
}

func (f *fakeStore) InsertSnapshot(ctx context.Context, s model.Snapshot) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, s)
	if f.rows == nil {
		f.rows = map[string]bool{}
	}
	f.rows[s.ListingID] = true
	return nil
}

func (f *fakeStore) UpdateSnapshot(ctx context.Context, s model.Snapshot) error {
	if f.err != nil {
		return f.err
	}
	if !f.rows[s.ListingID] {
		return storage.ErrNotFound
	}
	f.updated = append(f.updated, s)
	return nil
}

type recorder struct {
	sleeps []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

func newTestNotifier(cfg Config, s *fakeSender, a *fakeAlbums, st *fakeStore, bus eventbus.Bus) (*Notifier, *recorder) {
	cfg.RatePerSec = 0
	deps := Deps{Sender: s, Snapshots: st, Bus: bus}
	if a != nil {
		deps.Albums = a
	}
	n := New(cfg, deps)
	r := &recorder{}
	n.sleep = r.sleep
	return n, r
}

func item(id string, price int64, kind model.Kind, images ...string) model.Classified {
	return model.Classified{
		Listing: model.Listing{
			ID:             id,
			Price:          decimal.NewFromInt(price),
			Bedrooms:       2,
			Bathrooms:      1,
			DisplayAddress: "Upper Street",
			URL:            "https://www.rightmove.co.uk/properties/" + id,
			ImageURLs:      images,
			Raw:            []byte(`{"id":` + id + `}`),
		},
		Kind: kind,
	}
}

var monitor = model.Monitor{ID: "m1", ChatID: 42, Location: "Islington"}

func TestDeliverNewListings(t *testing.T) {
	t.Parallel()

	s, a, st := &fakeSender{}, &fakeAlbums{}, &fakeStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	n, rec := newTestNotifier(DefaultConfig(), s, a, st, bus)
	imgs := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	got, err := n.Deliver(context.Background(), []model.Classified{
		item("1", 1800, model.KindNew, imgs...),
		item("2", 1900, model.KindNew),
	}, monitor)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got != 2 {
		t.Fatalf("delivered=%d want 2", got)
	}
	if len(s.texts) != 2 || !strings.HasPrefix(s.texts[0], "New property found in Islington\nPrice: £1800\n") {
		t.Fatalf("unexpected texts: %q", s.texts)
	}
	if len(a.calls) != 1 || len(a.calls[0]) != 6 {
		t.Fatalf("expected one album of 6 images, got %v", a.calls)
	}
	if len(st.inserted) != 2 || st.inserted[0].ListingID != "1" || !st.inserted[0].PriceValid {
		t.Fatalf("unexpected snapshots: %+v", st.inserted)
	}
	want := []time.Duration{time.Second, 10 * time.Second, time.Second, 10 * time.Second}
	if len(rec.sleeps) != len(want) {
		t.Fatalf("sleeps=%v want %v", rec.sleeps, want)
	}
	for i := range want {
		if rec.sleeps[i] != want[i] {
			t.Fatalf("sleeps=%v want %v", rec.sleeps, want)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			if e.Type != eventbus.TopicNotified {
				t.Fatalf("unexpected event %s", e.Type)
			}
		default:
			t.Fatalf("expected notified event %d", i)
		}
	}
}

func TestDeliverChangedUpdatesSnapshot(t *testing.T) {
	t.Parallel()

	s, st := &fakeSender{}, &fakeStore{rows: map[string]bool{"1": true}}
	n, _ := newTestNotifier(DefaultConfig(), s, nil, st, nil)
	c := item("1", 1750, model.KindChanged)
	c.OldPrice = decimal.NewFromInt(1800)

	if _, err := n.Deliver(context.Background(), []model.Classified{c}, monitor); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(s.texts[0], "Price changed in Islington\nPrice: £1750, Old Price: £1800\n") {
		t.Fatalf("unexpected text: %q", s.texts[0])
	}
	if len(st.updated) != 1 || len(st.inserted) != 0 {
		t.Fatalf("expected update only, got ins=%d upd=%d", len(st.inserted), len(st.updated))
	}
}

func TestDeliverChangedFallsBackToInsert(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	n, _ := newTestNotifier(DefaultConfig(), &fakeSender{}, nil, st, nil)
	if _, err := n.Deliver(context.Background(), []model.Classified{item("9", 1, model.KindChanged)}, monitor); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("expected insert fallback, got %+v", st)
	}
}

func TestDeliverFailureLeavesSnapshotUnwritten(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RetryMax = 1
	s := &fakeSender{failures: map[string]int{"properties/1\n": -1}}
	st := &fakeStore{}
	n, _ := newTestNotifier(cfg, s, nil, st, nil)

	got, err := n.Deliver(context.Background(), []model.Classified{
		item("1", 1000, model.KindNew),
		item("2", 1100, model.KindNew),
	}, monitor)
	if got != 1 {
		t.Fatalf("delivered=%d want 1", got)
	}
	var de *model.DeliveryError
	if !errors.As(err, &de) || de.ListingID != "1" {
		t.Fatalf("expected delivery error for listing 1, got %v", err)
	}
	if len(st.inserted) != 1 || st.inserted[0].ListingID != "2" {
		t.Fatalf("only listing 2 should be snapshotted: %+v", st.inserted)
	}
}

func TestDeliverRetriesTransientSend(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RetryMax = 2
	s := &fakeSender{failures: map[string]int{"properties/1\n": 2}}
	st := &fakeStore{}
	n, rec := newTestNotifier(cfg, s, nil, st, nil)

	got, err := n.Deliver(context.Background(), []model.Classified{item("1", 1000, model.KindNew)}, monitor)
	if err != nil || got != 1 {
		t.Fatalf("deliver: got=%d err=%v", got, err)
	}
	// two backoff sleeps, then message and batch delays
	if len(rec.sleeps) != 4 {
		t.Fatalf("sleeps=%v", rec.sleeps)
	}
}

func TestDeliverAlbumFailureStillCommits(t *testing.T) {
	t.Parallel()

	a := &fakeAlbums{err: errors.New("bad image")}
	st := &fakeStore{}
	n, _ := newTestNotifier(DefaultConfig(), &fakeSender{}, a, st, nil)
	got, err := n.Deliver(context.Background(), []model.Classified{item("1", 1000, model.KindNew, "x")}, monitor)
	if err != nil || got != 1 {
		t.Fatalf("deliver: got=%d err=%v", got, err)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("snapshot should be written despite album failure")
	}
}

func TestDeliverPersistenceFailureCountsDelivered(t *testing.T) {
	t.Parallel()

	st := &fakeStore{err: errors.New("locked")}
	n, _ := newTestNotifier(DefaultConfig(), &fakeSender{}, nil, st, nil)
	got, err := n.Deliver(context.Background(), []model.Classified{item("1", 1000, model.KindNew)}, monitor)
	if got != 1 {
		t.Fatalf("delivered=%d want 1", got)
	}
	if model.ErrorKind(err) != model.KindPersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestDeliverBulkIngest(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BulkIngest = true
	s, a, st := &fakeSender{}, &fakeAlbums{}, &fakeStore{}
	n, rec := newTestNotifier(cfg, s, a, st, nil)

	got, err := n.Deliver(context.Background(), []model.Classified{
		item("1", 1000, model.KindNew, "img"),
		item("2", 1000, model.KindNew),
		item("3", 1000, model.KindNew),
	}, monitor)
	if err != nil || got != 3 {
		t.Fatalf("deliver: got=%d err=%v", got, err)
	}
	if len(s.texts) != 0 || len(a.calls) != 0 {
		t.Fatalf("bulk ingest must not send: texts=%d albums=%d", len(s.texts), len(a.calls))
	}
	if len(st.inserted) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(st.inserted))
	}
	if rec.sleeps[0] != time.Millisecond || rec.sleeps[1] != 10*time.Millisecond {
		t.Fatalf("bulk delays not compressed: %v", rec.sleeps)
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s, st := &fakeSender{}, &fakeStore{}
	n := New(DefaultConfig(), Deps{Sender: s, Snapshots: st})
	n.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	got, err := n.Deliver(ctx, []model.Classified{item("1", 1, model.KindNew), item("2", 1, model.KindNew)}, monitor)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if got != 1 || len(s.texts) != 1 {
		t.Fatalf("expected exactly one send before cancel, got=%d texts=%d", got, len(s.texts))
	}
	if len(st.inserted) != 1 {
		t.Fatalf("sent listing should still be recorded, got %d", len(st.inserted))
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	plain := errors.New("telegram: 502")
	for attempt := 1; attempt <= 80; attempt++ {
		d, ok := retryDelay(cfg, attempt, plain)
		if !ok || d < 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s ok=%v", attempt, d, ok)
		}
	}
	if d, _ := retryDelay(cfg, 1, plain); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter window", d)
	}

	flood := transport.RetryAfter(plain, 5*time.Second)
	if d, ok := retryDelay(cfg, 1, flood); !ok || d < 5*time.Second || d > 5500*time.Millisecond {
		t.Fatalf("flood delay %s ok=%v, want 5s..5.5s past the ceiling", d, ok)
	}
	if _, ok := retryDelay(cfg, 1, transport.RetryAfter(plain, time.Hour)); ok {
		t.Fatal("an hour-long flood wait should not be retried")
	}
}

type floodSender struct {
	fakeSender
	after time.Duration
	calls int
}

func (f *floodSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.calls++
	if f.calls == 1 {
		return transport.MessageRef{}, transport.RetryAfter(errors.New("telegram: 429"), f.after)
	}
	return f.fakeSender.SendText(ctx, to, text, opt)
}

func TestDeliverWaitsOutFloodControl(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RetryMax = 2
	cfg.RatePerSec = 0
	s := &floodSender{after: 3 * time.Second}
	st := &fakeStore{}
	n := New(cfg, Deps{Sender: s, Snapshots: st})
	r := &recorder{}
	n.sleep = r.sleep

	got, err := n.Deliver(context.Background(), []model.Classified{item("1", 1500, model.KindNew)}, model.Monitor{ID: "m1", ChatID: 10, Location: "Islington"})
	if err != nil || got != 1 {
		t.Fatalf("Deliver = %d, %v", got, err)
	}
	if len(r.sleeps) == 0 || r.sleeps[0] < 3*time.Second {
		t.Fatalf("first pause %v, want at least the flood wait", r.sleeps)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("snapshot not written after the retried send")
	}
}
