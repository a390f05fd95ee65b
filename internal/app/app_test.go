package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rentwatch/internal/config"
	"rentwatch/internal/diff"
	"rentwatch/internal/notify"
	"rentwatch/internal/storage"
	kit "rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) SendPhotoAlbum(context.Context, kit.ChatTarget, []string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Telegram.Token = "test-token"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func buildTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	sc, err := mapStorage(cfg)
	if err != nil {
		t.Fatalf("mapStorage: %v", err)
	}
	st, err := storage.Open(context.Background(), sc, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	a, err := build(cfg, deps{log: logx.Nop(), sender: &fakeSender{}, store: st})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return a
}

func TestMapNotifyAndPoll(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Notify.MessageDelay = "250ms"
	cfg.Notify.DelayMultiplier = 0.5
	cfg.Poll.BusyCooldown = "90s"

	ncfg, err := mapNotify(cfg)
	if err != nil {
		t.Fatalf("mapNotify: %v", err)
	}
	if ncfg.MessageDelay != 250*time.Millisecond || ncfg.BatchDelay != 10*time.Second {
		t.Fatalf("notify delays = %v / %v", ncfg.MessageDelay, ncfg.BatchDelay)
	}
	pcfg, err := mapPoll(cfg, ncfg)
	if err != nil {
		t.Fatalf("mapPoll: %v", err)
	}
	if pcfg.BusyCooldown != 90*time.Second || pcfg.Multiplier != 0.5 {
		t.Fatalf("poll cfg = %+v", pcfg)
	}
	if pcfg.Interval != 30*time.Minute {
		t.Fatalf("interval = %v", pcfg.Interval)
	}
}

func TestBulkIngestMapping(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Poll.BulkIngest = true

	ncfg, err := mapNotify(cfg)
	if err != nil {
		t.Fatalf("mapNotify: %v", err)
	}
	if !ncfg.BulkIngest {
		t.Fatal("bulk ingest not carried to the notifier")
	}
	pcfg, err := mapPoll(cfg, ncfg)
	if err != nil {
		t.Fatalf("mapPoll: %v", err)
	}
	if pcfg.Multiplier != notify.BulkMultiplier {
		t.Fatalf("multiplier = %v, want %v", pcfg.Multiplier, notify.BulkMultiplier)
	}
	if got := maxPerCycle(cfg); got != 0 {
		t.Fatalf("maxPerCycle = %d, want uncapped", got)
	}
	cfg.Poll.BulkIngest = false
	cfg.Poll.MaxPerMonitor = 0
	if got := maxPerCycle(cfg); got != diff.DefaultMaxPerCycle {
		t.Fatalf("maxPerCycle = %d, want default", got)
	}
}

func TestMapRejectsBadDurations(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Notify.RetryBase = "soon"
	if _, err := mapNotify(cfg); err == nil {
		t.Fatal("expected notify.retry_base error")
	}
	cfg = testConfig(t)
	cfg.Sessions.TTL = "1 week"
	if _, err := mapBot(cfg); err == nil {
		t.Fatal("expected sessions.ttl error")
	}
}

func TestLogTarget(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	for raw, want := range map[string]int64{"": 0, " -100123 ": -100123, "ops": 0} {
		cfg.Telegram.GroupLog = raw
		if got := logTarget(cfg); got != want {
			t.Errorf("logTarget(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestBuildWiresHTTPOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	if a := buildTestApp(t, cfg); a.httpd != nil {
		t.Fatal("http server built while disabled")
	}
	cfg = testConfig(t)
	cfg.HTTP.Enabled = true
	if a := buildTestApp(t, cfg); a.httpd == nil {
		t.Fatal("http server missing while enabled")
	}
}

func TestApplyConfigUpdatesRunningComponents(t *testing.T) {
	t.Parallel()
	oldCfg := testConfig(t)
	a := buildTestApp(t, oldCfg)
	if got := a.poller.Cadence(); got != "every 30m0s" {
		t.Fatalf("initial cadence = %q", got)
	}

	newCfg := *oldCfg
	newCfg.Poll.Interval = "45m"
	newCfg.Poll.BulkIngest = true
	newCfg.Notify.MaxImages = 3
	newCfg.Search.Locations = map[string]string{"Testville": "REGION^424242"}

	a.applyConfig(oldCfg, &newCfg)

	if got := a.poller.Cadence(); got != "every 45m0s" {
		t.Fatalf("cadence after reload = %q", got)
	}
	if nc := a.notif.Config(); !nc.BulkIngest || nc.MaxImages != 3 {
		t.Fatalf("notifier config = %+v", nc)
	}
	if got := a.diff.eng.Load().MaxPerCycle; got != 0 {
		t.Fatalf("diff cap = %d, want 0 in bulk mode", got)
	}
	if _, ok := a.search.Locations().Lookup("testville"); !ok {
		t.Fatal("extra location not applied")
	}
}

func TestApplyConfigKeepsScheduleOnBadCron(t *testing.T) {
	t.Parallel()
	oldCfg := testConfig(t)
	a := buildTestApp(t, oldCfg)

	newCfg := *oldCfg
	newCfg.Poll.Schedule = "cron:not a cron"
	a.applyConfig(oldCfg, &newCfg)

	if got := a.poller.Cadence(); got != "every 30m0s" {
		t.Fatalf("cadence = %q, want previous schedule kept", got)
	}
}

func TestSearchNeedsRestart(t *testing.T) {
	t.Parallel()
	oldCfg := testConfig(t)
	newCfg := *oldCfg
	newCfg.Search.Locations = map[string]string{"X": "REGION^1"}
	if searchNeedsRestart(oldCfg, &newCfg) {
		t.Fatal("locations-only change should apply live")
	}
	newCfg.Search.BaseURL = "https://example.test"
	if !searchNeedsRestart(oldCfg, &newCfg) {
		t.Fatal("base_url change should need a restart")
	}
}

func TestStartAndStopWithoutTransport(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Poll.Enabled = false
	a := buildTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Done():
		t.Fatal("app stopped right after start")
	default:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-a.Done()
	if err := a.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
}
