// Package poller drives the poll, diff and notify loop across every monitor.
//
// Monitors run one after another on a single goroutine. A failing monitor
// never stops the cycle; it is logged with its error kind and retried on the
// next cycle.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"rentwatch/internal/eventbus"
	"rentwatch/internal/model"
	"rentwatch/internal/search"
	"rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusPolling Status = "polling"
)

type Config struct {
	Enabled  bool
	Interval time.Duration
	// Schedule overrides Interval when set (cron or interval form).
	Schedule     string
	IdleCooldown time.Duration
	BusyCooldown time.Duration
	// Multiplier scales BusyCooldown; the notifier's bulk mode sets it low.
	Multiplier float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Interval:     30 * time.Minute,
		IdleCooldown: 2 * time.Second,
		BusyCooldown: 60 * time.Second,
		Multiplier:   1,
	}
}

type MonitorLister interface {
	ListMonitors(ctx context.Context) ([]model.Monitor, error)
}

type Classifier interface {
	Classify(ctx context.Context, listings []model.Listing, chatID int64) ([]model.Classified, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, items []model.Classified, m model.Monitor) (int, error)
}

type Deps struct {
	Monitors   MonitorLister
	Fetcher    search.Fetcher
	Classifier Classifier
	Notifier   Deliverer
	// Alerts notifies a monitor owner of a permanent configuration problem.
	Alerts transport.Sender
	Bus    eventbus.Bus
	Log    logx.Logger
}

// MonitorResult is the outcome of one monitor within a cycle.
type MonitorResult struct {
	MonitorID string        `json:"monitor_id"`
	ChatID    int64         `json:"chat_id"`
	Fetched   int           `json:"fetched"`
	Qualified int           `json:"qualified"`
	Delivered int           `json:"delivered"`
	Kind      string        `json:"error_kind,omitempty"`
	Err       string        `json:"error,omitempty"`
	Took      time.Duration `json:"took"`
}

// CycleReport summarizes one pass over all monitors.
type CycleReport struct {
	Seq       uint64          `json:"seq"`
	Started   time.Time       `json:"started"`
	Finished  time.Time       `json:"finished"`
	Monitors  int             `json:"monitors"`
	Failed    int             `json:"failed"`
	Delivered int             `json:"delivered"`
	ListErr   string          `json:"list_error,omitempty"`
	Results   []MonitorResult `json:"results,omitempty"`
	NextAt    time.Time       `json:"next_at"`
}

type Scheduler struct {
	deps Deps
	log  logx.Logger

	mu      sync.Mutex
	cfg     Config
	cadence cron.Schedule
	desc    string
	last    CycleReport
	alerted map[string]struct{}

	status atomic.Value // Status
	seq    atomic.Uint64
	forced atomic.Bool
	wake   chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		deps:    deps,
		log:     log.With(logx.String("comp", "poller")),
		alerted: map[string]struct{}{},
		wake:    make(chan struct{}, 1),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	s.status.Store(StatusIdle)
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply swaps the config. A running scheduler recomputes its next wake.
func (s *Scheduler) Apply(cfg Config) error {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1
	}
	if cfg.IdleCooldown < 0 {
		cfg.IdleCooldown = 0
	}
	if cfg.BusyCooldown < 0 {
		cfg.BusyCooldown = 0
	}
	cad, desc, err := ParseCadence(cfg.Interval, cfg.Schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.cadence = cad
	s.desc = desc
	s.mu.Unlock()
	s.poke()
	return nil
}

func (s *Scheduler) Status() Status { return s.status.Load().(Status) }

// Cadence describes the between-cycle schedule.
func (s *Scheduler) Cadence() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// LastCycle returns the most recent report; ok is false before the first
// cycle completes.
func (s *Scheduler) LastCycle() (CycleReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last.Seq > 0
}

// TriggerNow wakes an idle scheduler for an immediate cycle. It returns
// false when a cycle is already running.
func (s *Scheduler) TriggerNow() bool {
	if s.Status() == StatusPolling {
		return false
	}
	s.forced.Store(true)
	s.poke()
	return true
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) config() (Config, cron.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.cadence
}

// Run loops until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg, _ := s.config()
	s.log.Info("poller started", logx.String("cadence", s.Cadence()), logx.Bool("enabled", cfg.Enabled))
	forced := s.forced.Swap(false)
	for {
		cfg, _ := s.config()
		if cfg.Enabled || forced {
			s.safeCycle(ctx)
		}
		if ctx.Err() != nil {
			s.log.Info("poller stopped")
			return nil
		}
		var err error
		if forced, err = s.waitNext(ctx); err != nil {
			s.log.Info("poller stopped")
			return nil
		}
	}
}

// safeCycle runs one cycle. A panic outside any monitor ends the cycle
// and the loop waits for the next one as usual.
func (s *Scheduler) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("poll cycle panic",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.RunCycle(ctx)
}

// waitNext blocks until the next scheduled cycle, a trigger, or ctx end.
// Config changes recompute the deadline from the same base. forced reports
// a TriggerNow wake.
func (s *Scheduler) waitNext(ctx context.Context) (forced bool, err error) {
	base := s.now()
	for {
		cfg, cad := s.config()
		var (
			tmr    *time.Timer
			timerC <-chan time.Time
		)
		if cfg.Enabled {
			d := cad.Next(base).Sub(s.now())
			if d < 0 {
				d = 0
			}
			tmr = time.NewTimer(d)
			timerC = tmr.C
		}
		stop := func() {
			if tmr != nil {
				tmr.Stop()
			}
		}

		select {
		case <-ctx.Done():
			stop()
			return false, ctx.Err()
		case <-timerC:
			return s.forced.Swap(false), nil
		case <-s.wake:
			stop()
			if s.forced.Swap(false) {
				return true, nil
			}
		}
	}
}

// RunCycle processes every monitor once and returns the report.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	s.status.Store(StatusPolling)
	defer s.status.Store(StatusIdle)

	cfg, cad := s.config()
	rep := CycleReport{Seq: s.seq.Add(1), Started: s.now()}
	log := s.log.With(logx.Int64("cycle", int64(rep.Seq)))

	monitors, err := s.deps.Monitors.ListMonitors(ctx)
	if err != nil {
		rep.ListErr = err.Error()
		log.Error("list monitors failed", logx.Err(err))
	}
	rep.Monitors = len(monitors)

	for _, m := range monitors {
		if ctx.Err() != nil {
			break
		}
		res := s.runMonitor(ctx, m)
		rep.Results = append(rep.Results, res)
		rep.Delivered += res.Delivered
		if res.Err != "" && res.Kind != model.KindCanceled {
			rep.Failed++
		}

		// The idle pause stays fixed in bulk mode; it spaces out requests
		// to the search API.
		cooldown := cfg.IdleCooldown
		if res.Delivered > 0 {
			cooldown = time.Duration(float64(cfg.BusyCooldown) * cfg.Multiplier)
		}
		if err := s.sleep(ctx, cooldown); err != nil {
			break
		}
	}

	rep.Finished = s.now()
	if cad != nil {
		rep.NextAt = cad.Next(rep.Finished)
	}
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	eventbus.Publish(s.deps.Bus, eventbus.TopicCycle, rep)

	fields := []logx.Field{
		logx.Int("monitors", rep.Monitors),
		logx.Int("failed", rep.Failed),
		logx.Int("delivered", rep.Delivered),
		logx.Duration("dur", rep.Finished.Sub(rep.Started)),
	}
	if rep.Failed > 0 || rep.ListErr != "" {
		log.Warn("poll cycle finished with failures", fields...)
	} else {
		log.Info("poll cycle finished", fields...)
	}
	return rep
}

func (s *Scheduler) runMonitor(ctx context.Context, m model.Monitor) (res MonitorResult) {
	start := s.now()
	res = MonitorResult{MonitorID: m.ID, ChatID: m.ChatID}
	log := s.log.With(logx.Monitor(m.ID, m.ChatID), logx.String("location", m.Location))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("monitor panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		res.Took = s.now().Sub(start)
		if err == nil {
			return
		}
		res.Kind = model.ErrorKind(err)
		res.Err = err.Error()
		if res.Kind == model.KindCanceled {
			return
		}
		log.Warn("monitor failed", logx.Kind(res.Kind), logx.Err(err))
		eventbus.Publish(s.deps.Bus, eventbus.TopicMonitorFailed, res)
		var cfgErr *model.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.alertOwner(ctx, m, cfgErr)
		}
	}()

	listings, err := s.deps.Fetcher.Fetch(ctx, m)
	if err != nil {
		return res
	}
	res.Fetched = len(listings)

	items, err := s.deps.Classifier.Classify(ctx, listings, m.ChatID)
	if err != nil {
		return res
	}
	res.Qualified = len(items)
	if len(items) == 0 {
		return res
	}

	res.Delivered, err = s.deps.Notifier.Deliver(ctx, items, m)
	return res
}

// alertOwner tells the monitor's chat about a permanent problem, once per
// (monitor, reason) for the life of the process.
func (s *Scheduler) alertOwner(ctx context.Context, m model.Monitor, cfgErr *model.ConfigurationError) {
	if s.deps.Alerts == nil || m.ChatID == 0 {
		return
	}
	key := m.ID + "\x00" + cfgErr.Reason
	s.mu.Lock()
	_, seen := s.alerted[key]
	s.alerted[key] = struct{}{}
	s.mu.Unlock()
	if seen {
		return
	}
	text := fmt.Sprintf("Monitor %s (%s) cannot run: %s\nRemove it with /unmonitor %s", m.ID, m.Summary(), cfgErr.Reason, m.ID)
	if _, err := s.deps.Alerts.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, text, nil); err != nil {
		s.log.Warn("owner alert failed", logx.Monitor(m.ID, m.ChatID), logx.Err(err))
		s.mu.Lock()
		delete(s.alerted, key)
		s.mu.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
