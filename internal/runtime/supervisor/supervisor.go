// Package supervisor runs rentwatch's long-lived goroutines under one
// context. Every goroutine is named; panics become errors and per-name
// counters feed the /status endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "rentwatch/pkg/logx"
)

type Supervisor struct {
	ctx         context.Context
	cancel      context.CancelFunc
	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	err   error
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

// GoroutineStats counts the runs of one named goroutine.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first failure of a
// goroutine started with Go.
func WithCancelOnError(on bool) Option { return func(s *Supervisor) { s.cancelOnErr = on } }

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{done: make(chan struct{}), stats: map[string]*GoroutineStats{}}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }
func (s *Supervisor) Cancel()                  { s.cancel() }

// Err is the first recorded failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot lists goroutine stats, running ones first.
func (s *Supervisor) Snapshot() []GoroutineStats {
	s.mu.Lock()
	out := make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Active > 0) != (out[j].Active > 0) {
			return out[i].Active > 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Go runs fn once. A non-nil error or a panic is recorded and, with
// WithCancelOnError, stops every other goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.begin(name, false)
		err, panicked := s.attempt(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.end(name, err, panicked)
		if err != nil {
			s.record(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

type restartPolicy struct {
	min, max    time.Duration
	stopOnClean bool
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithStopOnCleanExit ends the loop when fn returns nil (the default).
// Off, a clean return is restarted like a failure.
func WithStopOnCleanExit(on bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = on }
}

// stableRun resets the backoff after a run that lasted this long.
const stableRun = 30 * time.Second

// GoRestart keeps fn running until the context ends. Failures and panics
// are logged and retried after a jittered, doubling delay; they never
// cancel the supervisor.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnClean: true}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		delay := p.min
		for run := 0; s.ctx.Err() == nil; run++ {
			started := s.begin(name, run > 0)
			err, panicked := s.attempt(name, fn)

			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.end(name, nil, panicked)
				return
			}
			if err == nil && p.stopOnClean {
				s.end(name, nil, false)
				return
			}
			if err == nil {
				err = errors.New("returned")
			}
			s.end(name, err, panicked)

			if time.Since(started) >= stableRun {
				delay = p.min
			}
			wait := jitter(delay)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("in", wait), logx.Err(err))
			if !sleep(s.ctx, wait) {
				return
			}
			delay = min(delay*2, p.max)
		}
	})
}

// Wait blocks until every goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) spawn(body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		body()
	}()
}

// attempt runs fn, turning a panic into an error.
func (s *Supervisor) attempt(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err, panicked = fmt.Errorf("%s: panic: %v", name, r), true
		}
	}()
	if err = fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%s: %w", name, err)
	}
	return err, false
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Supervisor) stat(name string) *GoroutineStats {
	st, ok := s.stats[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stat(name)
	st.Active++
	st.Started++
	st.LastStartAt = now
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
	s.log.Debug("goroutine started", logx.String("name", name))
	return now
}

func (s *Supervisor) end(name string, err error, panicked bool) {
	s.mu.Lock()
	st := s.stat(name)
	st.Active = max(st.Active-1, 0)
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
	s.log.Debug("goroutine stopped", logx.String("name", name))
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int64N(j+1))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
