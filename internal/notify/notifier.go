package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rentwatch/internal/eventbus"
	"rentwatch/internal/model"
	"rentwatch/internal/storage"
	"rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
)

// BulkMultiplier compresses every delay in bulk-ingest mode.
const BulkMultiplier = 0.001

type Config struct {
	MessageDelay    time.Duration
	BatchDelay      time.Duration
	DelayMultiplier float64
	MaxImages       int

	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// BulkIngest records snapshots without sending anything.
	BulkIngest bool
}

// DefaultConfig matches the production pacing.
func DefaultConfig() Config {
	return Config{
		MessageDelay:    time.Second,
		BatchDelay:      10 * time.Second,
		DelayMultiplier: 1,
		MaxImages:       6,
		RatePerSec:      1,
		RetryMax:        2,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
	}
}

// Multiplier is the effective delay factor.
func (c Config) Multiplier() float64 {
	if c.BulkIngest {
		return BulkMultiplier
	}
	if c.DelayMultiplier <= 0 {
		return 1
	}
	return c.DelayMultiplier
}

// SnapshotWriter commits snapshots after delivery.
type SnapshotWriter interface {
	InsertSnapshot(ctx context.Context, s model.Snapshot) error
	UpdateSnapshot(ctx context.Context, s model.Snapshot) error
}

type Deps struct {
	Sender    transport.Sender
	Albums    transport.AlbumSender // optional
	Snapshots SnapshotWriter
	Bus       eventbus.Bus // optional
	Log       logx.Logger
}

// NotifiedEvent is published on eventbus.TopicNotified.
type NotifiedEvent struct {
	MonitorID string
	ChatID    int64
	ListingID string
	Kind      string
}

// FailureEvent is published on the delivery and snapshot failure topics.
type FailureEvent struct {
	MonitorID string
	ChatID    int64
	ListingID string
	Err       string
}

type Notifier struct {
	deps Deps
	log  logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(cfg Config, deps Deps) *Notifier {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		deps:  deps,
		log:   log.With(logx.String("comp", "notify")),
		sleep: sleepCtx,
		now:   time.Now,
	}
	n.Apply(cfg)
	return n
}

// Apply swaps the pacing config. Safe to call while Deliver runs; the new
// values take effect at the next listing.
func (n *Notifier) Apply(cfg Config) {
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 6
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	n.mu.Lock()
	n.cfg = cfg
	n.limiter = lim
	n.mu.Unlock()
}

// Config returns the active config.
func (n *Notifier) Config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// Deliver processes items in order. It returns how many listings reached
// the subscriber (in bulk mode: how many were recorded) and the joined
// per-listing failures. Cancellation stops between steps.
func (n *Notifier) Deliver(ctx context.Context, items []model.Classified, m model.Monitor) (int, error) {
	var (
		delivered int
		errs      []error
	)
	for _, c := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := n.deliverOne(ctx, c, m)
		if ok {
			delivered++
		}
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return delivered, errors.Join(errs...)
}

func (n *Notifier) deliverOne(ctx context.Context, c model.Classified, m model.Monitor) (bool, error) {
	n.mu.Lock()
	cfg := n.cfg
	lim := n.limiter
	n.mu.Unlock()

	mult := cfg.Multiplier()
	to := transport.ChatTarget{ChatID: m.ChatID}
	l := c.Listing
	log := n.log.With(
		logx.Monitor(m.ID, m.ChatID),
		logx.Listing(l.ID),
		logx.String("change", c.Kind.String()),
	)

	if !cfg.BulkIngest {
		if err := n.sendText(ctx, lim, cfg, to, FormatMessage(c, m.Location)); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			derr := &model.DeliveryError{ListingID: l.ID, Err: err}
			log.Warn("listing delivery failed", logx.Err(err))
			eventbus.Publish(n.deps.Bus, eventbus.TopicDeliveryFailed, FailureEvent{MonitorID: m.ID, ChatID: m.ChatID, ListingID: l.ID, Err: err.Error()})
			return false, derr
		}
	}
	if err := n.sleep(ctx, scale(cfg.MessageDelay, mult)); err != nil {
		// Text already went out; record it before stopping.
		return true, errors.Join(err, n.commit(context.WithoutCancel(ctx), c, m, log))
	}

	if urls := firstN(l.ImageURLs, cfg.MaxImages); len(urls) > 0 && !cfg.BulkIngest && n.deps.Albums != nil {
		if err := n.deps.Albums.SendPhotoAlbum(ctx, to, urls); err != nil && ctx.Err() == nil {
			log.Warn("listing album failed", logx.Int("images", len(urls)), logx.Err(err))
		}
	}
	if err := n.sleep(ctx, scale(cfg.BatchDelay, mult)); err != nil {
		return true, errors.Join(err, n.commit(context.WithoutCancel(ctx), c, m, log))
	}

	if err := n.commit(ctx, c, m, log); err != nil {
		return true, err
	}
	if !cfg.BulkIngest {
		log.Info("listing notified")
	}
	eventbus.Publish(n.deps.Bus, eventbus.TopicNotified, NotifiedEvent{MonitorID: m.ID, ChatID: m.ChatID, ListingID: l.ID, Kind: c.Kind.String()})
	return true, nil
}

func (n *Notifier) sendText(ctx context.Context, lim *rate.Limiter, cfg Config, to transport.ChatTarget, text string) error {
	if n.deps.Sender == nil {
		return errors.New("no sender configured")
	}
	var last error
	for attempt := 1; attempt <= cfg.RetryMax+1; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		_, err := n.deps.Sender.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true})
		if err == nil {
			return nil
		}
		last = err
		if attempt > cfg.RetryMax {
			break
		}
		delay, retry := retryDelay(cfg, attempt, err)
		if !retry {
			n.log.Warn("send not retried: flood wait too long", logx.Int64(logx.KeyChat, to.ChatID), logx.Err(err))
			break
		}
		n.log.Debug("send retry scheduled", logx.Int64(logx.KeyChat, to.ChatID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if err := n.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return last
}

func (n *Notifier) commit(ctx context.Context, c model.Classified, m model.Monitor, log logx.Logger) error {
	snap := model.Snapshot{
		ChatID:     m.ChatID,
		ListingID:  c.Listing.ID,
		Price:      c.Listing.Price,
		PriceValid: true,
		Payload:    c.Listing.Raw,
		UpdatedAt:  n.now().UTC(),
	}

	var (
		op  = "insert snapshot"
		err error
	)
	if c.Kind == model.KindChanged {
		op = "update snapshot"
		err = n.deps.Snapshots.UpdateSnapshot(ctx, snap)
		if errors.Is(err, storage.ErrNotFound) {
			err = n.deps.Snapshots.InsertSnapshot(ctx, snap)
		}
	} else {
		err = n.deps.Snapshots.InsertSnapshot(ctx, snap)
	}
	if err == nil {
		return nil
	}

	perr := &model.PersistenceError{Op: op, Err: err}
	log.Error("snapshot write failed", logx.Err(err))
	eventbus.Publish(n.deps.Bus, eventbus.TopicSnapshotFailed, FailureEvent{MonitorID: m.ID, ChatID: m.ChatID, ListingID: c.Listing.ID, Err: err.Error()})
	return perr
}

func firstN(in []string, n int) []string {
	if n <= 0 || len(in) <= n {
		return in
	}
	return in[:n]
}
