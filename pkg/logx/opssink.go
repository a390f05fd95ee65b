package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"rentwatch/internal/transport"
	"rentwatch/pkg/tgui"
)

const (
	// repeatWindow mutes identical lines for the same monitor. A monitor
	// that keeps failing would otherwise post once per cycle.
	repeatWindow  = 30 * time.Minute
	maxRepeatKeys = 512
	opsQueueSize  = 256
	opsMaxRunes   = 3500
	opsValueRunes = 400
)

type opsLine struct {
	to   transport.ChatTarget
	text tgui.H
}

type repeatState struct {
	last  time.Time
	muted int
}

// opsSink forwards warnings to the operator chat without ever blocking the
// caller: lines past the rate limit or a full queue are dropped.
type opsSink struct {
	sender transport.Sender
	queue  chan opsLine
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter
	repeats  map[string]*repeatState
}

func newOpsSink(sender transport.Sender) *opsSink {
	ctx, cancel := context.WithCancel(context.Background())
	o := &opsSink{
		sender:   sender,
		queue:    make(chan opsLine, opsQueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
		now:      time.Now,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		repeats:  map[string]*repeatState{},
	}
	go o.run(ctx)
	return o
}

func (o *opsSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		o.threadID = cfg.ThreadID
	}
}

func (o *opsSink) setTarget(chatID int64, threadID int) {
	o.mu.Lock()
	o.chatID = chatID
	if threadID != 0 {
		o.threadID = threadID
	}
	o.mu.Unlock()
}

func (o *opsSink) stop() {
	o.cancel()
	<-o.done
}

func (o *opsSink) run(ctx context.Context) {
	defer close(o.done)
	opt := &transport.SendOptions{ParseMode: tgui.ParseModeHTML, DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-o.queue:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = o.sender.SendText(sctx, ln.to, ln.text.String(), opt)
			cancel()
		}
	}
}

func (o *opsSink) Write(p []byte) (int, error) { return o.WriteLevel(zerolog.InfoLevel, p) }

func (o *opsSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return len(p), nil
	}

	o.mu.Lock()
	to := transport.ChatTarget{ChatID: o.chatID, ThreadID: o.threadID}
	key := repeatKey(rec)
	if to.ChatID == 0 || level < o.minLevel || o.mute(key) || !o.limiter.Allow() {
		o.mu.Unlock()
		return len(p), nil
	}
	muted := o.mark(key)
	o.mu.Unlock()

	select {
	case o.queue <- opsLine{to: to, text: formatOpsLine(rec, muted)}:
	default:
	}
	return len(p), nil
}

// mute counts and reports a repeat of key inside repeatWindow. Caller
// holds o.mu.
func (o *opsSink) mute(key string) bool {
	st, ok := o.repeats[key]
	if !ok || o.now().Sub(st.last) >= repeatWindow {
		return false
	}
	st.muted++
	return true
}

// mark records key as sent now and returns how many copies were muted
// since it was last sent. Caller holds o.mu.
func (o *opsSink) mark(key string) int {
	now := o.now()
	muted := 0
	if st, ok := o.repeats[key]; ok {
		muted = st.muted
	} else if len(o.repeats) >= maxRepeatKeys {
		for k, v := range o.repeats {
			if now.Sub(v.last) >= repeatWindow {
				delete(o.repeats, k)
			}
		}
	}
	o.repeats[key] = &repeatState{last: now}
	return muted
}

func repeatKey(rec map[string]any) string {
	lvl, _ := rec["level"].(string)
	msg, _ := rec["message"].(string)
	mon, _ := rec[KeyMonitor].(string)
	return lvl + "\x00" + msg + "\x00" + mon
}

var skipKeys = map[string]bool{"time": true, "level": true, "message": true, zerolog.CallerFieldName: true}

// formatOpsLine renders a JSON log record as HTML: bold level and message,
// then one key=value line per field, sorted.
func formatOpsLine(rec map[string]any, muted int) tgui.H {
	lvl, _ := rec["level"].(string)
	msg, _ := rec["message"].(string)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		if !skipKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := []tgui.H{tgui.Concat(tgui.B(strings.ToUpper(lvl)), " ", tgui.Esc(msg))}
	for _, k := range keys {
		v := tgui.TruncRunes(fmt.Sprint(rec[k]), opsValueRunes)
		parts = append(parts, tgui.Concat(tgui.Code(k), tgui.Esc("="+v)))
	}
	if muted > 0 {
		parts = append(parts, tgui.I(fmt.Sprintf("%d similar lines muted", muted)))
	}
	out := tgui.Lines(parts...)
	if len([]rune(out.String())) > opsMaxRunes {
		// Cutting HTML could split a tag; fall back to escaped plain text.
		return tgui.Esc(tgui.TruncRunes(fmt.Sprintf("[%s] %s", strings.ToUpper(lvl), msg), opsMaxRunes))
	}
	return out
}
