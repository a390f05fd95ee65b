// Package adapter connects rentwatch to the Telegram Bot API through
// telebot: it long-polls for commands and sends listing messages and
// photo albums.
package adapter

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	rtsup "rentwatch/internal/runtime/supervisor"
	kit "rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
	"rentwatch/pkg/tgui"
)

const (
	// telegramTextLimit stays under the 4096 character message cap.
	telegramTextLimit = 4000
	// telegramAlbumMax is the Bot API limit for a media group.
	telegramAlbumMax       = 10
	menuDescriptionMax     = 256
	dropReportEvery        = 5 * time.Second
	defaultLongPollTimeout = 10 * time.Second
	stopGrace              = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

// Adapter implements kit.Adapter on top of telebot.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	out chan<- kit.Update
	sup *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu sync.Mutex
	menu   []tele.Command
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultLongPollTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.URL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: b}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

// Supervisor exposes the poll goroutines for /status; nil until Start.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// onText turns a chat message into an update. Commands and wizard answers
// both arrive here; the bot package tells them apart.
func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := &kit.Message{ID: m.ID, ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
	if m.Sender != nil {
		msg.FromID, msg.FromUsername = m.Sender.ID, m.Sender.Username
	}

	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return nil
	}
	select {
	case out <- kit.Update{Kind: kit.UpdateMessage, Message: msg}:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins long polling; updates go to out until Stop or ctx ends.
// Calling Start on a running adapter does nothing.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	// A broken poll loop must not take the poller down with it.
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup, a.out = sup, out
	a.mu.Unlock()

	sup.Go0("updates.drops", func(c context.Context) { a.watchDrops(c, cap(out)) })
	sup.Go0("telebot.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns early when getUpdates keeps failing; run it again
	// until the adapter stops.
	sup.GoRestart("telebot.poll", func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// watchDrops reports updates lost to a full channel, at most once per
// dropReportEvery and once more on the way out.
func (a *Adapter) watchDrops(ctx context.Context, capacity int) {
	report := func() {
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)",
				logx.Int64("count", int64(n)),
				logx.Int("chan_cap", capacity),
			)
		}
	}
	t := time.NewTicker(dropReportEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			report()
			return
		case <-t.C:
			report()
		}
	}
}

// Stop ends polling. A getUpdates call still waiting on Telegram is given
// stopGrace and then abandoned.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	switch err := sup.Wait(wctx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped with errors", logx.Err(err))
	}
	return nil
}

// splitTelegramText cuts s into messages of at most limit runes. Cuts fall
// between lines; a single line longer than limit is cut mid-line.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var (
		out   []string
		lines []string
		n     int // runes in lines, newlines included
	)
	flush := func() {
		if chunk := strings.TrimRight(strings.Join(lines, "\n"), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		lines, n = lines[:0], 0
	}
	for _, line := range strings.Split(s, "\n") {
		rs := []rune(line)
		for len(rs) > limit {
			flush()
			out = append(out, string(rs[:limit]))
			rs = rs[limit:]
		}
		if len(lines) == 0 && len(rs) == 0 {
			continue
		}
		if len(lines) > 0 && n+1+len(rs) > limit {
			flush()
		}
		if len(lines) > 0 {
			n++
		}
		lines = append(lines, string(rs))
		n += len(rs)
	}
	flush()
	return out
}

// SendText sends text, split into several messages when it is too long.
// The returned ref points at the first one.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode, so.DisableWebPagePreview = opt.ParseMode, opt.DisablePreview
	}
	chat := &tele.Chat{ID: to.ChatID}

	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return ref, floodHint(err)
		}
		if ref.MessageID == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// SendPhotoAlbum sends urls as a single media group. Telegram fetches the
// images itself; nothing is downloaded here.
func (a *Adapter) SendPhotoAlbum(ctx context.Context, to kit.ChatTarget, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	album := make(tele.Album, 0, min(len(urls), telegramAlbumMax))
	for _, u := range urls[:min(len(urls), telegramAlbumMax)] {
		album = append(album, &tele.Photo{File: tele.FromURL(u)})
	}
	_, err := a.bot.SendAlbum(&tele.Chat{ID: to.ChatID}, album, &tele.SendOptions{ThreadID: to.ThreadID})
	return floodHint(err)
}

// floodHint carries Telegram's retry_after on a 429 so the notifier waits
// as long as asked instead of its own backoff.
func floodHint(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return kit.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	return err
}

// menuCommands converts the command list for setMyCommands. Entries without
// a name are skipped and a missing description falls back to the name.
func menuCommands(cmds []kit.BotCommand) []tele.Command {
	menu := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: tgui.TruncRunes(d, menuDescriptionMax-1)})
	}
	return menu
}

func sameCommand(x, y tele.Command) bool {
	return x.Text == y.Text && x.Description == y.Description
}

// UpdateMenuCommands publishes the command menu, skipping the API call when
// it matches the last menu sent.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	menu := menuCommands(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.EqualFunc(a.menu, menu, sameCommand) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menu = menu
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
