// Package bot is the chat command surface: it turns subscriber messages into
// Monitor records and exposes a few operational commands.
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"rentwatch/internal/runtime/supervisor"
	"rentwatch/internal/storage"
	"rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
	"rentwatch/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOwnerOnly applies only when owners are configured.
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Text    string
	ReqID   string
	Logger  logx.Logger
}

// Store is the persistence the command surface needs.
type Store interface {
	storage.MonitorStore
	storage.SessionStore
}

// LocationTable resolves and lists location codes.
type LocationTable interface {
	Canonical(code string) (string, bool)
	Names() []string
}

// Trigger starts an out-of-band poll cycle.
type Trigger interface {
	TriggerNow() bool
}

type Config struct {
	Owners         []int64
	SessionTTL     time.Duration
	CommandTimeout time.Duration
}

type Deps struct {
	Sender    transport.Sender
	Store     Store
	Locations LocationTable
	Poller    Trigger // optional
	Log       logx.Logger
}

type Bot struct {
	deps Deps
	log  logx.Logger

	mu       sync.RWMutex
	cfg      Config
	commands map[string]*Command // name and aliases
	ordered  []*Command

	jobs chan func()
	now  func() time.Time
}

func New(cfg Config, deps Deps) *Bot {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		deps: deps,
		log:  log.With(logx.String("comp", "bot")),
		jobs: make(chan func(), 256),
		now:  time.Now,
	}
	b.Apply(cfg)
	b.register(b.builtinCommands()...)
	return b
}

func (b *Bot) Apply(cfg Config) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	cfg.Owners = append([]int64(nil), cfg.Owners...)
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

func (b *Bot) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Bot) register(cmds ...*Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.commands == nil {
		b.commands = map[string]*Command{}
	}
	for _, c := range cmds {
		if c == nil || c.Handle == nil || strings.TrimSpace(c.Name) == "" {
			continue
		}
		b.commands[strings.ToLower(c.Name)] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" {
				b.commands[a] = c
			}
		}
		b.ordered = append(b.ordered, c)
	}
}

func (b *Bot) lookup(word string) (*Command, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.commands[word]
	return c, ok
}

// Commands lists registered commands in registration order.
func (b *Bot) Commands() []Command {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Command, 0, len(b.ordered))
	for _, c := range b.ordered {
		out = append(out, *c)
	}
	return out
}

// MenuCommands is the platform command menu.
func (b *Bot) MenuCommands() []transport.BotCommand {
	cmds := b.Commands()
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// PublishMenu pushes the command menu when the sender supports it.
func (b *Bot) PublishMenu(ctx context.Context) {
	up, ok := b.deps.Sender.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, b.MenuCommands()); err != nil {
		b.log.Warn("command menu update failed", logx.Err(err))
	}
}

// DispatchLoop consumes updates until ctx ends or updates closes. Handlers
// run on a small supervised worker pool.
func (b *Bot) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(b.log),
		supervisor.WithCancelOnError(false),
	)
	b.log.Info("command dispatcher started", logx.Int("workers", workers))

	jobs := make(chan func(), cap(b.jobs))
	b.mu.Lock()
	b.jobs = jobs
	b.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					b.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}
	sup.GoRestart("sessions.prune", b.pruneLoop,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithStopOnCleanExit(true),
	)

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		b.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, up)
		}
	}
}

func (b *Bot) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (b *Bot) tryEnqueue(job func()) bool {
	b.mu.RLock()
	jobs := b.jobs
	b.mu.RUnlock()
	select {
	case jobs <- job:
		return true
	default:
		return false
	}
}

func (b *Bot) route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	req, h, ok := b.prepare(up.Message)
	if !ok {
		return
	}
	if !b.tryEnqueue(func() { _ = h(ctx, req) }) {
		b.reply(ctx, req, "Busy, try again in a moment.")
	}
}

// prepare resolves a message to a handler chain. Plain text goes to the
// wizard when the chat has an open session.
func (b *Bot) prepare(msg *transport.Message) (*Request, HandlerFunc, bool) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil, false
	}
	cfg := b.config()
	req := &Request{
		Chat:   transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID: msg.FromID,
		Text:   text,
		ReqID:  newReqID(),
	}

	var (
		handle  HandlerFunc
		timeout = cfg.CommandTimeout
	)
	if strings.HasPrefix(text, "/") {
		parts := tokenizeCommandLine(text)
		if len(parts) == 0 {
			return nil, nil, false
		}
		word := commandWord(parts[0])
		cmd, ok := b.lookup(word)
		if !ok {
			req.Command = word
			handle = func(ctx context.Context, r *Request) error {
				b.reply(ctx, r, "Unknown command. Try /help")
				return nil
			}
		} else {
			req.Command = cmd.Name
			req.Args = parts[1:]
			handle = cmd.Handle
			if cmd.Timeout > 0 {
				timeout = cmd.Timeout
			}
			if cmd.Access == AccessOwnerOnly {
				handle = b.ownerOnly(cfg.Owners)(handle)
			}
		}
	} else {
		req.Command = "wizard"
		handle = b.handleWizardInput
	}

	req.Logger = b.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.String("cmd", req.Command),
	)
	final := Chain(handle,
		b.recovered(),
		logged(),
		withDeadline(timeout),
	)
	return req, final, true
}

func (b *Bot) reply(ctx context.Context, req *Request, text string) {
	b.send(ctx, req, text, &transport.SendOptions{DisablePreview: true})
}

func (b *Bot) replyHTML(ctx context.Context, req *Request, h tgui.H) {
	b.send(ctx, req, h.String(), &transport.SendOptions{ParseMode: tgui.ParseModeHTML, DisablePreview: true})
}

func (b *Bot) send(ctx context.Context, req *Request, text string, opt *transport.SendOptions) {
	if b.deps.Sender == nil {
		return
	}
	if _, err := b.deps.Sender.SendText(ctx, req.Chat, text, opt); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

func (b *Bot) pruneLoop(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := b.deps.Store.PruneSessions(ctx, b.now())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if n > 0 {
				b.log.Debug("expired sessions pruned", logx.Int("count", n))
			}
		}
	}
}

