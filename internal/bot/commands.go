package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rentwatch/internal/model"
	"rentwatch/internal/storage"
	"rentwatch/pkg/tgui"
)

const monitorUsage = "/monitor <location> <min beds> <max beds> <min price> <max price>"

func (b *Bot) builtinCommands() []*Command {
	return []*Command{
		{Name: "start", Description: "Introduction", Handle: b.cmdStart},
		{Name: "help", Description: "List commands", Handle: b.cmdHelp},
		{
			Name:        "monitor",
			Description: "Create a monitor",
			Usage:       monitorUsage,
			Handle:      b.cmdMonitor,
		},
		{Name: "monitors", Aliases: []string{"listmonitor", "listmonitors"}, Description: "List your monitors", Handle: b.cmdMonitors},
		{Name: "unmonitor", Aliases: []string{"removemonitor"}, Description: "Remove a monitor", Usage: "/unmonitor <id>", Handle: b.cmdUnmonitor},
		{Name: "locations", Description: "Known locations", Handle: b.cmdLocations},
		{Name: "cancel", Description: "Abort monitor creation", Handle: b.cmdCancel},
		{Name: "fetch", Description: "Poll now", Access: AccessOwnerOnly, Timeout: 5 * time.Second, Handle: b.cmdFetch},
	}
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	b.reply(ctx, req, "Hi! I watch rental listings and message you when something new shows up or a price changes.\n\n"+
		"Create a monitor with "+monitorUsage+" or just send /monitor and answer the questions.\n"+
		"Send /help for everything else.")
	return nil
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	lines := []tgui.H{tgui.B("Commands")}
	for _, c := range b.Commands() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		lines = append(lines, tgui.Concat(tgui.Code(usage), tgui.Esc(" - "+c.Description)))
	}
	b.replyHTML(ctx, req, tgui.Lines(lines...))
	return nil
}

func (b *Bot) cmdMonitor(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return b.startWizard(ctx, req)
	}
	if len(req.Args) != 5 {
		b.reply(ctx, req, "Usage: "+monitorUsage)
		return nil
	}
	location, ok := b.deps.Locations.Canonical(req.Args[0])
	if !ok {
		b.reply(ctx, req, fmt.Sprintf("Unknown location %q. Known: %s", tgui.TruncRunes(req.Args[0], 40), strings.Join(b.deps.Locations.Names(), ", ")))
		return nil
	}
	nums := make([]int, 4)
	for i, raw := range req.Args[1:] {
		n, err := parseBound(raw)
		if err != nil {
			b.reply(ctx, req, "Usage: "+monitorUsage)
			return nil
		}
		nums[i] = n
	}
	m := model.Monitor{
		ChatID:   req.Chat.ChatID,
		Location: location,
		MinBeds:  nums[0],
		MaxBeds:  nums[1],
		MinPrice: nums[2],
		MaxPrice: nums[3],
	}
	return b.createMonitor(ctx, req, m)
}

func (b *Bot) createMonitor(ctx context.Context, req *Request, m model.Monitor) error {
	if err := m.Validate(); err != nil {
		var cfgErr *model.ConfigurationError
		if errors.As(err, &cfgErr) {
			b.reply(ctx, req, "Invalid monitor: "+cfgErr.Reason)
			return nil
		}
		return err
	}
	saved, err := b.deps.Store.InsertMonitor(ctx, m)
	if err != nil {
		b.reply(ctx, req, "Could not save the monitor, please try again.")
		return fmt.Errorf("insert monitor: %w", err)
	}
	req.Logger.Info("monitor created", monitorField(saved.ID))
	b.replyHTML(ctx, req, tgui.Lines(
		tgui.Concat(tgui.Esc("Monitor created successfully. ID: "), tgui.Code(saved.ID)),
		tgui.Esc(saved.Summary()),
	))
	return nil
}

func (b *Bot) cmdMonitors(ctx context.Context, req *Request) error {
	ms, err := b.deps.Store.ListMonitorsByChat(ctx, req.Chat.ChatID)
	if err != nil {
		b.reply(ctx, req, "Could not load monitors.")
		return err
	}
	if len(ms) == 0 {
		b.reply(ctx, req, "No monitors yet. Create one with /monitor")
		return nil
	}
	lines := []tgui.H{tgui.B(fmt.Sprintf("Monitors (%d)", len(ms)))}
	for _, m := range ms {
		lines = append(lines, tgui.Concat(tgui.Code(m.ID), tgui.Esc(": "+m.Summary())))
	}
	b.replyHTML(ctx, req, tgui.Lines(lines...))
	return nil
}

func (b *Bot) cmdUnmonitor(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		b.reply(ctx, req, "Usage: /unmonitor <id>")
		return nil
	}
	id := strings.TrimSpace(req.Args[0])
	err := b.deps.Store.DeleteMonitor(ctx, req.Chat.ChatID, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		b.reply(ctx, req, "No monitor with id "+tgui.TruncRunes(id, 64))
		return nil
	case err != nil:
		b.reply(ctx, req, "Could not remove the monitor.")
		return err
	}
	req.Logger.Info("monitor removed", monitorField(id))
	b.reply(ctx, req, "Monitor removed: "+id)
	return nil
}

func (b *Bot) cmdLocations(ctx context.Context, req *Request) error {
	b.reply(ctx, req, "Known locations:\n"+strings.Join(b.deps.Locations.Names(), "\n"))
	return nil
}

func (b *Bot) cmdFetch(ctx context.Context, req *Request) error {
	if b.deps.Poller == nil {
		b.reply(ctx, req, "Polling is not running.")
		return nil
	}
	if !b.deps.Poller.TriggerNow() {
		b.reply(ctx, req, "A poll is already running.")
		return nil
	}
	b.reply(ctx, req, "Poll started.")
	return nil
}

func parseBound(raw string) (int, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "£"))
	raw = strings.ReplaceAll(raw, ",", "")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}
