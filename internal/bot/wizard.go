package bot

import (
	"context"
	"fmt"
	"strings"

	"rentwatch/internal/model"
	logx "rentwatch/pkg/logx"
)

// Wizard steps, in order.
const (
	stepLocation = iota
	stepMinBeds
	stepMaxBeds
	stepMinPrice
	stepMaxPrice
)

var stepPrompts = [...]string{
	stepLocation: "Which location? Known: %s",
	stepMinBeds:  "Minimum bedrooms?",
	stepMaxBeds:  "Maximum bedrooms?",
	stepMinPrice: "Minimum monthly price (£)?",
	stepMaxPrice: "Maximum monthly price (£)?",
}

func monitorField(id string) logx.Field { return logx.String(logx.KeyMonitor, id) }

func (b *Bot) prompt(step int) string {
	if step == stepLocation {
		return fmt.Sprintf(stepPrompts[stepLocation], strings.Join(b.deps.Locations.Names(), ", "))
	}
	return stepPrompts[step]
}

func (b *Bot) startWizard(ctx context.Context, req *Request) error {
	now := b.now()
	if old, ok, err := b.deps.Store.ActiveSession(ctx, req.Chat.ChatID, now); err == nil && ok {
		_ = b.deps.Store.DeleteSession(ctx, old.ID)
	}
	sess := model.Session{
		ChatID:    req.Chat.ChatID,
		Step:      stepLocation,
		Draft:     model.Monitor{ChatID: req.Chat.ChatID},
		ExpiresAt: now.Add(b.config().SessionTTL),
	}
	if err := b.deps.Store.PutSession(ctx, sess); err != nil {
		b.reply(ctx, req, "Could not start, please try again.")
		return err
	}
	b.reply(ctx, req, b.prompt(stepLocation)+"\n(/cancel to stop)")
	return nil
}

func (b *Bot) cmdCancel(ctx context.Context, req *Request) error {
	sess, ok, err := b.deps.Store.ActiveSession(ctx, req.Chat.ChatID, b.now())
	if err != nil {
		return err
	}
	if !ok {
		b.reply(ctx, req, "Nothing to cancel.")
		return nil
	}
	if err := b.deps.Store.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}
	b.reply(ctx, req, "Cancelled.")
	return nil
}

// handleWizardInput advances the chat's open session with one answer.
// Plain text without a session is ignored.
func (b *Bot) handleWizardInput(ctx context.Context, req *Request) error {
	now := b.now()
	sess, ok, err := b.deps.Store.ActiveSession(ctx, req.Chat.ChatID, now)
	if err != nil || !ok {
		return err
	}

	answer := strings.TrimSpace(req.Text)
	switch sess.Step {
	case stepLocation:
		loc, ok := b.deps.Locations.Canonical(answer)
		if !ok {
			b.reply(ctx, req, fmt.Sprintf("Unknown location %q. %s", answer, b.prompt(stepLocation)))
			return nil
		}
		sess.Draft.Location = loc
	default:
		n, err := parseBound(answer)
		if err != nil {
			b.reply(ctx, req, "Please send a whole number. "+b.prompt(sess.Step))
			return nil
		}
		switch sess.Step {
		case stepMinBeds:
			sess.Draft.MinBeds = n
		case stepMaxBeds:
			sess.Draft.MaxBeds = n
		case stepMinPrice:
			sess.Draft.MinPrice = n
		case stepMaxPrice:
			sess.Draft.MaxPrice = n
		}
	}

	if sess.Step == stepMaxPrice {
		if err := b.deps.Store.DeleteSession(ctx, sess.ID); err != nil {
			return err
		}
		sess.Draft.ChatID = req.Chat.ChatID
		return b.createMonitor(ctx, req, sess.Draft)
	}

	sess.Step++
	sess.ExpiresAt = now.Add(b.config().SessionTTL)
	if err := b.deps.Store.PutSession(ctx, sess); err != nil {
		return err
	}
	b.reply(ctx, req, b.prompt(sess.Step))
	return nil
}
