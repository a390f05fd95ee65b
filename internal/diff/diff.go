// Package diff classifies a fresh result set against the stored snapshots of
// one subscriber.
package diff

import (
	"context"

	"github.com/shopspring/decimal"

	"rentwatch/internal/model"
)

// DefaultMaxPerCycle is the per-monitor notification cap.
const DefaultMaxPerCycle = 2

// SnapshotReader loads the baseline for a subscriber.
type SnapshotReader interface {
	SnapshotsForChat(ctx context.Context, chatID int64) ([]model.Snapshot, error)
}

type Engine struct {
	Snapshots SnapshotReader
	// MaxPerCycle caps the result. 0 disables the cap.
	MaxPerCycle int
}

// Classify returns the new and price-changed listings in provider order,
// first occurrence of an id winning, truncated to MaxPerCycle.
func (e *Engine) Classify(ctx context.Context, listings []model.Listing, chatID int64) ([]model.Classified, error) {
	if len(listings) == 0 {
		return nil, nil
	}

	snaps, err := e.Snapshots.SnapshotsForChat(ctx, chatID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "load snapshots", Err: err}
	}
	known := make(map[string]decimal.Decimal, len(snaps))
	for _, s := range snaps {
		if !s.PriceValid {
			continue
		}
		known[s.ListingID] = s.Price
	}

	out := make([]model.Classified, 0, capOrLen(e.MaxPerCycle, len(listings)))
	seen := make(map[string]struct{}, len(listings))
	for _, l := range listings {
		if _, dup := seen[l.ID]; dup {
			continue
		}
		seen[l.ID] = struct{}{}

		old, ok := known[l.ID]
		switch {
		case !ok:
			out = append(out, model.Classified{Listing: l, Kind: model.KindNew})
		case !old.Equal(l.Price):
			out = append(out, model.Classified{Listing: l, Kind: model.KindChanged, OldPrice: old})
		default:
			continue
		}
		if e.MaxPerCycle > 0 && len(out) == e.MaxPerCycle {
			break
		}
	}
	return out, nil
}

func capOrLen(limit, n int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}
