package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rentwatch/internal/model"
)

// parsePrice decodes a stored price. Missing or malformed values report
// ok=false so the diff treats the snapshot as absent.
func parsePrice(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func prepareMonitor(m model.Monitor) model.Monitor {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return m
}

func prepareSnapshot(s model.Snapshot) model.Snapshot {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	if len(s.Payload) == 0 {
		s.Payload = json.RawMessage("{}")
	}
	return s
}

func prepareSession(s model.Session) model.Session {
	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.NewString()
	}
	return s
}

// priceText is the stored form of a snapshot price; "" for an invalid price.
func priceText(s model.Snapshot) string {
	if !s.PriceValid {
		return ""
	}
	return s.Price.String()
}
