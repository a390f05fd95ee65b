// Package model holds the records shared by the poll pipeline, the store and
// the command surface.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Monitor is a saved search owned by a subscriber (a Telegram chat).
type Monitor struct {
	ID        string    `json:"id" bson:"monitor_id"`
	ChatID    int64     `json:"chat_id" bson:"chat_id"`
	Location  string    `json:"location" bson:"location"`
	MinBeds   int       `json:"min_beds" bson:"min_beds"`
	MaxBeds   int       `json:"max_beds" bson:"max_beds"`
	MinPrice  int       `json:"min_price" bson:"min_price"`
	MaxPrice  int       `json:"max_price" bson:"max_price"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Validate reports malformed search criteria. Location codes are checked by
// the search client, which owns the location table.
func (m Monitor) Validate() error {
	switch {
	case m.ChatID == 0:
		return &ConfigurationError{MonitorID: m.ID, Reason: "missing subscriber"}
	case strings.TrimSpace(m.Location) == "":
		return &ConfigurationError{MonitorID: m.ID, Reason: "missing location"}
	case m.MinBeds < 0 || m.MaxBeds < 0 || m.MinPrice < 0 || m.MaxPrice < 0:
		return &ConfigurationError{MonitorID: m.ID, Reason: "negative bound"}
	case m.MaxBeds > 0 && m.MinBeds > m.MaxBeds:
		return &ConfigurationError{MonitorID: m.ID, Reason: fmt.Sprintf("min beds %d > max beds %d", m.MinBeds, m.MaxBeds)}
	case m.MaxPrice > 0 && m.MinPrice > m.MaxPrice:
		return &ConfigurationError{MonitorID: m.ID, Reason: fmt.Sprintf("min price %d > max price %d", m.MinPrice, m.MaxPrice)}
	}
	return nil
}

// Summary is a one-line human description used in chat replies and logs.
func (m Monitor) Summary() string {
	return fmt.Sprintf("%s, %d-%d beds, £%d-£%d", m.Location, m.MinBeds, m.MaxBeds, m.MinPrice, m.MaxPrice)
}

// Listing is one property from a single search result set.
type Listing struct {
	ID             string
	Price          decimal.Decimal
	Currency       string
	Frequency      string
	Bedrooms       int
	Bathrooms      int
	DisplayAddress string
	ImageURLs      []string
	URL            string

	// Raw is the provider payload, persisted as the snapshot body.
	Raw json.RawMessage
}

// Snapshot is the last observed state of a listing for one subscriber.
type Snapshot struct {
	ChatID    int64
	ListingID string
	Price     decimal.Decimal
	// PriceValid is false when the stored price was missing or unparsable.
	PriceValid bool
	Payload    json.RawMessage
	UpdatedAt  time.Time
}

// Kind is the outcome of classifying a listing against its snapshot.
type Kind int

const (
	KindUnchanged Kind = iota
	KindNew
	KindChanged
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindChanged:
		return "changed"
	default:
		return "unchanged"
	}
}

// Classified is a listing that qualifies for notification.
type Classified struct {
	Listing  Listing
	Kind     Kind
	OldPrice decimal.Decimal // set for KindChanged
}

// Session is a partially completed monitor-creation conversation.
type Session struct {
	ID        string    `json:"id" bson:"session_id"`
	ChatID    int64     `json:"chat_id" bson:"chat_id"`
	Step      int       `json:"step" bson:"step"`
	Draft     Monitor   `json:"draft" bson:"draft"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
