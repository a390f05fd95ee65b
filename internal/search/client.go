// Package search queries the Rightmove property search API for a monitor's
// criteria.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"rentwatch/internal/model"
	logx "rentwatch/pkg/logx"
)

const (
	DefaultBaseURL   = "https://www.rightmove.co.uk"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) rentwatch"

	defaultTimeout           = 20 * time.Second
	defaultPageSize          = 24
	defaultSortType          = 6
	defaultMaxDaysSinceAdded = 14
	defaultChannel           = "RENT"
	maxResponseBytes         = 8 << 20
)

// Config configures the client. Zero values take the defaults above.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	UserAgent         string
	PageSize          int
	SortType          int
	MaxDaysSinceAdded int
	Channel           string
	RatePerSec        float64
	Locations         map[string]string
}

// Fetcher returns the current result set for a monitor.
type Fetcher interface {
	Fetch(ctx context.Context, m model.Monitor) ([]model.Listing, error)
}

type Client struct {
	cfg       Config
	http      *http.Client
	limiter   *rate.Limiter
	locations *Locations
	log       logx.Logger
}

// New builds a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log logx.Logger) *Client {
	cfg = withDefaults(cfg)
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:       cfg,
		http:      httpClient,
		locations: NewLocations(cfg.Locations),
		log:       log.With(logx.String("comp", "search")),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

func withDefaults(cfg Config) Config {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.SortType <= 0 {
		cfg.SortType = defaultSortType
	}
	if cfg.MaxDaysSinceAdded <= 0 {
		cfg.MaxDaysSinceAdded = defaultMaxDaysSinceAdded
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		cfg.Channel = defaultChannel
	}
	return cfg
}

// Locations exposes the location table for the command surface.
func (c *Client) Locations() *Locations { return c.locations }

// SetLocations replaces the configured extra locations.
func (c *Client) SetLocations(extra map[string]string) { c.locations.Replace(extra) }

// Fetch runs one search. Criteria problems are *model.ConfigurationError;
// network, status and decode failures are *model.TransientFetchError.
func (c *Client) Fetch(ctx context.Context, m model.Monitor) ([]model.Listing, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	locID, ok := c.locations.Lookup(m.Location)
	if !ok {
		return nil, &model.ConfigurationError{MonitorID: m.ID, Reason: fmt.Sprintf("unknown location %q", m.Location)}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.searchURL(locID, m)
	body, status, err := c.doGET(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &model.TransientFetchError{Op: "search", Status: status, Err: err}
	}

	listings, err := c.parse(body)
	if err != nil {
		return nil, &model.TransientFetchError{Op: "decode", Status: status, Err: err}
	}
	c.log.Debug("search done",
		logx.Monitor(m.ID, m.ChatID),
		logx.String("location", m.Location),
		logx.Int("results", len(listings)),
	)
	return listings, nil
}

func (c *Client) searchURL(locID string, m model.Monitor) string {
	q := url.Values{}
	q.Set("locationIdentifier", locID)
	q.Set("minBedrooms", strconv.Itoa(m.MinBeds))
	q.Set("maxBedrooms", strconv.Itoa(m.MaxBeds))
	q.Set("minPrice", strconv.Itoa(m.MinPrice))
	q.Set("maxPrice", strconv.Itoa(m.MaxPrice))
	q.Set("numberOfPropertiesPerPage", strconv.Itoa(c.cfg.PageSize))
	q.Set("radius", "0.0")
	q.Set("sortType", strconv.Itoa(c.cfg.SortType))
	q.Set("index", "0")
	q.Set("maxDaysSinceAdded", strconv.Itoa(c.cfg.MaxDaysSinceAdded))
	q.Set("viewType", "LIST")
	q.Set("channel", c.cfg.Channel)
	q.Set("areaSizeUnit", "sqft")
	q.Set("currencyCode", "GBP")
	q.Set("isFetching", "false")
	return c.cfg.BaseURL + "/api/_search?" + q.Encode()
}

// ListingURL is the public page for a listing id.
func (c *Client) ListingURL(id string) string {
	return c.cfg.BaseURL + "/properties/" + url.PathEscape(id)
}

func (c *Client) doGET(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	status := resp.StatusCode
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if status < 200 || status >= 300 {
		return nil, status, fmt.Errorf("http status %d", status)
	}
	if err != nil {
		return nil, status, err
	}
	return b, status, nil
}

type searchResponse struct {
	Properties []json.RawMessage `json:"properties"`
}

type property struct {
	ID    json.RawMessage `json:"id"`
	Price struct {
		Amount       decimal.NullDecimal `json:"amount"`
		CurrencyCode string              `json:"currencyCode"`
		Frequency    string              `json:"frequency"`
	} `json:"price"`
	Bedrooms       int    `json:"bedrooms"`
	Bathrooms      int    `json:"bathrooms"`
	DisplayAddress string `json:"displayAddress"`
	PropertyImages struct {
		Images []struct {
			SrcURL string `json:"srcUrl"`
		} `json:"images"`
	} `json:"propertyImages"`
}

var errNoProperties = errors.New("response has no properties field")

func (c *Client) parse(body []byte) ([]model.Listing, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Properties == nil {
		return nil, errNoProperties
	}

	out := make([]model.Listing, 0, len(resp.Properties))
	for _, raw := range resp.Properties {
		var p property
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		id := rawID(p.ID)
		if id == "" {
			continue
		}
		l := model.Listing{
			ID:             id,
			Currency:       p.Price.CurrencyCode,
			Frequency:      p.Price.Frequency,
			Bedrooms:       p.Bedrooms,
			Bathrooms:      p.Bathrooms,
			DisplayAddress: strings.TrimSpace(p.DisplayAddress),
			URL:            c.ListingURL(id),
			Raw:            raw,
		}
		if p.Price.Amount.Valid {
			l.Price = p.Price.Amount.Decimal
		}
		for _, img := range p.PropertyImages.Images {
			if s := strings.TrimSpace(img.SrcURL); s != "" {
				l.ImageURLs = append(l.ImageURLs, s)
			}
		}
		out = append(out, l)
	}
	return out, nil
}

// rawID accepts numeric or string ids.
func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}
	return s
}
