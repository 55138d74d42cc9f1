// Package places looks venues up in a Places-style text search JSON API.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

// Name is the default source name.
const Name = "places"

const (
	defaultTimeout = 90 * time.Second
	maxErrorBody   = 4 << 10
)

// FieldMask lists the response fields requested from the API.
var FieldMask = strings.Join([]string{
	"places.id",
	"places.displayName",
	"places.formattedAddress",
	"places.location",
	"places.rating",
	"places.userRatingCount",
	"places.websiteUri",
	"places.nationalPhoneNumber",
	"places.businessStatus",
	"places.primaryType",
	"places.googleMapsUri",
}, ",")

// Config points the adapter at the API.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxResultCount int
}

// Adapter implements enrich.SourceAdapter over HTTP.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New builds an Adapter. A nil client uses one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("places base url is required")
	}
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResultCount <= 0 {
		cfg.MaxResultCount = 5
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

// Name returns the source name.
func (a *Adapter) Name() string { return a.cfg.Name }

type searchRequest struct {
	TextQuery      string `json:"textQuery"`
	MaxResultCount int    `json:"maxResultCount"`
}

type searchResponse struct {
	Places []place `json:"places"`
}

type place struct {
	ID          string `json:"id"`
	DisplayName struct {
		Text string `json:"text"`
	} `json:"displayName"`
	FormattedAddress string `json:"formattedAddress"`
	Location         *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Rating              float64 `json:"rating"`
	UserRatingCount     int     `json:"userRatingCount"`
	WebsiteURI          string  `json:"websiteUri"`
	NationalPhoneNumber string  `json:"nationalPhoneNumber"`
	BusinessStatus      string  `json:"businessStatus"`
	PrimaryType         string  `json:"primaryType"`
	GoogleMapsURI       string  `json:"googleMapsUri"`
}

// Query builds the text query for item.
func Query(item enrich.WorkItem) string {
	name := strings.TrimSpace(item.Name)
	addr := strings.TrimSpace(item.Address)
	if addr == "" {
		return name
	}
	return name + ", " + addr
}

// Fetch searches for item and returns the best match.
func (a *Adapter) Fetch(ctx context.Context, item enrich.WorkItem) (enrich.Payload, error) {
	body, err := json.Marshal(searchRequest{TextQuery: Query(item), MaxResultCount: a.cfg.MaxResultCount})
	if err != nil {
		return nil, fmt.Errorf("marshal search: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-FieldMask", FieldMask)
	if a.cfg.APIKey != "" {
		req.Header.Set("X-Goog-Api-Key", a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", a.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &enrich.StatusError{
			Source:     a.cfg.Name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("search failed: %s", strings.TrimSpace(string(snippet))),
		}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s decode search: %w", a.cfg.Name, err)
	}
	if len(out.Places) == 0 {
		return nil, fmt.Errorf("%s: no match for %q: %w", a.cfg.Name, Query(item), enrich.ErrPermanent)
	}
	return toPayload(out.Places[0], item), nil
}

func toPayload(p place, item enrich.WorkItem) enrich.Payload {
	name := p.DisplayName.Text
	if name == "" {
		name = item.Name
	}
	address := p.FormattedAddress
	if address == "" {
		address = item.Address
	}
	out := enrich.Payload{
		"place_id":        p.ID,
		"name":            name,
		"address":         address,
		"website":         p.WebsiteURI,
		"phone":           p.NationalPhoneNumber,
		"rating":          p.Rating,
		"review_count":    p.UserRatingCount,
		"business_status": p.BusinessStatus,
		"is_closed":       p.BusinessStatus != "" && p.BusinessStatus != "OPERATIONAL",
		"category":        p.PrimaryType,
		"maps_url":        p.GoogleMapsURI,
	}
	if p.Location != nil {
		out["latitude"] = p.Location.Latitude
		out["longitude"] = p.Location.Longitude
	}
	return out
}
