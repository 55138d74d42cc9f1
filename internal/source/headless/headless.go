// Package headless renders a venue portal page in headless Chrome and reads
// configured fields from the DOM.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

// Name is the default source name.
const Name = "portal"

const defaultNavigationTimeout = 120 * time.Second

// QueryPlaceholder is replaced in Config.SearchURL with the escaped item query.
const QueryPlaceholder = "{query}"

// Config controls the browser session.
type Config struct {
	Name              string
	UserAgent         string
	SearchURL         string
	Selectors         map[string]string
	NavigationTimeout time.Duration
}

// Adapter implements enrich.BlockingAdapter with chromedp. Each call holds a
// browser tab, so calls belong on the blocking pool.
type Adapter struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates an Adapter backed by a Chrome exec allocator. Chrome starts
// lazily on the first Fetch.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SearchURL != "" && !strings.Contains(cfg.SearchURL, QueryPlaceholder) {
		return nil, fmt.Errorf("search url must contain %s", QueryPlaceholder)
	}
	for field, sel := range cfg.Selectors {
		if strings.TrimSpace(sel) == "" {
			return nil, fmt.Errorf("selector for field %q is empty", field)
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Adapter{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}, nil
}

// Name returns the source name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Blocking reports that calls must run on the blocking pool.
func (a *Adapter) Blocking() bool { return true }

// Close shuts the browser down.
func (a *Adapter) Close() {
	a.allocCancel()
}

// TargetURL picks the page to render for item: its own endpoint for this
// source when present, else the configured search URL.
func (a *Adapter) TargetURL(item enrich.WorkItem) (string, error) {
	if u := item.Endpoint(a.cfg.Name); u != "" {
		return u, nil
	}
	if a.cfg.SearchURL == "" {
		return "", fmt.Errorf("%s: no url for %q: %w", a.cfg.Name, item.Name, enrich.ErrPermanent)
	}
	q := strings.TrimSpace(item.Name + " " + item.Address)
	return strings.ReplaceAll(a.cfg.SearchURL, QueryPlaceholder, url.QueryEscape(q)), nil
}

// Fetch renders the item's page and returns the configured fields.
func (a *Adapter) Fetch(ctx context.Context, item enrich.WorkItem) (enrich.Payload, error) {
	target, err := a.TargetURL(item)
	if err != nil {
		return nil, err
	}

	taskCtx, taskCancel := chromedp.NewContext(a.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, a.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	pg, err := a.render(taskCtx, target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s render canceled: %w", a.cfg.Name, ctx.Err())
		}
		if taskCtx.Err() != nil {
			return nil, fmt.Errorf("%s: %w: %w", a.cfg.Name, enrich.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%s render: %w", a.cfg.Name, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(target, pg.finalURL)
	if status >= http.StatusBadRequest {
		return nil, &enrich.StatusError{Source: a.cfg.Name, StatusCode: status}
	}
	pg.status = status
	pg.finalURL = responseURL
	return pg.payload(target), nil
}

type renderedPage struct {
	status   int
	finalURL string
	title    string
	fields   map[string]string
}

func (a *Adapter) render(ctx context.Context, target string) (*renderedPage, error) {
	pg := &renderedPage{fields: make(map[string]string, len(a.cfg.Selectors))}
	actions := []chromedp.Action{
		a.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&pg.finalURL),
		chromedp.Title(&pg.title),
	}

	fields := sortedFields(a.cfg.Selectors)
	values := make([]string, len(fields))
	for i, field := range fields {
		script, err := fieldScript(a.cfg.Selectors[field])
		if err != nil {
			return nil, err
		}
		actions = append(actions, chromedp.Evaluate(script, &values[i]))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	for i, field := range fields {
		if v := strings.TrimSpace(values[i]); v != "" {
			pg.fields[field] = v
		}
	}
	return pg, nil
}

func (a *Adapter) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if a.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// fieldScript returns JS that yields the trimmed text of the first element
// matching selector, or "".
func fieldScript(selector string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("quote selector: %w", err)
	}
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.innerText.trim() : ""; })()`, quoted), nil
}

func sortedFields(selectors map[string]string) []string {
	fields := make([]string, 0, len(selectors))
	for f := range selectors {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

func (p *renderedPage) payload(requested string) enrich.Payload {
	out := enrich.Payload{
		"url":         requested,
		"final_url":   p.finalURL,
		"status_code": p.status,
	}
	if p.title != "" {
		out["title"] = p.title
	}
	for k, v := range p.fields {
		out[k] = v
	}
	return out
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, u := m.status, m.url
	m.mu.RUnlock()
	switch {
	case u != "":
	case finalURL != "":
		u = finalURL
	default:
		u = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, u
}
