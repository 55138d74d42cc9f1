// Package website fetches a venue's own website with colly and extracts
// contact details from it.
package website

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

// Name is the default source name.
const Name = "website"

const defaultTimeout = 180 * time.Second

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

var socialHosts = []string{"facebook.com", "instagram.com", "twitter.com", "x.com", "linkedin.com", "tripadvisor.com"}

// Config controls collector behavior.
type Config struct {
	Name         string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Adapter implements enrich.DependentAdapter over the Colly collector.
type Adapter struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds an Adapter.
func New(cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Adapter{cfg: cfg, baseCollector: c}
}

// Name returns the source name.
func (a *Adapter) Name() string { return a.cfg.Name }

// page accumulates what the collector callbacks see for one visit.
type page struct {
	mu          sync.Mutex
	statusCode  int
	finalURL    string
	title       string
	description string
	emails      []string
	phones      []string
	social      []string
	err         error
}

// FetchWith visits rawURL and returns the contact details found on it.
func (a *Adapter) FetchWith(ctx context.Context, _ enrich.WorkItem, rawURL string) (enrich.Payload, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("%s: invalid url %q: %w", a.cfg.Name, rawURL, enrich.ErrPermanent)
	}
	collector := a.buildCollector()
	p := &page{}
	a.configureHooks(collector, p)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s fetch canceled: %w", a.cfg.Name, ctx.Err())
	case err := <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.err != nil {
			return nil, p.err
		}
		if err != nil {
			return nil, fmt.Errorf("%s visit failed: %w", a.cfg.Name, err)
		}
		return p.payload(rawURL), nil
	}
}

func (a *Adapter) buildCollector() *colly.Collector {
	collector := a.baseCollector.Clone()
	if a.cfg.UserAgent != "" {
		collector.UserAgent = a.cfg.UserAgent
	}
	if a.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = a.cfg.MaxBodyBytes
	}
	collector.IgnoreRobotsTxt = true
	// Clones share the visited-URL store; a retried or repeated item
	// must be fetched again.
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(a.cfg.Timeout)
	return collector
}

func (a *Adapter) configureHooks(hooks collectorHooks, p *page) {
	hooks.OnResponse(func(r *colly.Response) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.statusCode = r.StatusCode
		if r.Request != nil && r.Request.URL != nil {
			p.finalURL = r.Request.URL.String()
		}
		for _, m := range emailPattern.FindAllString(string(r.Body), -1) {
			p.emails = appendUnique(p.emails, strings.ToLower(m))
		}
	})

	hooks.OnHTML("title", func(e *colly.HTMLElement) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.title == "" {
			p.title = strings.TrimSpace(e.Text)
		}
	})

	hooks.OnHTML(`meta[name="description"]`, func(e *colly.HTMLElement) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.description = strings.TrimSpace(e.Attr("content"))
	})

	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.addLink(e.Attr("href"))
	})

	hooks.OnError(func(r *colly.Response, err error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			p.err = &enrich.StatusError{Source: a.cfg.Name, StatusCode: r.StatusCode, Err: err}
			return
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			p.err = fmt.Errorf("%s: %w: %w", a.cfg.Name, enrich.ErrTimeout, err)
			return
		}
		p.err = fmt.Errorf("%s response failed: %w", a.cfg.Name, err)
	})
}

func (p *page) addLink(href string) {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	switch {
	case strings.HasPrefix(lower, "mailto:"):
		addr := strings.SplitN(href[len("mailto:"):], "?", 2)[0]
		if addr != "" {
			p.emails = appendUnique(p.emails, strings.ToLower(addr))
		}
	case strings.HasPrefix(lower, "tel:"):
		if num := strings.TrimSpace(href[len("tel:"):]); num != "" {
			p.phones = appendUnique(p.phones, num)
		}
	default:
		u, err := url.Parse(href)
		if err != nil || u.Host == "" {
			return
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		for _, social := range socialHosts {
			if host == social || strings.HasSuffix(host, "."+social) {
				p.social = appendUnique(p.social, href)
				return
			}
		}
	}
}

func (p *page) payload(requested string) enrich.Payload {
	out := enrich.Payload{
		"url":         requested,
		"status_code": p.statusCode,
		"emails":      slices.Clone(p.emails),
		"phones":      slices.Clone(p.phones),
		"social":      slices.Clone(p.social),
	}
	if p.finalURL != "" {
		out["final_url"] = p.finalURL
	}
	if p.title != "" {
		out["title"] = p.title
	}
	if p.description != "" {
		out["description"] = p.description
	}
	return out
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
