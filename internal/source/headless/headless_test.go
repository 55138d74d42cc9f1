package headless

import (
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{SearchURL: "https://portal.example/search"}); err == nil {
		t.Fatal("expected error for search url without placeholder")
	}
	if _, err := New(Config{Selectors: map[string]string{"capacity": " "}}); err == nil {
		t.Fatal("expected error for empty selector")
	}

	a, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Close()
	if a.Name() != Name || !a.Blocking() {
		t.Fatalf("unexpected adapter identity: name=%s blocking=%v", a.Name(), a.Blocking())
	}
	if a.cfg.NavigationTimeout != defaultNavigationTimeout {
		t.Fatalf("expected default navigation timeout, got %v", a.cfg.NavigationTimeout)
	}
}

func TestAdapterSatisfiesBlockingAdapter(t *testing.T) {
	t.Parallel()

	a, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Close()
	var _ enrich.BlockingAdapter = a
}

func TestTargetURL(t *testing.T) {
	t.Parallel()

	a, err := New(Config{SearchURL: "https://portal.example/search?q={query}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Close()

	got, err := a.TargetURL(enrich.WorkItem{Name: "Harbor Inn", Address: "1 Quay St"})
	if err != nil || got != "https://portal.example/search?q=Harbor+Inn+1+Quay+St" {
		t.Fatalf("unexpected search url %q err=%v", got, err)
	}

	item := enrich.WorkItem{Name: "Harbor Inn", Endpoints: map[string]string{Name: "https://portal.example/venue/42"}}
	got, err = a.TargetURL(item)
	if err != nil || got != "https://portal.example/venue/42" {
		t.Fatalf("expected item endpoint, got %q err=%v", got, err)
	}

	bare, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer bare.Close()
	if _, err := bare.TargetURL(enrich.WorkItem{Name: "Harbor Inn"}); enrich.Classify(err) != enrich.KindPermanent {
		t.Fatalf("expected permanent error without url, got %v", err)
	}
}

func TestFieldScriptQuotesSelector(t *testing.T) {
	t.Parallel()

	script, err := fieldScript(`div[data-label="Total meeting space"] .value`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `(() => { const el = document.querySelector("div[data-label=\"Total meeting space\"] .value"); return el ? el.innerText.trim() : ""; })()`
	if script != want {
		t.Fatalf("unexpected script:\n%s", script)
	}
}

func TestSortedFields(t *testing.T) {
	t.Parallel()

	got := sortedFields(map[string]string{"rooms": "#rooms", "capacity": "#cap", "largest_room": "#lr"})
	if len(got) != 3 || got[0] != "capacity" || got[1] != "largest_room" || got[2] != "rooms" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://portal.example/app.js"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://portal.example/venue/42"},
	})
	status, u := meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusNotFound || u != "https://portal.example/venue/42" {
		t.Fatalf("unexpected snapshot: status=%d url=%s", status, u)
	}

	status, u = newResponseMeta().snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || u != "https://final" {
		t.Fatalf("unexpected fallback: status=%d url=%s", status, u)
	}
	_, u = newResponseMeta().snapshotWithFallbacks("https://req", "")
	if u != "https://req" {
		t.Fatalf("expected request url fallback, got %s", u)
	}
}

func TestRenderedPagePayload(t *testing.T) {
	t.Parallel()

	pg := &renderedPage{
		status:   http.StatusOK,
		finalURL: "https://portal.example/venue/42",
		title:    "Harbor Inn - Venue",
		fields:   map[string]string{"capacity": "200"},
	}
	got := pg.payload("https://portal.example/search?q=harbor")
	if got["capacity"] != "200" || got["title"] != "Harbor Inn - Venue" || got["status_code"] != http.StatusOK {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got["url"] != "https://portal.example/search?q=harbor" {
		t.Fatalf("expected requested url, got %v", got["url"])
	}
}
