package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-enrichment/internal/config"
	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	memorynotify "github.com/JakeFAU/venue-enrichment/internal/notify/memory"
	"github.com/JakeFAU/venue-enrichment/internal/ratelimit"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Cache.Path = filepath.Join(t.TempDir(), "cache", "results.json")
	cfg.Watchdog.Enabled = false
	return cfg
}

func newVenueServers(t *testing.T) (placesURL string) {
	t.Helper()
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<html><head><title>Blue Bar</title></head><body><a href="mailto:hi@bluebar.example">mail</a></body></html>`)
	}))
	t.Cleanup(site.Close)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"places":[{"id":"p1","displayName":{"text":"Blue Bar"},"websiteUri":%q,"businessStatus":"OPERATIONAL"}]}`, site.URL)
	}))
	t.Cleanup(api.Close)
	return api.URL
}

func TestNew_RunsSessionEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Sources.Places.Enabled = true
	cfg.Sources.Places.BaseURL = newVenueServers(t)
	cfg.Notify.Backend = "memory"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, []string{"places", "website"}, a.Pipeline.SourceNames())

	report, err := a.Scheduler.CreateSession(context.Background(), "bars", []enrich.WorkItem{
		{Name: "Blue Bar", Address: "1 Main St"},
	})
	require.NoError(t, err)
	assert.Equal(t, enrich.SessionCompleted, report.Status)
	require.Len(t, report.Items, 1)
	res := report.Items[0].Result
	require.True(t, res.Sources["places"].Succeeded())
	require.True(t, res.Sources["website"].Succeeded())

	notifier, ok := a.Notifier.(*memorynotify.Notifier)
	require.True(t, ok)
	require.Len(t, notifier.Events(), 1)

	require.Equal(t, 2, a.Cache.Stats().Size)
	a.Close(context.Background())
	_, err = os.Stat(cfg.Cache.Path)
	require.NoError(t, err)
}

func TestNew_RequiresAPhaseOneSource(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Sources.Places.Enabled = false
	cfg.Sources.Headless.Enabled = false

	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "no sources enabled")
}

func TestNew_WebsiteNeedsUpstream(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Sources.Places.Enabled = true
	cfg.Sources.Places.BaseURL = "http://127.0.0.1:1"
	cfg.Pipeline.Phase2DependsOn = "portal"
	cfg.Cache.Enabled = false

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())
	require.Equal(t, []string{"places"}, a.Pipeline.SourceNames())
	require.Nil(t, a.Cache)
	require.Nil(t, a.Notifier)
}

func TestLimiterOverrides(t *testing.T) {
	t.Parallel()

	rc := config.RateLimitConfig{
		Default: config.LimitConfig{PerSecond: 10, PerMinute: 60, CooldownBaseSeconds: 10},
		Sources: map[string]config.LimitConfig{"places": {PerMinute: 30}},
	}
	got := limiterOverrides(rc)
	require.Equal(t, ratelimit.Config{
		PerSecond:    10,
		PerMinute:    30,
		CooldownBase: limiterConfig(rc.Default).CooldownBase,
	}, got["places"])
}
