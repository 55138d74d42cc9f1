package system

import (
	"testing"
	"time"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

var _ enrich.Clock = New()

func TestClockStampsUTC(t *testing.T) {
	t.Parallel()

	var clk enrich.Clock = New()
	got := clk.Now()
	if got.Location() != time.UTC {
		t.Fatalf("Now() location = %v, want UTC", got.Location())
	}
	if drift := time.Since(got); drift < 0 || drift > time.Minute {
		t.Fatalf("Now() = %v, drift %v from wall clock", got, drift)
	}
}

// Inactivity is measured as the difference of two stamps, so later calls
// must never go backwards.
func TestClockInactivityWindow(t *testing.T) {
	t.Parallel()

	clk := New()
	lastActivity := clk.Now()
	time.Sleep(2 * time.Millisecond)
	if idle := clk.Now().Sub(lastActivity); idle <= 0 {
		t.Fatalf("idle = %v, want > 0", idle)
	}
}
