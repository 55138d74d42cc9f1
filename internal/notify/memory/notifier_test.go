package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

func TestNotifierStoresEvents(t *testing.T) {
	t.Parallel()

	n := New()
	if err := n.Publish(context.Background(), enrich.SessionEvent{SessionID: "s1", Status: enrich.SessionCompleted}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := n.Publish(context.Background(), enrich.SessionEvent{SessionID: "s2", Status: enrich.SessionFailed}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events := n.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].SessionID != "s1" || events[1].Status != enrich.SessionFailed {
		t.Fatalf("events not recorded correctly: %+v", events)
	}

	events[0].SessionID = "modified"
	if n.Events()[0].SessionID == "modified" {
		t.Fatal("expected Events() to return a copy")
	}
}
