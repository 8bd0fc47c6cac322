package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandemfm/tandem/internal/events"
)

func TestWatchGroupLifecycleCountsBusEvents(t *testing.T) {
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		WatchGroupLifecycle(ctx, bus, zerolog.Nop())
	}()

	// Publishing to a not-yet-registered subscriber is a silent drop, so
	// keep publishing until the watcher's counters show up in the scrape.
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(events.EventGroupCreated, events.Payload{"group_id": "g1"})
		bus.Publish(events.EventGroupEnded, events.Payload{"group_id": "g1", "reason": "empty"})

		scrape := httptest.NewRecorder()
		Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := scrape.Body.String()
		if strings.Contains(body, `tandem_group_lifecycle_events_total{event="group.created"}`) &&
			strings.Contains(body, `tandem_group_lifecycle_events_total{event="group.ended"}`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lifecycle counters never appeared in scrape output")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}
