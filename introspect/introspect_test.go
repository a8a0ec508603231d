package introspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mcpkit/sessioncore/breaker"
	"github.com/mcpkit/sessioncore/events"
	"github.com/mcpkit/sessioncore/events/memorysink"
	"github.com/mcpkit/sessioncore/sessions"
	"github.com/mcpkit/sessioncore/validation"
)

func newTestServer(t *testing.T) (*Server, *sessions.Registry, *breaker.Registry, *memorysink.Sink) {
	t.Helper()
	registry := sessions.NewRegistry()
	monitor := sessions.NewHeartbeatMonitor(registry, 30*time.Second, 3)
	breakers := breaker.NewRegistry(breaker.Defaults{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	})
	cache := validation.NewCache(16)
	recent := memorysink.New(16)
	return NewServer(registry, monitor, breakers, cache, recent), registry, breakers, recent
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestSessionsEndpoint(t *testing.T) {
	srv, registry, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var snaps []sessions.Snapshot
	if code := getJSON(t, ts, "/v1/sessions", &snaps); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected empty session list, got %d", len(snaps))
	}

	_, _ = registry.Create("s1")
	_ = registry.RecordMessage("s1")

	snaps = nil
	getJSON(t, ts, "/v1/sessions", &snaps)
	if len(snaps) != 1 || snaps[0].ID != "s1" {
		t.Fatalf("snapshots = %+v, want one entry for s1", snaps)
	}
	if snaps[0].State != sessions.StateActive {
		t.Fatalf("state = %s, want %s", snaps[0].State, sessions.StateActive)
	}
}

func TestSessionByID(t *testing.T) {
	srv, registry, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if code := getJSON(t, ts, "/v1/sessions/ghost", nil); code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", code)
	}

	_, _ = registry.Create("s1")
	var snap sessions.Snapshot
	if code := getJSON(t, ts, "/v1/sessions/s1", &snap); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if snap.ID != "s1" {
		t.Fatalf("snapshot id = %s, want s1", snap.ID)
	}

	_ = registry.Close("s1")
	if code := getJSON(t, ts, "/v1/sessions/s1", nil); code != http.StatusGone {
		t.Fatalf("closed session status = %d, want 410", code)
	}
}

func TestBreakersEndpoint(t *testing.T) {
	srv, _, breakers, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	breakers.Get("clone").RecordFailure()

	var snaps []breaker.Snapshot
	if code := getJSON(t, ts, "/v1/breakers", &snaps); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(snaps) != 1 || snaps[0].Name != "clone" {
		t.Fatalf("snapshots = %+v, want one entry for clone", snaps)
	}
	if snaps[0].FailureCount != 1 {
		t.Fatalf("failure_count = %d, want 1", snaps[0].FailureCount)
	}
}

func TestCacheEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats validation.Stats
	if code := getJSON(t, ts, "/v1/cache", &stats); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if stats.Capacity != 16 {
		t.Fatalf("capacity = %d, want 16", stats.Capacity)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, _, _, recent := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_ = recent.Emit(context.Background(), events.Event{
		Kind: events.KindSessionCreated, SessionID: "s1", At: time.Now(),
	})

	var evs []events.Event
	if code := getJSON(t, ts, "/v1/events", &evs); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(evs) != 1 || evs[0].Kind != events.KindSessionCreated {
		t.Fatalf("events = %+v, want one session.created", evs)
	}
}

func TestEventStream(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/v1/events/stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// Give the handler a moment to register the subscriber.
	deadline := time.Now().Add(time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.subscribers)
		srv.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := events.Event{Kind: events.KindSessionEvicted, SessionID: "s9", At: time.Now().UTC()}
	if err := srv.Emit(context.Background(), want); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	var got events.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Kind != want.Kind || got.SessionID != want.SessionID {
		t.Fatalf("streamed event = %+v, want %+v", got, want)
	}
}
