package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sheetbox/remote"
)

// feedServer accepts websocket connections and pushes the scripted events on
// each connection.
func feedServer(t *testing.T, events []remote.ChangeEvent, accepted *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if accepted != nil {
			accepted.Add(1)
		}
		ctx := r.Context()
		for _, event := range events {
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
		// Hold the connection open so the client does not treat a clean
		// close as a drop mid-test.
		<-ctx.Done()
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// TestSubscribeDeliversEvents verifies events flow from server to channel.
func TestSubscribeDeliversEvents(t *testing.T) {
	want := []remote.ChangeEvent{
		{Type: remote.EventInsert, Table: "documents"},
		{Type: remote.EventDelete, Table: "documents"},
	}
	server := feedServer(t, want, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := New(Config{URL: wsURL(server), Table: "documents"})
	events, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i, w := range want {
		select {
		case got := <-events:
			if got.Type != w.Type || got.Table != w.Table {
				t.Errorf("event %d: got %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

// TestSubscribeClosesOnCancel verifies the channel closes when the context is
// cancelled.
func TestSubscribeClosesOnCancel(t *testing.T) {
	server := feedServer(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	feed := New(Config{URL: wsURL(server)})
	events, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

// TestSubscribeReconnects verifies a dropped connection is redialed.
func TestSubscribeReconnects(t *testing.T) {
	var accepted atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := accepted.Add(1)
		if n == 1 {
			// Drop the first connection immediately.
			_ = conn.Close(websocket.StatusInternalError, "drop")
			return
		}
		_ = wsjson.Write(r.Context(), conn, remote.ChangeEvent{Type: remote.EventUpdate, Table: "folders"})
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := New(Config{URL: wsURL(server)})
	events, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case got := <-events:
		if got.Table != "folders" {
			t.Errorf("unexpected event: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event after reconnect")
	}
	if accepted.Load() < 2 {
		t.Errorf("expected a reconnect, got %d connections", accepted.Load())
	}
}

// TestBuildURLAppendsTableAndFilter verifies subscription query parameters.
func TestBuildURLAppendsTableAndFilter(t *testing.T) {
	feed := New(Config{
		URL:    "ws://example.test/changes",
		Table:  "worksheets",
		Filter: remote.Filter{"folder_id": "f1"},
	})
	endpoint, err := feed.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	for _, want := range []string{"table=worksheets", "folder_id=f1"} {
		if !strings.Contains(endpoint, want) {
			t.Errorf("endpoint %q missing %q", endpoint, want)
		}
	}
}
