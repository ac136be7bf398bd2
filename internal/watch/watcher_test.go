package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/counts"
)

const testInventory = counts.InventoryID("inv-1")

const groupListingBody = `{"inventory_id":"inv-1","groups":[
{"address":"A1","material":"M1","count_total":1,"latest_count_id":"c-1","status":"AWAITING_SECOND"}]}`

func groupUpdateEvent(countID string, total int, status string) string {
	return fmt.Sprintf("event:group-updated\ndata:{\"inventory_id\":\"inv-1\",\"address\":\"A1\",\"material\":\"M1\",\"status\":%q,\"count_total\":%d,"+
		"\"latest_count\":{\"count_id\":%q,\"sequence\":%d,\"address\":\"A1\",\"material\":\"M1\",\"quantity\":5,\"submitted_by\":\"bruno\",\"created_at\":\"2026-03-01T10:00:00Z\"}}\n\n",
		status, total, countID, total)
}

type fakeServer struct {
	mu       sync.Mutex
	lists    int
	streams  int
	tokens   []string
	streamFn func(call int) string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokens = append(f.tokens, r.Header.Get("Authorization"))
	f.mu.Unlock()
	switch r.URL.Path {
	case "/inventories/inv-1/groups":
		f.mu.Lock()
		f.lists++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, groupListingBody)
	case "/inventories/inv-1/stream":
		f.mu.Lock()
		f.streams++
		call := f.streams
		f.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, f.streamFn(call))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func TestWatcherLoadsBoardAndAppliesUpdates(t *testing.T) {
	fake := &fakeServer{streamFn: func(call int) string {
		if call > 1 {
			return "event:heartbeat\ndata:{}\n\n"
		}
		return "event:heartbeat\ndata:{}\n\n" +
			groupUpdateEvent("c-2", 2, "DIVERGENT") +
			// duplicate delivery must not change the board
			groupUpdateEvent("c-2", 2, "DIVERGENT") +
			"event:resync\ndata:{\"reason\":\"overflow\"}\n\n"
	}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var changes []counts.BoardEntry
	watcher, err := New(Config{
		BaseURL:     server.URL + "/",
		InventoryID: testInventory,
		Token:       "token-1",
		RetryDelay:  10 * time.Millisecond,
		OnChange: func(entry counts.BoardEntry) {
			mu.Lock()
			changes = append(changes, entry)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("failed to build watcher: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for fake.listCalls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not resync after the stream ended")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 {
		t.Fatalf("expected listing and update changes, got %+v", changes)
	}
	if changes[0].Status != counts.StatusAwaitingSecond || changes[0].LatestCountID != "c-1" {
		t.Fatalf("unexpected listed entry %+v", changes[0])
	}
	if changes[1].Status != counts.StatusDivergent || changes[1].CountTotal != 2 || changes[1].LatestCountID != "c-2" {
		t.Fatalf("unexpected streamed entry %+v", changes[1])
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, token := range fake.tokens {
		if token != "Bearer token-1" {
			t.Fatalf("expected bearer token on every request, got %q", token)
		}
	}
}

func TestWatcherListsAfterSubscribing(t *testing.T) {
	var mu sync.Mutex
	total, status, latest := 1, "AWAITING_SECOND", "c-1"
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/inventories/inv-1/stream":
			order = append(order, "stream")
			// A count accepted while the stream request is in flight reaches
			// neither this stream nor an earlier listing.
			total, status, latest = 2, "CORRECT", "c-2"
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "event:heartbeat\ndata:{}\n\n")
		case "/inventories/inv-1/groups":
			order = append(order, "groups")
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"groups":[{"address":"A1","material":"M1","count_total":%d,"latest_count_id":%q,"status":%q}]}`, total, latest, status)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	watcher, err := New(Config{BaseURL: server.URL, InventoryID: testInventory, RetryDelay: time.Hour})
	if err != nil {
		t.Fatalf("failed to build watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	key := counts.GroupKey{Address: "A1", Material: "M1"}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if entry, ok := watcher.Board().Entry(key); ok {
			if entry.CountTotal != 2 || entry.Status != counts.StatusCorrect || entry.LatestCountID != "c-2" {
				t.Fatalf("board missed the count accepted during subscription: %+v", entry)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("board was never loaded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != "stream" || order[1] != "groups" {
		t.Fatalf("expected the stream to open before the listing, got %v", order)
	}
}

func TestWatcherStopsOnRejectedSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	watcher, err := New(Config{BaseURL: server.URL, InventoryID: testInventory, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build watcher: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := watcher.Run(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{InventoryID: testInventory}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://localhost:8080"}); !errors.Is(err, errMissingInventoryID) {
		t.Fatalf("expected missing inventory error, got %v", err)
	}
}

func TestReadEvents(t *testing.T) {
	stream := ": comment\nevent:one\ndata: first\ndata: second\n\nevent:two\ndata:x\n\nevent:three\ndata:y\n\n"
	var seen []string
	err := readEvents(strings.NewReader(stream), func(name, data string) bool {
		seen = append(seen, name+"="+data)
		return name != "two"
	})
	if err != nil {
		t.Fatalf("expected nil error when the handler stops, got %v", err)
	}
	if strings.Join(seen, "|") != "one=first\nsecond|two=x" {
		t.Fatalf("unexpected events %q", seen)
	}

	if err := readEvents(strings.NewReader("event:one\ndata:x\n\n"), func(string, string) bool { return true }); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF at end of body, got %v", err)
	}
}

func TestDecodeGroupUpdateRejectsInvalidCounts(t *testing.T) {
	if _, err := decodeGroupUpdate(`{"inventory_id":"inv-1","latest_count":{"count_id":""}}`); err == nil {
		t.Fatalf("expected invalid count to be rejected")
	}
	event, err := decodeGroupUpdate(strings.TrimSuffix(strings.TrimPrefix(groupUpdateEvent("c-9", 3, "CORRECT_MAJORITY"), "event:group-updated\ndata:"), "\n\n"))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if event.Status != counts.StatusCorrectMajority || event.CountTotal != 3 || event.LatestCount.ID() != "c-9" {
		t.Fatalf("unexpected event %+v", event)
	}
}
