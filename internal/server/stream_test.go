package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/auth"
)

type sseEvent struct {
	name string
	data string
}

type sseReader struct {
	t       *testing.T
	results chan sseEvent
}

func newSSEReader(t *testing.T, response *http.Response) *sseReader {
	reader := &sseReader{t: t, results: make(chan sseEvent, 16)}
	go func() {
		defer close(reader.results)
		scanner := bufio.NewScanner(response.Body)
		current := sseEvent{}
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				if current.name != "" {
					reader.results <- current
				}
				current = sseEvent{}
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return reader
}

func (r *sseReader) next(name string) sseEvent {
	r.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-r.results:
			if !ok {
				r.t.Fatalf("stream ended before %s event", name)
			}
			if event.name == name {
				return event
			}
		case <-deadline:
			r.t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

func openStream(t *testing.T, server *httptest.Server, path, token string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, server.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	return response
}

func TestStreamEmitsGroupUpdates(t *testing.T) {
	fixture := newAPIFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	admin := fixture.session(t, "supervisor", auth.RoleAdmin)
	operator := fixture.session(t, "alice", auth.RoleOperator)
	other := fixture.session(t, "bruno", auth.RoleOperator)

	response := openStream(t, server, fixture.inventoryPath("/stream"), admin)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}
	events := newSSEReader(t, response)
	events.next(EventHeartbeat)

	for _, submission := range []struct{ token, body string }{
		{operator, `{"address":"A1","material":"M1","quantity":5}`},
		{other, `{"address":"A1","material":"M1","quantity":7}`},
	} {
		if recorder := fixture.do(t, http.MethodPost, fixture.inventoryPath("/counts"), submission.token, submission.body); recorder.Code != http.StatusCreated {
			t.Fatalf("submit failed: %d %s", recorder.Code, recorder.Body.String())
		}
	}

	var first, second groupUpdatedPayload
	if err := json.Unmarshal([]byte(events.next(EventGroupUpdated).data), &first); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if err := json.Unmarshal([]byte(events.next(EventGroupUpdated).data), &second); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if first.Status != "AWAITING_SECOND" || first.CountTotal != 1 {
		t.Fatalf("unexpected first event %+v", first)
	}
	if second.Status != "DIVERGENT" || second.CountTotal != 2 || second.LatestCount.SubmittedBy != "bruno" {
		t.Fatalf("unexpected second event %+v", second)
	}
	if second.Address != "A1" || second.Material != "M1" || second.Hint == "" {
		t.Fatalf("unexpected group key %+v", second)
	}
}

func TestStreamRejectsUnknownInventoryAndOperators(t *testing.T) {
	fixture := newAPIFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	if response := openStream(t, server, "/inventories/missing/stream", fixture.session(t, "supervisor", auth.RoleAdmin)); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.StatusCode)
	}
	if response := openStream(t, server, fixture.inventoryPath("/stream"), fixture.session(t, "alice", auth.RoleOperator)); response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", response.StatusCode)
	}
}
