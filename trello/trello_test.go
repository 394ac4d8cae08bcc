package trello

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trello-slack-hooks/pkg/notifier"
)

var (
	since = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	until = since.Add(5 * time.Minute)
)

func at(offset time.Duration) string {
	return since.Add(offset).Format("2006-01-02T15:04:05.000Z")
}

type card struct {
	name    string
	list    string
	members []string
	closed  bool
}

// fakeTrello serves a single board's actions and its cards.
func fakeTrello(t *testing.T, actions []map[string]any, cards map[string]card) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/boards/b1/actions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" || r.URL.Query().Get("token") != "tok" {
			t.Errorf("missing credentials in %s", r.URL)
		}
		writeJSON(t, w, actions)
	})
	mux.HandleFunc("/cards/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/cards/")
		if id == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		c, ok := cards[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, map[string]any{
			"id":        id,
			"name":      c.name,
			"shortUrl":  "https://trello.com/c/" + id,
			"idMembers": c.members,
			"closed":    c.closed,
			"list":      map[string]string{"id": "l-" + c.list, "name": c.list},
			"board":     map[string]string{"id": "b1", "name": "Eng"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func createAction(cardID string, offset time.Duration) map[string]any {
	return map[string]any{
		"id":   "a-create-" + cardID,
		"type": "createCard",
		"date": at(offset),
		"data": map[string]any{"card": map[string]string{"id": cardID}, "board": map[string]string{"id": "b1", "name": "Eng"}},
	}
}

func moveAction(cardID, after string, offset time.Duration) map[string]any {
	return map[string]any{
		"id":   "a-move-" + cardID + "-" + after,
		"type": "updateCard",
		"date": at(offset),
		"data": map[string]any{
			"card":       map[string]string{"id": cardID},
			"board":      map[string]string{"id": "b1", "name": "Eng"},
			"listBefore": map[string]string{"name": "Backlog"},
			"listAfter":  map[string]string{"name": after},
		},
	}
}

func testClient(srv *httptest.Server) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(srv.Client(), srv.URL, "k", "tok", logger)
	c.backoff = 10 * time.Millisecond
	return c
}

// TestChangedCards verifies window, list and dedup rules against a fake board.
func TestChangedCards(t *testing.T) {
	both := []notifier.Kind{notifier.KindCreated, notifier.KindMoved}
	tests := []struct {
		name      string
		kinds     []notifier.Kind
		actions   []map[string]any
		cards     map[string]card
		wantCards []string
		wantKinds []notifier.Kind
	}{
		{
			name:  "created and moved in one window yields one event",
			kinds: both,
			actions: []map[string]any{
				moveAction("c1", "To Notify", 2*time.Minute),
				createAction("c1", time.Minute),
			},
			cards:     map[string]card{"c1": {name: "X", list: "To Notify"}},
			wantCards: []string{"c1"},
			wantKinds: []notifier.Kind{notifier.KindMoved},
		},
		{
			name:  "only the qualifying move matches",
			kinds: both,
			actions: []map[string]any{
				moveAction("c1", "Done", 3*time.Minute),
				moveAction("c1", "to notify", 2*time.Minute),
			},
			cards:     map[string]card{"c1": {name: "X", list: "Done"}},
			wantCards: []string{"c1"},
			wantKinds: []notifier.Kind{notifier.KindMoved},
		},
		{
			name:      "created card outside target list is ignored",
			kinds:     both,
			actions:   []map[string]any{createAction("c1", time.Minute)},
			cards:     map[string]card{"c1": {name: "X", list: "Backlog"}},
			wantCards: nil,
		},
		{
			name:      "list name matches case-insensitively",
			kinds:     []notifier.Kind{notifier.KindCreated},
			actions:   []map[string]any{createAction("c1", time.Minute)},
			cards:     map[string]card{"c1": {name: "X", list: "TO NOTIFY"}},
			wantCards: []string{"c1"},
			wantKinds: []notifier.Kind{notifier.KindCreated},
		},
		{
			name:  "deleted and archived cards are skipped",
			kinds: both,
			actions: []map[string]any{
				createAction("gone", time.Minute),
				createAction("archived", time.Minute),
				createAction("c2", time.Minute),
			},
			cards: map[string]card{
				"archived": {name: "A", list: "To Notify", closed: true},
				"c2":       {name: "Y", list: "To Notify"},
			},
			wantCards: []string{"c2"},
			wantKinds: []notifier.Kind{notifier.KindCreated},
		},
		{
			name:  "unreadable card does not drop the rest of the board",
			kinds: both,
			actions: []map[string]any{
				createAction("c1", 2*time.Minute),
				createAction("broken", time.Minute),
				createAction("c2", time.Minute),
			},
			cards: map[string]card{
				"c1": {name: "X", list: "To Notify"},
				"c2": {name: "Y", list: "To Notify"},
			},
			wantCards: []string{"c1", "c2"},
			wantKinds: []notifier.Kind{notifier.KindCreated, notifier.KindCreated},
		},
		{
			name:  "actions outside the window are dropped",
			kinds: both,
			actions: []map[string]any{
				createAction("late", 5*time.Minute),
				createAction("early", -time.Second),
			},
			cards: map[string]card{
				"late":  {name: "L", list: "To Notify"},
				"early": {name: "E", list: "To Notify"},
			},
			wantCards: nil,
		},
		{
			name:      "board without matching list returns nothing",
			kinds:     both,
			actions:   []map[string]any{moveAction("c1", "Review", time.Minute)},
			cards:     map[string]card{"c1": {name: "X", list: "Review"}},
			wantCards: nil,
		},
		{
			name:      "no kinds requested",
			kinds:     nil,
			actions:   []map[string]any{createAction("c1", time.Minute)},
			cards:     map[string]card{"c1": {name: "X", list: "To Notify"}},
			wantCards: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeTrello(t, tt.actions, tt.cards)
			c := testClient(srv)

			events, err := c.ChangedCards(context.Background(), tt.kinds, notifier.Board{ID: "b1"}, "To Notify", since, until)
			if err != nil {
				t.Fatalf("ChangedCards() error = %v", err)
			}
			if len(events) != len(tt.wantCards) {
				t.Fatalf("ChangedCards() returned %d events, want %d", len(events), len(tt.wantCards))
			}
			for i, ev := range events {
				if ev.CardID != tt.wantCards[i] {
					t.Errorf("event[%d].CardID = %q, want %q", i, ev.CardID, tt.wantCards[i])
				}
				if ev.Kind != tt.wantKinds[i] {
					t.Errorf("event[%d].Kind = %q, want %q", i, ev.Kind, tt.wantKinds[i])
				}
				if ev.BoardName != "Eng" {
					t.Errorf("event[%d].BoardName = %q, want Eng", i, ev.BoardName)
				}
				if ev.CardURL != "https://trello.com/c/"+ev.CardID {
					t.Errorf("event[%d].CardURL = %q", i, ev.CardURL)
				}
			}
		})
	}
}

// TestChangedCardsRequestsOnlyEnabledFilters checks the action filter sent to Trello.
func TestChangedCardsRequestsOnlyEnabledFilters(t *testing.T) {
	var gotFilter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("filter")
		writeJSON(t, w, []any{})
	}))
	defer srv.Close()

	c := testClient(srv)
	if _, err := c.ChangedCards(context.Background(), []notifier.Kind{notifier.KindMoved}, notifier.Board{ID: "b1"}, "x", since, until); err != nil {
		t.Fatalf("ChangedCards() error = %v", err)
	}
	if gotFilter != "updateCard:idList,moveCardToBoard" {
		t.Errorf("filter = %q", gotFilter)
	}
}

// TestStarredBoards resolves each star to its board.
func TestStarredBoards(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/members/me/boardStars", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]string{{"id": "s1", "idBoard": "b1"}, {"id": "s2", "idBoard": "b2"}})
	})
	mux.HandleFunc("/boards/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/boards/")
		writeJSON(t, w, map[string]string{"id": id, "name": "Board " + id})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	boards, err := testClient(srv).StarredBoards(context.Background())
	if err != nil {
		t.Fatalf("StarredBoards() error = %v", err)
	}
	if len(boards) != 2 || boards[0].Name != "Board b1" || boards[1].ID != "b2" {
		t.Errorf("StarredBoards() = %+v", boards)
	}
}

// TestStarredBoardsSkipsFailedBoard ensures one unreadable star keeps the healthy boards.
func TestStarredBoardsSkipsFailedBoard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/members/me/boardStars", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]string{{"id": "s1", "idBoard": "good"}, {"id": "s2", "idBoard": "bad"}})
	})
	mux.HandleFunc("/boards/good", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"id": "good", "name": "Good"})
	})
	mux.HandleFunc("/boards/bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	boards, err := testClient(srv).StarredBoards(context.Background())
	if err != nil {
		t.Fatalf("StarredBoards() error = %v", err)
	}
	if len(boards) != 1 || boards[0].ID != "good" {
		t.Errorf("StarredBoards() = %+v, want only the good board", boards)
	}
}

// TestStarredBoardsAllFailed reports an error when no starred board loads.
func TestStarredBoardsAllFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/members/me/boardStars", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]string{{"id": "s1", "idBoard": "bad"}})
	})
	mux.HandleFunc("/boards/bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if _, err := testClient(srv).StarredBoards(context.Background()); err == nil {
		t.Error("StarredBoards() should fail when every starred board fails")
	}
}

// TestMembersDeduplicates lists each member once across organizations.
func TestMembersDeduplicates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/members/me/organizations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]string{{"id": "o1"}, {"id": "o2"}})
	})
	mux.HandleFunc("/organizations/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]string{{"id": "m1", "fullName": "Alice"}, {"id": "m2", "fullName": "Bob"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	members, err := testClient(srv).Members(context.Background())
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Members() returned %d members, want 2", len(members))
	}
}

// TestGetBacksOffOnRateLimit retries a 429 without Retry-After.
func TestGetBacksOffOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(t, w, []any{})
	}))
	defer srv.Close()

	if _, err := testClient(srv).StarredBoards(context.Background()); err != nil {
		t.Fatalf("StarredBoards() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server called %d times, want 2", calls.Load())
	}
}

// TestGetHonorsRetryAfter waits as long as the Retry-After header asks.
func TestGetHonorsRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "unavailable", status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var calls []time.Time
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				calls = append(calls, time.Now())
				n := len(calls)
				mu.Unlock()
				if n == 1 {
					w.Header().Set("Retry-After", "1")
					w.WriteHeader(tt.status)
					return
				}
				writeJSON(t, w, []any{})
			}))
			defer srv.Close()

			if _, err := testClient(srv).StarredBoards(context.Background()); err != nil {
				t.Fatalf("StarredBoards() error = %v", err)
			}
			mu.Lock()
			defer mu.Unlock()
			if len(calls) != 2 {
				t.Fatalf("server called %d times, want 2", len(calls))
			}
			if gap := calls[1].Sub(calls[0]); gap < 900*time.Millisecond {
				t.Errorf("retried after %v, want at least the 1s Retry-After", gap)
			}
		})
	}
}

// TestGetDoesNotRetryServerErrors fails fast on a 5xx without Retry-After.
func TestGetDoesNotRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := testClient(srv).StarredBoards(context.Background()); err == nil {
		t.Fatal("StarredBoards() should fail on 502")
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
}
