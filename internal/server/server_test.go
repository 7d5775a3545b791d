package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/meetnotes/internal/database"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := New(db, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, url, data, err)
		}
	}
	return resp.StatusCode
}

type instance struct {
	EventID      string `json:"event_id"`
	SeriesID     string `json:"recurrence_series_id"`
	InstanceDate string `json:"recurrence_instance_date"`
	Title        string `json:"title"`
	StartAt      string `json:"start_at"`
	Virtual      bool   `json:"virtual"`
}

func dates(list []instance) []string {
	var out []string
	for _, in := range list {
		out = append(out, in.StartAt[:10])
	}
	return out
}

const standupJSON = `{
	"title": "Standup",
	"start_at": "2024-01-01T09:00:00Z",
	"end_at": "2024-01-01T10:00:00Z",
	"attendees": [{"name": "Ada", "email": "ada@example.com"}],
	"recurrence_rule": {"freq": "weekly", "days": ["mon", "wed"], "count": 6}
}`

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})

	var body map[string]any
	if code := do(t, "GET", ts.URL+"/health", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestRecurringEventLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})

	var created struct {
		ID       string `json:"id"`
		SeriesID string `json:"recurrence_series_id"`
		Rule     struct {
			Freq  string   `json:"freq"`
			Days  []string `json:"days"`
			Count int      `json:"count"`
		} `json:"recurrence_rule"`
	}
	if code := do(t, "POST", ts.URL+"/api/events", standupJSON, &created); code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", code)
	}
	if created.SeriesID == "" || created.Rule.Freq != "weekly" || created.Rule.Count != 6 {
		t.Fatalf("unexpected created event %+v", created)
	}

	listURL := ts.URL + "/api/events?start=2024-01-01&end=2024-02-01"
	var list []instance
	if code := do(t, "GET", listURL, "", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	want := []string{"2024-01-01", "2024-01-03", "2024-01-08", "2024-01-10", "2024-01-15", "2024-01-17"}
	if got := dates(list); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("dates = %v, want %v", got, want)
	}

	// delete just the Jan 8 occurrence
	if code := do(t, "DELETE", ts.URL+"/api/events/"+created.ID+"?scope=this&date=2024-01-08", "", nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	list = nil
	do(t, "GET", listURL, "", &list)
	want = []string{"2024-01-01", "2024-01-03", "2024-01-10", "2024-01-15", "2024-01-17"}
	if got := dates(list); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("after delete dates = %v, want %v", got, want)
	}

	// rename from Jan 15 on
	var out struct {
		Inserted []string `json:"inserted"`
		Updated  []string `json:"updated"`
	}
	code := do(t, "PUT", ts.URL+"/api/events/"+created.ID+"?scope=future&date=2024-01-15", `{"title": "Retro"}`, &out)
	if code != http.StatusOK {
		t.Fatalf("update status = %d", code)
	}
	if len(out.Inserted) != 1 || len(out.Updated) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	list = nil
	do(t, "GET", listURL, "", &list)
	for _, in := range list {
		wantTitle := "Standup"
		if in.StartAt >= "2024-01-15" {
			wantTitle = "Retro"
		}
		if in.Title != wantTitle {
			t.Errorf("%s title = %q, want %q", in.StartAt, in.Title, wantTitle)
		}
	}

	var occ []instance
	code = do(t, "GET", ts.URL+"/api/series/"+created.SeriesID+"/occurrences?start=2024-01-01&end=2024-02-01", "", &occ)
	if code != http.StatusOK {
		t.Fatalf("occurrences status = %d", code)
	}
	if got := dates(occ); strings.Join(got, ",") != "2024-01-01,2024-01-03,2024-01-10" {
		t.Errorf("head series dates = %v", got)
	}

	// the deleted occurrence cannot be edited
	code = do(t, "PUT", ts.URL+"/api/events/"+created.ID+"?scope=this&date=2024-01-08", `{"title": "x"}`, nil)
	if code != http.StatusNotFound {
		t.Errorf("edit deleted occurrence status = %d, want 404", code)
	}
}

func TestEventValidation(t *testing.T) {
	ts := newTestServer(t, Options{})

	var created struct {
		ID string `json:"id"`
	}
	do(t, "POST", ts.URL+"/api/events", standupJSON, &created)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", "POST", "/api/events", "{", http.StatusBadRequest},
		{"missing title", "POST", "/api/events", `{"start_at":"2024-01-01T09:00:00Z","end_at":"2024-01-01T10:00:00Z"}`, http.StatusBadRequest},
		{"bad time", "POST", "/api/events", `{"title":"x","start_at":"tomorrow","end_at":"2024-01-01T10:00:00Z"}`, http.StatusBadRequest},
		{"bad zone", "POST", "/api/events", `{"title":"x","start_at":"2024-01-01T09:00:00Z","end_at":"2024-01-01T10:00:00Z","time_zone":"Mars/Base"}`, http.StatusBadRequest},
		{"bad rule", "POST", "/api/events", `{"title":"x","start_at":"2024-01-01T09:00:00Z","end_at":"2024-01-01T10:00:00Z","recurrence_rule":{"freq":"hourly"}}`, http.StatusBadRequest},
		{"missing note", "POST", "/api/events", `{"title":"x","start_at":"2024-01-01T09:00:00Z","end_at":"2024-01-01T10:00:00Z","linked_note_id":7}`, http.StatusBadRequest},
		{"bad scope", "DELETE", "/api/events/" + created.ID + "?scope=some", "", http.StatusBadRequest},
		{"bad date", "DELETE", "/api/events/" + created.ID + "?date=jan", "", http.StatusBadRequest},
		{"unknown event", "DELETE", "/api/events/nope", "", http.StatusNotFound},
		{"date off pattern", "DELETE", "/api/events/" + created.ID + "?date=2024-01-02", "", http.StatusNotFound},
		{"end before start", "PUT", "/api/events/" + created.ID + "?date=2024-01-03", `{"end_at":"2024-01-03T08:00:00Z"}`, http.StatusBadRequest},
		{"missing range", "GET", "/api/events", "", http.StatusBadRequest},
		{"range too wide", "GET", "/api/events?start=2024-01-01&end=9999-01-01", "", http.StatusBadRequest},
		{"series range too wide", "GET", "/api/series/nope/occurrences?start=2024-01-01&end=2026-01-01", "", http.StatusBadRequest},
		{"feed range too wide", "GET", "/api/calendar.ics?start=2000-01-01&end=2024-01-01", "", http.StatusBadRequest},
		{"unknown series", "GET", "/api/series/nope/occurrences?start=2024-01-01&end=2024-02-01", "", http.StatusNotFound},
		{"get unknown", "GET", "/api/events/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			code := do(t, tt.method, ts.URL+tt.path, tt.body, &body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
			if body["error"] == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestFullYearRange(t *testing.T) {
	ts := newTestServer(t, Options{})
	do(t, "POST", ts.URL+"/api/events", standupJSON, nil)

	var list []instance
	if code := do(t, "GET", ts.URL+"/api/events?start=2024-01-01&end=2025-01-01", "", &list); code != http.StatusOK {
		t.Fatalf("year list status = %d, want 200", code)
	}
	if len(list) == 0 {
		t.Error("expected occurrences in a full year")
	}
	if code := do(t, "GET", ts.URL+"/api/events?start=2024-01-01&end=2025-01-03", "", nil); code != http.StatusBadRequest {
		t.Errorf("year and two days status = %d, want 400", code)
	}
}

func TestLocalTimeZoneSeries(t *testing.T) {
	ts := newTestServer(t, Options{})

	body := `{
		"title": "Evening sync",
		"start_at": "2024-03-04T18:00:00-05:00",
		"end_at": "2024-03-04T19:00:00-05:00",
		"time_zone": "America/New_York",
		"recurrence_rule": {"freq": "weekly", "count": 2}
	}`
	if code := do(t, "POST", ts.URL+"/api/events", body, nil); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}

	var list []instance
	do(t, "GET", ts.URL+"/api/events?start=2024-03-01&end=2024-04-01", "", &list)
	if len(list) != 2 {
		t.Fatalf("got %d instances, want 2", len(list))
	}
	// wall clock stays at 18:00 across the DST change on Mar 10
	if list[1].StartAt != "2024-03-11T18:00:00-04:00" {
		t.Errorf("second start = %s, want 2024-03-11T18:00:00-04:00", list[1].StartAt)
	}
}

func TestNotesAndLinkedEvent(t *testing.T) {
	ts := newTestServer(t, Options{})

	var note struct {
		ID int64 `json:"id"`
	}
	if code := do(t, "POST", ts.URL+"/api/notes", `{"title":"Agenda","body":"1. status"}`, &note); code != http.StatusCreated {
		t.Fatalf("create note status = %d", code)
	}
	if code := do(t, "POST", ts.URL+"/api/notes", `{"title":"  "}`, nil); code != http.StatusBadRequest {
		t.Errorf("blank note status = %d, want 400", code)
	}

	var notes []map[string]any
	do(t, "GET", ts.URL+"/api/notes", "", &notes)
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	if code := do(t, "GET", ts.URL+"/api/notes/abc", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad note id status = %d, want 400", code)
	}

	body, _ := json.Marshal(map[string]any{
		"title":          "Review",
		"start_at":       "2024-01-05T09:00:00Z",
		"end_at":         "2024-01-05T10:00:00Z",
		"linked_note_id": note.ID,
	})
	var ev struct {
		LinkedNoteID *int64 `json:"linked_note_id"`
	}
	if code := do(t, "POST", ts.URL+"/api/events", string(body), &ev); code != http.StatusCreated {
		t.Fatalf("create linked event status = %d", code)
	}
	if ev.LinkedNoteID == nil || *ev.LinkedNoteID != note.ID {
		t.Errorf("linked_note_id = %v, want %d", ev.LinkedNoteID, note.ID)
	}
}

func TestICSFeed(t *testing.T) {
	ts := newTestServer(t, Options{})
	do(t, "POST", ts.URL+"/api/events", standupJSON, nil)

	resp, err := http.Get(ts.URL + "/api/calendar.ics?start=2024-01-01&end=2024-02-01")
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type = %q", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(data, []byte("RRULE:FREQ=WEEKLY")) {
		t.Errorf("feed missing RRULE:\n%s", data)
	}
}

func TestTokenRequired(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ts := newTestServer(t, Options{TokenHash: string(hash)})

	if code := do(t, "GET", ts.URL+"/health", "", nil); code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without token", code)
	}
	if code := do(t, "GET", ts.URL+"/api/notes", "", nil); code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/notes", nil)
	req.Header.Set("Authorization", "Bearer letmein")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with token", resp.StatusCode)
	}

	if code := do(t, "GET", ts.URL+"/api/calendar.ics?token=letmein", "", nil); code != http.StatusOK {
		t.Errorf("ics with query token status = %d, want 200", code)
	}
}
