package store

import (
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/meetnotes/internal/database"
	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/recurrence"
	"github.com/dukerupert/meetnotes/internal/series"
)

func setupTestDB(t *testing.T) *EventStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEventStore(db)
}

func standalone(id, title string, start, end time.Time) model.Event {
	return model.Event{ID: id, Title: title, StartAt: start, EndAt: end}
}

func template(id, seriesID string, start time.Time, rule recurrence.Rule) model.Event {
	d := recurrence.DateOf(start)
	return model.Event{
		ID:                     id,
		Title:                  "Standup",
		StartAt:                start,
		EndAt:                  start.Add(30 * time.Minute),
		RecurrenceRule:         &rule,
		RecurrenceSeriesID:     &seriesID,
		RecurrenceInstanceDate: &d,
	}
}

func TestCreateAndGetByID(t *testing.T) {
	s := setupTestDB(t)

	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	start := time.Date(2026, 2, 5, 10, 0, 0, 0, loc)
	end := time.Date(2026, 2, 5, 11, 0, 0, 0, loc)

	entity := "person-7"
	ev := standalone("ev-1", "Team Meeting", start, end)
	ev.Attendees = []model.Attendee{{Name: "Ada", Email: "ada@example.com", EntityID: &entity}}

	event, err := s.Create(ev)
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if event.Title != "Team Meeting" {
		t.Errorf("title = %q, want %q", event.Title, "Team Meeting")
	}
	if !event.StartAt.Equal(start) || !event.EndAt.Equal(end) {
		t.Errorf("times = %v..%v, want %v..%v", event.StartAt, event.EndAt, start, end)
	}
	if event.StartAt.Location().String() != "Europe/Berlin" {
		t.Errorf("location = %q, want Europe/Berlin", event.StartAt.Location())
	}
	if len(event.Attendees) != 1 || event.Attendees[0].EntityID == nil || *event.Attendees[0].EntityID != entity {
		t.Errorf("attendees = %+v", event.Attendees)
	}
	if event.RecurrenceRule != nil || event.RecurrenceSeriesID != nil || event.RecurrenceInstanceDate != nil {
		t.Error("standalone event should have no recurrence fields")
	}
	if event.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	s := setupTestDB(t)

	got, err := s.GetByID("missing")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent event")
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	s := setupTestDB(t)

	rule := recurrence.Rule{
		Frequency:  recurrence.Biweekly,
		DaysOfWeek: []time.Weekday{time.Friday, time.Tuesday},
		End:        recurrence.Until(recurrence.NewDate(2026, 6, 30)),
	}
	start := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if _, err := s.Create(template("tpl", "s1", start, rule)); err != nil {
		t.Fatalf("create template: %v", err)
	}

	got, err := s.GetTemplate("s1")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if got == nil || got.RecurrenceRule == nil {
		t.Fatal("expected template with rule")
	}
	if !got.RecurrenceRule.Equal(rule) {
		t.Errorf("rule = %+v, want %+v", *got.RecurrenceRule, rule)
	}
	if got.SeriesID() != "s1" {
		t.Errorf("series id = %q, want s1", got.SeriesID())
	}
	if *got.RecurrenceInstanceDate != recurrence.NewDate(2026, 3, 3) {
		t.Errorf("instance date = %v", got.RecurrenceInstanceDate)
	}

	none, err := s.GetTemplate("other")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if none != nil {
		t.Error("expected nil template for unknown series")
	}
}

func TestMalformedStoredRuleIsRepaired(t *testing.T) {
	s := setupTestDB(t)

	start := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if _, err := s.Create(template("tpl", "s1", start, recurrence.DefaultRule())); err != nil {
		t.Fatalf("create template: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE calendar_events SET recurrence_rule = ? WHERE id = ?`, `{"freq":"yearly"`, "tpl"); err != nil {
		t.Fatalf("corrupt rule: %v", err)
	}

	got, err := s.GetByID("tpl")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.RecurrenceRule == nil || !got.RecurrenceRule.Equal(recurrence.DefaultRule()) {
		t.Errorf("rule = %+v, want default", got.RecurrenceRule)
	}
}

func TestGetSeriesByIDTemplateFirst(t *testing.T) {
	s := setupTestDB(t)

	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	tpl := template("tpl", "s1", start, recurrence.Rule{Frequency: recurrence.Daily})

	seriesID := "s1"
	later := recurrence.NewDate(2026, 1, 9)
	earlier := recurrence.NewDate(2026, 1, 7)
	occ := func(id string, d recurrence.Date) model.Event {
		return model.Event{
			ID: id, Title: "Standup", StartAt: d.At(9, 0, 0, 0, time.UTC), EndAt: d.At(9, 30, 0, 0, time.UTC),
			RecurrenceSeriesID: &seriesID, RecurrenceInstanceDate: &d,
		}
	}

	if err := s.Apply([]series.Op{
		series.InsertEvent(occ("b", later)),
		series.InsertEvent(tpl),
		series.InsertEvent(occ("a", earlier)),
		series.InsertEvent(standalone("x", "Other", start, start.Add(time.Hour))),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rows, err := s.GetSeriesByID("s1")
	if err != nil {
		t.Fatalf("get series: %v", err)
	}
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	want := []string{"tpl", "a", "b"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestListInRange(t *testing.T) {
	s := setupTestDB(t)

	day := func(d, h int) time.Time { return time.Date(2026, 2, d, h, 0, 0, 0, time.UTC) }
	s.Create(standalone("1", "Day 1 Event", day(5, 9), day(5, 10)))
	s.Create(standalone("2", "Day 2 Event", day(6, 9), day(6, 10)))
	s.Create(standalone("3", "Day 3 Event", day(7, 9), day(7, 10)))
	s.Create(standalone("4", "Spanning", day(4, 0), day(8, 0)))
	s.Create(standalone("5", "Reminder", day(6, 12), day(6, 12)))
	s.Create(template("tpl", "s1", day(5, 8), recurrence.Rule{Frequency: recurrence.Daily}))

	events, err := s.ListInRange(day(5, 0), day(7, 0))
	if err != nil {
		t.Fatalf("list in range: %v", err)
	}
	want := []string{"Spanning", "Day 1 Event", "Day 2 Event", "Reminder"}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i].Title != w {
			t.Errorf("events[%d] = %q, want %q", i, events[i].Title, w)
		}
	}
}

func TestListTemplatesBefore(t *testing.T) {
	s := setupTestDB(t)

	s.Create(template("a", "s1", time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), recurrence.DefaultRule()))
	s.Create(template("b", "s2", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), recurrence.DefaultRule()))
	s.Create(standalone("c", "Lunch", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)))

	got, err := s.ListTemplatesBefore(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got %+v, want template a", got)
	}
}

func TestListMovedSeries(t *testing.T) {
	s := setupTestDB(t)

	s1, s2, s3 := "s1", "s2", "s3"
	moved := func(id string, seriesID *string, d recurrence.Date, start time.Time, cancelled bool) model.Event {
		return model.Event{
			ID: id, Title: "Standup", StartAt: start, EndAt: start.Add(time.Hour),
			RecurrenceSeriesID: seriesID, RecurrenceInstanceDate: &d, Cancelled: cancelled,
		}
	}
	march := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	if err := s.Apply([]series.Op{
		series.InsertEvent(moved("a", &s1, recurrence.NewDate(2026, 1, 5), march, false)),
		series.InsertEvent(moved("b", &s2, recurrence.NewDate(2026, 1, 5), march, true)),
		series.InsertEvent(moved("c", &s3, recurrence.NewDate(2026, 1, 5), march.AddDate(0, 1, 0), false)),
		series.InsertEvent(template("tpl", "s4", march, recurrence.Rule{Frequency: recurrence.Daily})),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ids, err := s.ListMovedSeries(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list moved series: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("ids = %v, want [s1]", ids)
	}
}

func TestShiftRowsWithoutCollision(t *testing.T) {
	s := setupTestDB(t)

	seriesID := "s1"
	occ := func(id string, d recurrence.Date) model.Event {
		return model.Event{
			ID: id, Title: "Standup", StartAt: d.At(9, 0, 0, 0, time.UTC), EndAt: d.At(10, 0, 0, 0, time.UTC),
			RecurrenceSeriesID: &seriesID, RecurrenceInstanceDate: &d,
		}
	}
	mon, tue, wed := recurrence.NewDate(2026, 1, 5), recurrence.NewDate(2026, 1, 6), recurrence.NewDate(2026, 1, 7)
	if err := s.Apply([]series.Op{series.InsertEvent(occ("a", mon)), series.InsertEvent(occ("b", tue))}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// latest first, so b leaves Tuesday before a arrives
	if err := s.Apply([]series.Op{
		series.UpdateEvent("b", occ("b", wed)),
		series.UpdateEvent("a", occ("a", tue)),
	}); err != nil {
		t.Fatalf("shift rows: %v", err)
	}

	got, err := s.GetByID("a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if *got.RecurrenceInstanceDate != tue {
		t.Errorf("a instance date = %v, want %v", *got.RecurrenceInstanceDate, tue)
	}
}

func TestApplyIsAtomic(t *testing.T) {
	s := setupTestDB(t)

	start := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	s.Create(standalone("keep", "Keep", start, start.Add(time.Hour)))

	renamed := standalone("keep", "Renamed", start, start.Add(time.Hour))
	err := s.Apply([]series.Op{
		series.UpdateEvent("keep", renamed),
		series.InsertEvent(standalone("new", "New", start, start.Add(time.Hour))),
		series.DeleteEvent("gone"),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("apply error = %v, want ErrNotFound", err)
	}

	got, _ := s.GetByID("keep")
	if got.Title != "Keep" {
		t.Errorf("title = %q, update should have rolled back", got.Title)
	}
	if n, _ := s.GetByID("new"); n != nil {
		t.Error("insert should have rolled back")
	}
}

func TestApplyUpdateAndDelete(t *testing.T) {
	s := setupTestDB(t)

	start := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	s.Create(standalone("a", "A", start, start.Add(time.Hour)))
	s.Create(standalone("b", "B", start, start.Add(time.Hour)))

	moved := standalone("a", "A moved", start.Add(2*time.Hour), start.Add(3*time.Hour))
	if err := s.Apply([]series.Op{series.UpdateEvent("a", moved), series.DeleteEvent("b")}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, _ := s.GetByID("a")
	if got.Title != "A moved" || !got.StartAt.Equal(moved.StartAt) {
		t.Errorf("got %+v", got)
	}
	if b, _ := s.GetByID("b"); b != nil {
		t.Error("expected b deleted")
	}
}

func TestOneMaterializedRowPerDate(t *testing.T) {
	s := setupTestDB(t)

	seriesID := "s1"
	d := recurrence.NewDate(2026, 1, 7)
	occ := func(id string) model.Event {
		return model.Event{
			ID: id, StartAt: d.At(9, 0, 0, 0, time.UTC), EndAt: d.At(10, 0, 0, 0, time.UTC),
			RecurrenceSeriesID: &seriesID, RecurrenceInstanceDate: &d,
		}
	}
	if err := s.Apply([]series.Op{series.InsertEvent(occ("one"))}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	err := s.Apply([]series.Op{series.InsertEvent(occ("two"))})
	if err == nil {
		t.Fatal("expected duplicate instance date to fail")
	}
	if !IsConstraint(err) {
		t.Errorf("error = %v, want constraint failure", err)
	}
}

func TestLinkedNoteSetNullOnDelete(t *testing.T) {
	s := setupTestDB(t)
	ns := NewNoteStore(s.db)

	note, err := ns.Create("Agenda", "", false)
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	start := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	ev := standalone("ev", "Review", start, start.Add(time.Hour))
	ev.LinkedNoteID = &note.ID
	if _, err := s.Create(ev); err != nil {
		t.Fatalf("create event: %v", err)
	}

	if err := ns.Delete(note.ID); err != nil {
		t.Fatalf("delete note: %v", err)
	}

	got, err := s.GetByID("ev")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got == nil {
		t.Fatal("event should still exist after note deletion")
	}
	if got.LinkedNoteID != nil {
		t.Errorf("linked_note_id should be nil after note deletion, got %v", *got.LinkedNoteID)
	}
}
