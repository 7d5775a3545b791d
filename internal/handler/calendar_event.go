package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/meetnotes/internal/calendar"
	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/recurrence"
	"github.com/dukerupert/meetnotes/internal/series"
)

type CalendarEventHandler struct {
	svc    *calendar.Service
	logger *slog.Logger
}

func NewCalendarEventHandler(svc *calendar.Service, logger *slog.Logger) *CalendarEventHandler {
	return &CalendarEventHandler{svc: svc, logger: logger}
}

type eventRequest struct {
	Title          string           `json:"title"`
	StartAt        string           `json:"start_at"`
	EndAt          string           `json:"end_at"`
	TimeZone       string           `json:"time_zone"`
	Attendees      []model.Attendee `json:"attendees"`
	LinkedNoteID   *int64           `json:"linked_note_id"`
	RecurrenceRule json.RawMessage  `json:"recurrence_rule"`
}

// updateRequest holds only the fields being changed.
type updateRequest struct {
	Title           *string           `json:"title"`
	StartAt         *string           `json:"start_at"`
	EndAt           *string           `json:"end_at"`
	TimeZone        *string           `json:"time_zone"`
	Attendees       *[]model.Attendee `json:"attendees"`
	LinkedNoteID    *int64            `json:"linked_note_id"`
	ClearLinkedNote bool              `json:"clear_linked_note"`
	RecurrenceRule  json.RawMessage   `json:"recurrence_rule"`
}

func (h *CalendarEventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	loc, err := loadZone(req.TimeZone, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := parseEventTime(req.StartAt, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_at must be RFC3339 format")
		return
	}
	end, err := parseEventTime(req.EndAt, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_at must be RFC3339 format")
		return
	}
	rule, err := parseRule(req.RecurrenceRule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := h.svc.Create(calendar.NewEvent{
		Title:        req.Title,
		StartAt:      start,
		EndAt:        end,
		Attendees:    req.Attendees,
		LinkedNoteID: req.LinkedNoteID,
		Rule:         rule,
	})
	if err != nil {
		h.writeServiceError(w, err, "create event")
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// List returns every instance visible in [start, end), recurring
// occurrences included.
func (h *CalendarEventHandler) List(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r, maxListDays)
	if !ok {
		return
	}

	instances, err := h.svc.ListRange(start, end)
	if err != nil {
		h.writeServiceError(w, err, "list events")
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (h *CalendarEventHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.Get(r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "get event")
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// Update edits the event named by {id}. For a series, "date" picks the
// occurrence and "scope" (this, future, all) how far the edit reaches.
func (h *CalendarEventHandler) Update(w http.ResponseWriter, r *http.Request) {
	target, scope, ok := parseTarget(w, r)
	if !ok {
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Times without an explicit zone are read in the event's own zone.
	fallback := time.UTC
	if existing, err := h.svc.Get(target.EventID); err == nil && existing != nil {
		fallback = existing.StartAt.Location()
	}
	zone := ""
	if req.TimeZone != nil {
		zone = *req.TimeZone
	}
	loc, err := loadZone(zone, fallback)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changes := series.Changes{
		Title:           req.Title,
		Attendees:       req.Attendees,
		LinkedNoteID:    req.LinkedNoteID,
		ClearLinkedNote: req.ClearLinkedNote,
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "title cannot be empty")
			return
		}
		changes.Title = &title
	}
	if req.StartAt != nil {
		t, err := parseEventTime(*req.StartAt, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_at must be RFC3339 format")
			return
		}
		changes.StartAt = &t
	}
	if req.EndAt != nil {
		t, err := parseEventTime(*req.EndAt, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_at must be RFC3339 format")
			return
		}
		changes.EndAt = &t
	}
	rule, err := parseRule(req.RecurrenceRule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	changes.Rule = rule

	out, err := h.svc.Mutate(target, scope, series.Edit(changes))
	if err != nil {
		h.writeServiceError(w, err, "update event")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CalendarEventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	target, scope, ok := parseTarget(w, r)
	if !ok {
		return
	}

	out, err := h.svc.Mutate(target, scope, series.Delete())
	if err != nil {
		h.writeServiceError(w, err, "delete event")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Occurrences expands one series over [start, end).
func (h *CalendarEventHandler) Occurrences(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r, maxListDays)
	if !ok {
		return
	}

	instances, err := h.svc.ExpandSeries(r.PathValue("id"), start, end)
	if err != nil {
		h.writeServiceError(w, err, "expand series")
		return
	}
	if instances == nil {
		instances = []series.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

// ICS serves the calendar as an iCalendar feed. Without start/end it covers
// the last 30 days and the coming year.
func (h *CalendarEventHandler) ICS(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	start, end := now.AddDate(0, 0, -30), now.AddDate(1, 0, 0)
	if r.URL.Query().Get("start") != "" || r.URL.Query().Get("end") != "" {
		var ok bool
		if start, end, ok = parseRange(w, r, maxFeedDays); !ok {
			return
		}
	}

	feed, err := h.svc.ExportICS(start, end)
	if err != nil {
		h.writeServiceError(w, err, "export calendar")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="calendar.ics"`)
	w.Write([]byte(feed))
}

func (h *CalendarEventHandler) writeServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, series.ErrSeriesNotFound):
		// The UI offers retry/cancel on this.
		writeError(w, http.StatusNotFound, "event or series no longer exists")
	case errors.Is(err, calendar.ErrInvalidEvent),
		errors.Is(err, series.ErrInvalidChanges),
		errors.Is(err, series.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("failed to "+action, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

func parseTarget(w http.ResponseWriter, r *http.Request) (series.Target, series.Scope, bool) {
	scope, err := series.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope must be this, future, or all")
		return series.Target{}, "", false
	}

	target := series.Target{EventID: r.PathValue("id")}
	if ds := r.URL.Query().Get("date"); ds != "" {
		d, err := recurrence.ParseDate(ds)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD format")
			return series.Target{}, "", false
		}
		target.InstanceDate = d
	}
	return target, scope, true
}

// Widest window one request may ask for, in days.
const (
	maxListDays = 366
	maxFeedDays = 2 * 366
)

func parseRange(w http.ResponseWriter, r *http.Request, maxDays int) (time.Time, time.Time, bool) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		writeError(w, http.StatusBadRequest, "start and end query parameters are required")
		return time.Time{}, time.Time{}, false
	}

	start, err := parseFlexibleTime(startStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC3339 or YYYY-MM-DD format")
		return time.Time{}, time.Time{}, false
	}
	end, err := parseFlexibleTime(endStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be RFC3339 or YYYY-MM-DD format")
		return time.Time{}, time.Time{}, false
	}
	if end.After(start.AddDate(0, 0, maxDays)) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("range may span at most %d days", maxDays))
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func parseRule(raw json.RawMessage) (*recurrence.Rule, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rule recurrence.Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("recurrence_rule: %w", err)
	}
	return &rule, nil
}

func loadZone(name string, fallback *time.Location) (*time.Location, error) {
	if name == "" {
		return fallback, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown time_zone %q", name)
	}
	return loc, nil
}

// parseEventTime reads an RFC3339 time and moves it into loc so recurrence
// follows that zone's wall clock.
func parseEventTime(s string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
