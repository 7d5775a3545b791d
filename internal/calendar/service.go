package calendar

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/recurrence"
	"github.com/dukerupert/meetnotes/internal/series"
	"github.com/dukerupert/meetnotes/internal/store"
	"github.com/dukerupert/meetnotes/internal/websocket"
)

// ErrInvalidEvent marks input the service refuses to store.
var ErrInvalidEvent = errors.New("invalid event")

// EventStore is the persistence the service needs. *store.EventStore
// implements it.
type EventStore interface {
	Create(e model.Event) (*model.Event, error)
	GetByID(id string) (*model.Event, error)
	GetSeriesByID(seriesID string) ([]model.Event, error)
	ListTemplatesBefore(t time.Time) ([]model.Event, error)
	ListInRange(start, end time.Time) ([]model.Event, error)
	ListMovedSeries(start, end time.Time) ([]string, error)
	Apply(ops []series.Op) error
}

type NoteLookup interface {
	GetByID(id int64) (*model.Note, error)
}

type Broadcaster interface {
	Broadcast(msg websocket.Message)
}

type Service struct {
	events   EventStore
	notes    NoteLookup
	hub      Broadcaster
	resolver *series.Resolver
	logger   *slog.Logger
	newID    func() string

	// serializes read-resolve-apply so two edits cannot race on one series
	mu sync.Mutex
}

func NewService(events EventStore, notes NoteLookup, hub Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		events:   events,
		notes:    notes,
		hub:      hub,
		resolver: series.NewResolver(),
		logger:   logger.With("component", "calendar"),
		newID:    uuid.NewString,
	}
}

// NewEvent is the input for Create. A non-nil Rule makes the event the
// template of a new series.
type NewEvent struct {
	Title        string
	StartAt      time.Time
	EndAt        time.Time
	Attendees    []model.Attendee
	LinkedNoteID *int64
	Rule         *recurrence.Rule
}

func (s *Service) Create(in NewEvent) (*model.Event, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if in.EndAt.Before(in.StartAt) {
		return nil, fmt.Errorf("%w: end_at before start_at", ErrInvalidEvent)
	}
	if err := s.checkNote(in.LinkedNoteID); err != nil {
		return nil, err
	}

	ev := model.Event{
		ID:           s.newID(),
		Title:        in.Title,
		StartAt:      in.StartAt,
		EndAt:        in.EndAt,
		Attendees:    in.Attendees,
		LinkedNoteID: in.LinkedNoteID,
	}
	if ev.Attendees == nil {
		ev.Attendees = []model.Attendee{}
	}
	if in.Rule != nil {
		rule := in.Rule.Normalize()
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if _, ok := recurrence.First(rule, in.StartAt); !ok {
			return nil, fmt.Errorf("%w: recurrence produces no occurrences", ErrInvalidEvent)
		}
		seriesID := s.newID()
		date := recurrence.DateOf(in.StartAt)
		ev.RecurrenceRule = &rule
		ev.RecurrenceSeriesID = &seriesID
		ev.RecurrenceInstanceDate = &date
	}

	created, err := s.events.Create(ev)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	s.logger.Info("event created", "id", created.ID, "series_id", created.SeriesID())
	s.hub.Broadcast(websocket.NewMessage("event", "created", created.ID, nil))
	return created, nil
}

func (s *Service) Get(id string) (*model.Event, error) {
	return s.events.GetByID(id)
}

// ListRange returns everything visible in [start, end): standalone events,
// materialized occurrences and generated occurrences, ordered by start.
func (s *Service) ListRange(start, end time.Time) ([]series.Instance, error) {
	if !start.Before(end) {
		return []series.Instance{}, nil
	}

	standalone, err := s.events.ListInRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("list standalone events: %w", err)
	}
	out := make([]series.Instance, 0, len(standalone))
	for _, e := range standalone {
		out = append(out, series.FromEvent(e))
	}

	templates, err := s.templatesFor(start, end)
	if err != nil {
		return nil, err
	}
	for _, tpl := range templates {
		rows, err := s.events.GetSeriesByID(tpl.SeriesID())
		if err != nil {
			return nil, fmt.Errorf("get series %s: %w", tpl.SeriesID(), err)
		}
		out = append(out, series.Instances(tpl, rows, start, end)...)
	}

	series.SortInstances(out)
	return out, nil
}

// templatesFor returns the templates whose series can show anything in
// [start, end): patterns still running at start, and ended patterns with an
// occurrence moved into the window.
func (s *Service) templatesFor(start, end time.Time) ([]model.Event, error) {
	templates, err := s.events.ListTemplatesBefore(end)
	if err != nil {
		return nil, fmt.Errorf("list series templates: %w", err)
	}
	ids, err := s.events.ListMovedSeries(start, end)
	if err != nil {
		return nil, fmt.Errorf("list moved occurrences: %w", err)
	}
	moved := make(map[string]bool, len(ids))
	for _, id := range ids {
		moved[id] = true
	}

	out := templates[:0]
	for _, tpl := range templates {
		if ended(tpl, start) && !moved[tpl.SeriesID()] {
			continue
		}
		out = append(out, tpl)
	}
	return out, nil
}

// ended reports a series whose until date is well before start, so no
// generated occurrence can reach the window.
func ended(tpl model.Event, start time.Time) bool {
	rule := tpl.RecurrenceRule
	if rule == nil || rule.End.Kind != recurrence.EndUntil {
		return false
	}
	// a day each side for zone differences, plus the event's own length
	span := int(tpl.EndAt.Sub(tpl.StartAt)/(24*time.Hour)) + 2
	return rule.End.Until.AddDays(span).Before(recurrence.DateOf(start))
}

// ExpandSeries returns the instances of one series in [start, end).
func (s *Service) ExpandSeries(seriesID string, start, end time.Time) ([]series.Instance, error) {
	rows, err := s.events.GetSeriesByID(seriesID)
	if err != nil {
		return nil, fmt.Errorf("get series %s: %w", seriesID, err)
	}
	for _, r := range rows {
		if r.IsTemplate() {
			return series.Instances(r, rows, start, end), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", series.ErrSeriesNotFound, seriesID)
}

// Outcome lists the rows a mutation wrote.
type Outcome struct {
	Inserted []string `json:"inserted"`
	Updated  []string `json:"updated"`
	Deleted  []string `json:"deleted"`
}

// Mutate applies an edit or delete at the given scope. The series is read
// fresh, resolved and written in one transaction. A target that disappeared
// in between yields series.ErrSeriesNotFound and nothing is written.
func (s *Service) Mutate(target series.Target, scope series.Scope, m series.Mutation) (*Outcome, error) {
	if !m.Delete {
		if err := s.checkNote(m.Changes.LinkedNoteID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.rowsFor(target)
	if err != nil {
		return nil, err
	}

	ops, err := s.resolver.Resolve(rows, target, scope, m)
	if err != nil {
		return nil, err
	}

	if err := s.events.Apply(ops); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", series.ErrSeriesNotFound, err)
		}
		return nil, fmt.Errorf("apply %d ops: %w", len(ops), err)
	}

	out := &Outcome{Inserted: []string{}, Updated: []string{}, Deleted: []string{}}
	for _, op := range ops {
		switch op.Kind {
		case series.OpInsert:
			out.Inserted = append(out.Inserted, op.ID)
		case series.OpUpdate:
			out.Updated = append(out.Updated, op.ID)
		case series.OpDelete:
			out.Deleted = append(out.Deleted, op.ID)
		}
	}

	action := "changed"
	if m.Delete {
		action = "deleted"
	}
	id := target.EventID
	if id == "" {
		id = target.SeriesID
	}
	s.logger.Info("event mutation applied",
		"target", id, "scope", scope, "action", action, "ops", len(ops))
	s.hub.Broadcast(websocket.NewMessage("event", action, id, map[string]any{
		"scope":    string(scope),
		"inserted": out.Inserted,
		"updated":  out.Updated,
		"deleted":  out.Deleted,
	}))
	return out, nil
}

// rowsFor loads what the resolver needs for target: the whole series, or the
// single row of a standalone event.
func (s *Service) rowsFor(target series.Target) ([]model.Event, error) {
	seriesID := target.SeriesID
	if target.EventID != "" {
		ev, err := s.events.GetByID(target.EventID)
		if err != nil {
			return nil, fmt.Errorf("get event %s: %w", target.EventID, err)
		}
		if ev == nil {
			return nil, fmt.Errorf("%w: event %s", series.ErrSeriesNotFound, target.EventID)
		}
		if !ev.IsRecurring() {
			return []model.Event{*ev}, nil
		}
		seriesID = ev.SeriesID()
	}
	if seriesID == "" {
		return nil, fmt.Errorf("%w: empty target", series.ErrSeriesNotFound)
	}
	rows, err := s.events.GetSeriesByID(seriesID)
	if err != nil {
		return nil, fmt.Errorf("get series %s: %w", seriesID, err)
	}
	return rows, nil
}

func (s *Service) checkNote(id *int64) error {
	if id == nil {
		return nil
	}
	note, err := s.notes.GetByID(*id)
	if err != nil {
		return fmt.Errorf("check linked note: %w", err)
	}
	if note == nil {
		return fmt.Errorf("%w: linked note %d not found", ErrInvalidEvent, *id)
	}
	return nil
}
