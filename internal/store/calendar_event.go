package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/recurrence"
	"github.com/dukerupert/meetnotes/internal/series"
)

// ErrNotFound aborts an Apply whose update or delete matched no row.
var ErrNotFound = errors.New("event not found")

// Times are stored as fixed-width UTC text so string order is time order.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

const eventCols = `id, title, start_at, end_at, tz, attendees, linked_note_id,
	recurrence_rule, recurrence_series_id, recurrence_instance_date, cancelled, created_at, updated_at`

func scanEvent(scanner interface{ Scan(...any) error }) (*model.Event, error) {
	var e model.Event
	var startAt, endAt, tz, attendees, createdAt, updatedAt string
	var noteID sql.NullInt64
	var rule, seriesID, instanceDate sql.NullString
	var cancelled int

	err := scanner.Scan(&e.ID, &e.Title, &startAt, &endAt, &tz, &attendees, &noteID,
		&rule, &seriesID, &instanceDate, &cancelled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("unknown event time zone, using UTC", "event_id", e.ID, "tz", tz)
		loc = time.UTC
	}
	if e.StartAt, err = parseTime(startAt, loc); err != nil {
		return nil, fmt.Errorf("parse start_at: %w", err)
	}
	if e.EndAt, err = parseTime(endAt, loc); err != nil {
		return nil, fmt.Errorf("parse end_at: %w", err)
	}
	e.CreatedAt, _ = parseTime(createdAt, time.UTC)
	e.UpdatedAt, _ = parseTime(updatedAt, time.UTC)

	if err := json.Unmarshal([]byte(attendees), &e.Attendees); err != nil {
		return nil, fmt.Errorf("parse attendees: %w", err)
	}
	if e.Attendees == nil {
		e.Attendees = []model.Attendee{}
	}
	if noteID.Valid {
		e.LinkedNoteID = &noteID.Int64
	}
	if rule.Valid {
		r, err := recurrence.DecodeString(rule.String)
		if err != nil {
			slog.Warn("repaired stored recurrence rule", "event_id", e.ID, "error", err)
		}
		e.RecurrenceRule = &r
	}
	if seriesID.Valid {
		e.RecurrenceSeriesID = &seriesID.String
	}
	if instanceDate.Valid {
		d, err := recurrence.ParseDate(instanceDate.String)
		if err != nil {
			return nil, fmt.Errorf("parse instance date: %w", err)
		}
		e.RecurrenceInstanceDate = &d
	}
	e.Cancelled = cancelled != 0
	return &e, nil
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}

// eventArgs returns the column values for e, id excluded, in eventCols order.
func eventArgs(e model.Event) ([]any, error) {
	attendees := e.Attendees
	if attendees == nil {
		attendees = []model.Attendee{}
	}
	people, err := json.Marshal(attendees)
	if err != nil {
		return nil, fmt.Errorf("encode attendees: %w", err)
	}

	var noteID sql.NullInt64
	if e.LinkedNoteID != nil {
		noteID = sql.NullInt64{Int64: *e.LinkedNoteID, Valid: true}
	}
	var rule, seriesID, instanceDate sql.NullString
	if e.RecurrenceRule != nil {
		rule = sql.NullString{String: recurrence.EncodeString(*e.RecurrenceRule), Valid: true}
	}
	if e.RecurrenceSeriesID != nil {
		seriesID = sql.NullString{String: *e.RecurrenceSeriesID, Valid: true}
	}
	if e.RecurrenceInstanceDate != nil {
		instanceDate = sql.NullString{String: e.RecurrenceInstanceDate.String(), Valid: true}
	}
	var cancelled int
	if e.Cancelled {
		cancelled = 1
	}

	return []any{
		e.Title, formatTime(e.StartAt), formatTime(e.EndAt), e.StartAt.Location().String(),
		string(people), noteID, rule, seriesID, instanceDate, cancelled,
	}, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertEvent(x execer, e model.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	_, err = x.Exec(
		`INSERT INTO calendar_events (id, title, start_at, end_at, tz, attendees, linked_note_id,
		   recurrence_rule, recurrence_series_id, recurrence_instance_date, cancelled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{e.ID}, args...)...,
	)
	if err != nil {
		return fmt.Errorf("insert calendar event: %w", err)
	}
	return nil
}

func updateEvent(x execer, id string, e model.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	result, err := x.Exec(
		`UPDATE calendar_events
		 SET title = ?, start_at = ?, end_at = ?, tz = ?, attendees = ?, linked_note_id = ?,
		   recurrence_rule = ?, recurrence_series_id = ?, recurrence_instance_date = ?, cancelled = ?,
		   updated_at = ?
		 WHERE id = ?`,
		append(args, formatTime(time.Now()), id)...,
	)
	if err != nil {
		return fmt.Errorf("update calendar event: %w", err)
	}
	return mustAffect(result, id)
}

func deleteEvent(x execer, id string) error {
	result, err := x.Exec(`DELETE FROM calendar_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete calendar event: %w", err)
	}
	return mustAffect(result, id)
}

func mustAffect(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Create stores a new row as given. The caller assigns the id.
func (s *EventStore) Create(e model.Event) (*model.Event, error) {
	if err := insertEvent(s.db, e); err != nil {
		return nil, err
	}
	return s.GetByID(e.ID)
}

func (s *EventStore) GetByID(id string) (*model.Event, error) {
	row := s.db.QueryRow(`SELECT `+eventCols+` FROM calendar_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get calendar event: %w", err)
	}
	return e, nil
}

// GetSeriesByID returns every row of a series, template first, then
// materialized occurrences by instance date.
func (s *EventStore) GetSeriesByID(seriesID string) ([]model.Event, error) {
	return s.list(
		`SELECT `+eventCols+` FROM calendar_events
		 WHERE recurrence_series_id = ?
		 ORDER BY recurrence_rule IS NULL, recurrence_instance_date, id`,
		seriesID,
	)
}

// GetTemplate returns the template row of a series, or nil.
func (s *EventStore) GetTemplate(seriesID string) (*model.Event, error) {
	row := s.db.QueryRow(
		`SELECT `+eventCols+` FROM calendar_events
		 WHERE recurrence_series_id = ? AND recurrence_rule IS NOT NULL`,
		seriesID,
	)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get series template: %w", err)
	}
	return e, nil
}

// ListTemplatesBefore returns series templates whose first occurrence starts
// before t. Only these can contribute occurrences to a window ending at t.
func (s *EventStore) ListTemplatesBefore(t time.Time) ([]model.Event, error) {
	return s.list(
		`SELECT `+eventCols+` FROM calendar_events
		 WHERE recurrence_rule IS NOT NULL AND recurrence_series_id IS NOT NULL AND start_at < ?
		 ORDER BY start_at, id`,
		formatTime(t),
	)
}

// ListInRange returns standalone events overlapping [start, end). Zero-length
// events are included when they start inside the window.
func (s *EventStore) ListInRange(start, end time.Time) ([]model.Event, error) {
	return s.list(
		`SELECT `+eventCols+` FROM calendar_events
		 WHERE recurrence_series_id IS NULL
		   AND start_at < ? AND (end_at > ? OR (end_at = start_at AND start_at >= ?))
		 ORDER BY start_at, id`,
		formatTime(end), formatTime(start), formatTime(start),
	)
}

// ListMovedSeries returns the ids of series with a live materialized
// occurrence overlapping [start, end).
func (s *EventStore) ListMovedSeries(start, end time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT recurrence_series_id FROM calendar_events
		 WHERE recurrence_rule IS NULL AND recurrence_series_id IS NOT NULL AND cancelled = 0
		   AND start_at < ? AND (end_at > ? OR (end_at = start_at AND start_at >= ?))
		 ORDER BY recurrence_series_id`,
		formatTime(end), formatTime(start), formatTime(start),
	)
	if err != nil {
		return nil, fmt.Errorf("query moved series: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan series id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *EventStore) list(query string, args ...any) ([]model.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calendar events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Apply performs ops in one transaction. If any op fails, including an
// update or delete of a row that no longer exists, nothing is written.
func (s *EventStore) Apply(ops []series.Op) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Kind {
		case series.OpInsert:
			err = insertEvent(tx, op.Event)
		case series.OpUpdate:
			err = updateEvent(tx, op.ID, op.Event)
		case series.OpDelete:
			err = deleteEvent(tx, op.ID)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", op.Kind, op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Delete removes a single row.
func (s *EventStore) Delete(id string) error {
	return deleteEvent(s.db, id)
}

// IsConstraint reports whether err came from a violated SQLite constraint,
// such as a second materialized row for the same series date.
func IsConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
