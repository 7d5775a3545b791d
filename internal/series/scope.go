package series

import (
	"fmt"
	"time"

	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/recurrence"
)

// Scope is how much of a series an edit or delete applies to.
type Scope string

const (
	ScopeThis   Scope = "this"
	ScopeFuture Scope = "future"
	ScopeAll    Scope = "all"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeThis, ScopeFuture, ScopeAll:
		return true
	}
	return false
}

// ParseScope reads a scope name; "" means ScopeThis.
func ParseScope(s string) (Scope, error) {
	if s == "" {
		return ScopeThis, nil
	}
	scope := Scope(s)
	if !scope.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	return scope, nil
}

// Target names the occurrence being changed: either an event row by ID
// (a standalone event, a template or a materialized occurrence), or a
// series plus instance date for an occurrence that only exists virtually.
// InstanceDate may accompany a template ID to pick one of its occurrences.
type Target struct {
	EventID      string
	SeriesID     string
	InstanceDate recurrence.Date
}

// Changes holds the fields an edit sets. Nil fields are left alone.
type Changes struct {
	Title           *string
	StartAt         *time.Time
	EndAt           *time.Time
	Attendees       *[]model.Attendee
	LinkedNoteID    *int64
	ClearLinkedNote bool
	// Rule replaces the recurrence pattern. Ignored for ScopeThis.
	Rule *recurrence.Rule
}

func (c Changes) touchesTime() bool {
	return c.StartAt != nil || c.EndAt != nil
}

// Mutation is an edit or a delete.
type Mutation struct {
	Delete  bool
	Changes Changes
}

func Edit(c Changes) Mutation { return Mutation{Changes: c} }

func Delete() Mutation { return Mutation{Delete: true} }
