package model

import "time"

// Note is a note document as far as the calendar cares: something an event
// can link to. Body is the editor's serialized content and is opaque here.
type Note struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
