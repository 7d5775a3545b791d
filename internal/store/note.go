package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/meetnotes/internal/model"
)

type NoteStore struct {
	db *sql.DB
}

func NewNoteStore(db *sql.DB) *NoteStore {
	return &NoteStore{db: db}
}

func scanNote(scanner interface{ Scan(...any) error }) (*model.Note, error) {
	var n model.Note
	var pinned int

	err := scanner.Scan(&n.ID, &n.Title, &n.Body, &pinned, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}

	n.Pinned = pinned != 0
	return &n, nil
}

const noteCols = `id, title, body, pinned, created_at, updated_at`

func (s *NoteStore) Create(title, body string, pinned bool) (*model.Note, error) {
	var p int
	if pinned {
		p = 1
	}

	result, err := s.db.Exec(`INSERT INTO notes (title, body, pinned) VALUES (?, ?, ?)`, title, body, p)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *NoteStore) GetByID(id int64) (*model.Note, error) {
	row := s.db.QueryRow(`SELECT `+noteCols+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}
	return n, nil
}

// List returns notes pinned first, newest first.
func (s *NoteStore) List() ([]model.Note, error) {
	rows, err := s.db.Query(`SELECT ` + noteCols + ` FROM notes ORDER BY pinned DESC, created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []model.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, *n)
	}
	return notes, rows.Err()
}

func (s *NoteStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}
