package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/store"
	"github.com/dukerupert/meetnotes/internal/websocket"
)

type NoteHandler struct {
	noteStore *store.NoteStore
	hub       *websocket.Hub
	logger    *slog.Logger
}

func NewNoteHandler(ns *store.NoteStore, hub *websocket.Hub, logger *slog.Logger) *NoteHandler {
	return &NoteHandler{noteStore: ns, hub: hub, logger: logger}
}

type noteRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Pinned bool   `json:"pinned"`
}

func (h *NoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	note, err := h.noteStore.Create(req.Title, req.Body, req.Pinned)
	if err != nil {
		h.logger.Error("failed to create note", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create note")
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(websocket.NewMessage("note", "created", strconv.FormatInt(note.ID, 10), nil))
	}
	writeJSON(w, http.StatusCreated, note)
}

func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	notes, err := h.noteStore.List()
	if err != nil {
		h.logger.Error("failed to list notes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	if notes == nil {
		notes = []model.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	note, err := h.noteStore.GetByID(id)
	if err != nil {
		h.logger.Error("failed to get note", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get note")
		return
	}
	if note == nil {
		writeError(w, http.StatusNotFound, "note not found")
		return
	}
	writeJSON(w, http.StatusOK, note)
}
