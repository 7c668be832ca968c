package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/questions"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

type questionRequest struct {
	Question   string `json:"question" validate:"required"`
	Answer     string `json:"answer" validate:"required"`
	Topic      string `json:"topic" validate:"required,max=255"`
	Difficulty string `json:"difficulty" validate:"required,max=50"`
}

func (q questionRequest) model() models.Question {
	return models.Question{Question: q.Question, Answer: q.Answer, Topic: q.Topic, Difficulty: q.Difficulty}
}

// CreateQuestion stores a new question
func (h *Handler) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	q := req.model()
	if err := h.Questions.Create(r.Context(), &q); err != nil {
		zap.L().Error("Failed to create question", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create question")
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// ListQuestions pages through all questions
func (h *Handler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	qs, err := h.Questions.List(r.Context(), skip, limit)
	if err != nil {
		zap.L().Error("Failed to list questions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve questions")
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

// SearchQuestions pages through questions whose topic matches ?topic=
func (h *Handler) SearchQuestions(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	qs, err := h.Questions.Search(r.Context(), topic, skip, limit)
	if err != nil {
		zap.L().Error("Failed to search questions", zap.String("topic", topic), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to search questions")
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

// RandomQuestion returns one random question
func (h *Handler) RandomQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.Questions.Random(r.Context())
	if errors.Is(err, questions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No questions available")
		return
	}
	if err != nil {
		zap.L().Error("Failed to get random question", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve question")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := questionID(w, r)
	if !ok {
		return
	}

	q, err := h.Questions.Get(r.Context(), id)
	if errors.Is(err, questions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Question not found")
		return
	}
	if err != nil {
		zap.L().Error("Failed to get question", zap.Int("question_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve question")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) UpdateQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := questionID(w, r)
	if !ok {
		return
	}
	var req questionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	q, err := h.Questions.Update(r.Context(), id, req.model())
	if errors.Is(err, questions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Question not found")
		return
	}
	if err != nil {
		zap.L().Error("Failed to update question", zap.Int("question_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update question")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) DeleteQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := questionID(w, r)
	if !ok {
		return
	}

	err := h.Questions.Delete(r.Context(), id)
	if errors.Is(err, questions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Question not found")
		return
	}
	if err != nil {
		zap.L().Error("Failed to delete question", zap.Int("question_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete question")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func questionID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid question ID")
		return 0, false
	}
	return id, true
}

// pageParams reads ?skip= and ?limit=, defaulting to 0 and 10
func pageParams(w http.ResponseWriter, r *http.Request) (skip, limit int, ok bool) {
	skip, limit = 0, defaultPageLimit
	query := r.URL.Query()

	if v := query.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
			return 0, 0, false
		}
		skip = n
	}
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return 0, 0, false
		}
		limit = n
	}
	return skip, limit, true
}
