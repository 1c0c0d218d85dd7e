package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wellsync/wellsync/internal/metrics"
)

// IdempotencyHeader names the request header carrying the client's
// per-record key.
const IdempotencyHeader = "Idempotency-Key"

const maxKeyLength = 256

// APIError is the JSON body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeRequestTooLarge  = "REQUEST_TOO_LARGE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

type submitResponse struct {
	ID string `json:"id"`
}

// Handler accepts a POST whose body is the opaque JSON document and answers 201 {"id"} for a new write
// or 200 {"id"} with the first id when the idempotency key was seen before.
type Handler struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(store Store, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "ingest"),
		now:    time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Only POST is supported")
		return
	}

	if h.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge, "Request body too large")
			return
		}
		h.reject(w, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read request body")
		return
	}
	data := bytes.TrimSpace(body)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		h.reject(w, http.StatusBadRequest, ErrCodeBadRequest, "Request body is required")
		return
	}
	if !json.Valid(data) {
		h.reject(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if len(key) > maxKeyLength {
		h.reject(w, http.StatusBadRequest, ErrCodeBadRequest, "Idempotency-Key too long")
		return
	}

	sub := Submission{
		ID:         uuid.NewString(),
		Key:        key,
		Data:       json.RawMessage(data),
		ReceivedAt: h.now().UTC(),
	}
	stored, created, err := h.store.Save(r.Context(), sub)
	if err != nil {
		metrics.IngestRequests.WithLabelValues("error").Inc()
		h.logger.Error("Failed to store submission", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to store submission")
		return
	}

	status := http.StatusCreated
	result := "created"
	if !created {
		status = http.StatusOK
		result = "duplicate"
		h.logger.Info("Duplicate submission", "key", key, "id", stored.ID)
	}
	metrics.IngestRequests.WithLabelValues(result).Inc()
	writeJSON(w, status, submitResponse{ID: stored.ID})
}

func (h *Handler) reject(w http.ResponseWriter, status int, code, message string) {
	metrics.IngestRequests.WithLabelValues("invalid").Inc()
	writeError(w, status, code, message)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}
