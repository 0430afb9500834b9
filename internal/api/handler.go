package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/csvparser"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/db"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/planner"
)

// SenderHeader carries the authenticated sender, set by the auth proxy in
// front of this service.
const SenderHeader = "X-Sender-Email"

const maxUploadBytes = 10 << 20

type Planner interface {
	Plan(ctx context.Context, b planner.Batch) ([]models.ScheduledEmail, error)
}

type Handler struct {
	Planner       Planner
	Ledger        db.Ledger
	Log           *zap.Logger
	MaxRecipients int
}

// delayFields are the accepted names of the per-recipient spacing, in
// seconds. Both work in JSON and multipart bodies.
var delayFields = []string{"delaySeconds", "delayBetweenEmails"}

type scheduleRequest struct {
	Subject            string    `json:"subject"`
	Body               string    `json:"body"`
	Recipients         []string  `json:"recipients"`
	StartTime          time.Time `json:"startTime"`
	DelaySeconds       *float64  `json:"delaySeconds"`
	DelayBetweenEmails *float64  `json:"delayBetweenEmails"`
}

func (r scheduleRequest) delay() time.Duration {
	for _, v := range []*float64{r.DelaySeconds, r.DelayBetweenEmails} {
		if v != nil {
			return time.Duration(*v * float64(time.Second))
		}
	}
	return 0
}

type scheduleResponse struct {
	Success bool                    `json:"success"`
	Count   int                     `json:"count"`
	Emails  []models.ScheduledEmail `json:"emails"`
	Error   string                  `json:"error,omitempty"`
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/emails/schedule", h.ScheduleBatch)
	mux.HandleFunc("GET /api/emails/scheduled", h.ListScheduled)
	mux.HandleFunc("GET /api/emails/sent", h.ListSent)
	mux.HandleFunc("GET /health", h.Health)
	return mux
}

func (h *Handler) ScheduleBatch(w http.ResponseWriter, r *http.Request) {
	sender := strings.TrimSpace(r.Header.Get(SenderHeader))
	if sender == "" {
		writeError(w, http.StatusUnauthorized, "missing sender identity")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	req, err := h.decodeSchedule(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	emails, err := h.Planner.Plan(r.Context(), planner.Batch{
		SenderEmail: sender,
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		StartTime:   req.StartTime,
		Delay:       req.delay(),
	})

	var (
		verr *models.ValidationError
		berr *models.BatchError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	case errors.As(err, &berr):
		writeJSON(w, http.StatusInternalServerError, scheduleResponse{
			Count:  berr.Created,
			Emails: emails,
			Error:  berr.Error(),
		})
		return
	case err != nil:
		h.Log.Error("schedule batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse{
		Success: true,
		Count:   len(emails),
		Emails:  emails,
	})
}

// decodeSchedule accepts either a JSON body or a multipart form with the
// recipient list uploaded as "file".
func (h *Handler) decodeSchedule(r *http.Request) (scheduleRequest, error) {
	var req scheduleRequest

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return req, err
	}

	req.Subject = r.FormValue("subject")
	req.Body = r.FormValue("body")

	if v := r.FormValue("startTime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, errors.New("startTime must be RFC 3339")
		}
		req.StartTime = t
	}
	for _, name := range delayFields {
		v := r.FormValue(name)
		if v == "" {
			continue
		}
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("%s must be a number of seconds", name)
		}
		req.DelaySeconds = &d
		break
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return req, errors.New("email list file required")
	}
	defer file.Close()

	req.Recipients, err = csvparser.ParseRecipients(file, h.MaxRecipients)
	return req, err
}

func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, models.StatusScheduled)
}

// ListSent includes failed jobs so their stored error is visible.
func (h *Handler) ListSent(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, models.StatusSent, models.StatusFailed)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, statuses ...models.EmailStatus) {
	sender := strings.TrimSpace(r.Header.Get(SenderHeader))
	if sender == "" {
		writeError(w, http.StatusUnauthorized, "missing sender identity")
		return
	}

	jobs, err := h.Ledger.ListByStatus(r.Context(), sender, statuses...)
	if err != nil {
		h.Log.Error("list jobs failed", zap.String("sender", sender), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list emails")
		return
	}
	if jobs == nil {
		jobs = []models.EmailJob{}
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
