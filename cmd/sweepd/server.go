package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/send"
	"github.com/conveyorhq/conveyor/sweep"
)

type server struct {
	store   delivery.Store
	sweeper *sweep.Sweeper
	secret  []byte
	logger  *slog.Logger
}

func newRouter(s *server) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireServiceToken)

		r.Post("/sweep", s.handleSweep)
		r.Post("/deliveries", s.handleSend)
		r.Get("/deliveries", s.handleListDeliveries)
		r.Get("/deliveries/{id}", s.handleGetDelivery)
		r.Post("/deliveries/{id}/status", s.handleSetStatus)
	})

	return r
}

// requireServiceToken verifies an HS256 service token in the
// Authorization header. Everything except /healthz sits behind it.
func (s *server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		tokenStr := strings.TrimPrefix(h, "Bearer ")

		t, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !t.Valid {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSweep triggers one sweep immediately and returns its summary.
func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	sum, err := s.sweeper.Run(r.Context())
	if err != nil {
		s.logger.Error("manual sweep failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type sendRequest struct {
	InvitationID string `json:"invitation_id"`
	Recipient    string `json:"recipient"`
	Subject      string `json:"subject,omitempty"`
	Body         string `json:"body,omitempty"`
}

// handleSend creates a delivery record and makes its first send attempt.
func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InvitationID == "" || req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "invitation_id and recipient are required")
		return
	}

	payload := &send.Payload{
		To:      req.Recipient,
		Subject: req.Subject,
		Body:    req.Body,
	}
	rec, err := s.sweeper.Send(r.Context(), req.InvitationID, req.Recipient, payload)
	if err != nil {
		s.logger.Error("send failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	recordID, err := id.ParseDeliveryID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	rec, err := s.store.GetDelivery(r.Context(), recordID)
	if err != nil {
		if errors.Is(err, conveyor.ErrDeliveryNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	opts := delivery.ListOpts{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	opts.Status = delivery.Status(r.URL.Query().Get("status"))

	records, err := s.store.ListDeliveries(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type statusRequest struct {
	Status           string `json:"status"`
	ProviderResponse string `json:"provider_response,omitempty"`
}

// handleSetStatus is the provider webhook: it moves sent records to
// delivered or bounced.
func (s *server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	recordID, err := id.ParseDeliveryID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := delivery.Status(req.Status)
	if status != delivery.StatusDelivered && status != delivery.StatusBounced {
		writeError(w, http.StatusBadRequest, "status must be delivered or bounced")
		return
	}

	err = s.store.SetDeliveryStatus(r.Context(), recordID, status, req.ProviderResponse)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	case errors.Is(err, conveyor.ErrDeliveryNotFound):
		writeError(w, http.StatusNotFound, "delivery not found")
	case errors.Is(err, conveyor.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid status transition")
	default:
		s.logger.Error("status update failed",
			slog.String("delivery_id", recordID.String()),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "store error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
