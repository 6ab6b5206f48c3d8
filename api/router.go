// Package api exposes the allocation engine to operators and the intake layer
// over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/kilianp07/leadalloc/core/allocation"
	"github.com/kilianp07/leadalloc/core/analytics"
	"github.com/kilianp07/leadalloc/core/audit"
	"github.com/kilianp07/leadalloc/core/balancer"
	"github.com/kilianp07/leadalloc/core/contractor"
	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/rules"
)

// Deps are the components served by the API.
type Deps struct {
	Manager     *allocation.Manager
	Contractors *contractor.Registry
	Events      audit.Store
	Analytics   *analytics.Snapshotter
	Balancer    *balancer.Controller
	Rules       *rules.Engine
	// Token enables Bearer authentication when non empty.
	Token string
	Log   logger.Logger
}

type server struct {
	Deps
	validate *validator.Validate
}

// NewRouter returns the API handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d, validate: newValidator()}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/leads", s.createLead)
	mux.HandleFunc("GET /api/leads/{id}", s.getLead)
	mux.HandleFunc("POST /api/leads/{id}/response", s.respond)
	mux.HandleFunc("POST /api/leads/{id}/assign", s.assign)
	mux.HandleFunc("POST /api/leads/{id}/start", s.start)
	mux.HandleFunc("POST /api/leads/{id}/complete", s.complete)
	mux.HandleFunc("POST /api/leads/{id}/cancel", s.cancel)

	mux.HandleFunc("PUT /api/contractors/{id}", s.upsertContractor)
	mux.HandleFunc("GET /api/contractors/{id}", s.getContractor)
	mux.HandleFunc("PUT /api/contractors/{id}/kpi", s.updateKPI)

	mux.Handle("GET /api/events", NewEventHandler(d.Events))
	mux.HandleFunc("GET /api/analytics", s.analytics)
	mux.HandleFunc("GET /api/config/load-balancing", s.getLoadBalancing)
	mux.HandleFunc("PUT /api/config/load-balancing", s.putLoadBalancing)
	mux.HandleFunc("GET /api/rules", s.getRules)
	mux.HandleFunc("PUT /api/rules", s.putRules)

	return requireToken(d.Token, mux)
}

// requireToken rejects requests without "Authorization: Bearer <token>" when
// token is non-empty.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var ae *allocation.Error
	if errors.As(err, &ae) {
		body.Kind = string(ae.Kind)
	}
	writeJSON(w, status, body)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, allocation.ErrLeadNotFound), errors.Is(err, contractor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, allocation.ErrInvalidLead):
		return http.StatusBadRequest
	case errors.Is(err, allocation.ErrInvalidTransition),
		errors.Is(err, allocation.ErrOfferMismatch),
		errors.Is(err, allocation.ErrCapacityRaceLost):
		return http.StatusConflict
	case errors.Is(err, allocation.ErrNoEligibleContractors),
		errors.Is(err, allocation.ErrExhaustedRetries):
		return http.StatusUnprocessableEntity
	case errors.Is(err, allocation.ErrDependencyTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && s.Log != nil {
		s.Log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, err)
}

// decode reads a JSON body into v and validates it. An empty body decodes to
// the zero value.
func (s *server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return s.validate.Struct(v)
}
