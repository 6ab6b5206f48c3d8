package api

import (
	"net/http"
	"time"

	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/notify"
)

type coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// leadRequest is the intake payload. Coordinates are resolved upstream.
type leadRequest struct {
	ID          string `json:"id,omitempty"`
	ClaimNumber string `json:"claim_number,omitempty"`
	Customer    struct {
		Name  string `json:"name" validate:"required"`
		Phone string `json:"phone" validate:"required"`
		Email string `json:"email,omitempty" validate:"omitempty,email"`
	} `json:"customer"`
	Location struct {
		Address      string      `json:"address" validate:"required"`
		Coordinates  coordinates `json:"coordinates"`
		PropertyType string      `json:"property_type,omitempty"`
	} `json:"location"`
	Details struct {
		ServiceType       string   `json:"service_type" validate:"required"`
		Urgency           string   `json:"urgency,omitempty" validate:"omitempty,oneof=emergency urgent standard flexible"`
		EstimatedDuration string   `json:"estimated_duration,omitempty"`
		EstimatedValue    float64  `json:"estimated_value,omitempty" validate:"gte=0"`
		Requirements      []string `json:"requirements,omitempty"`
	} `json:"details"`
	Priority string `json:"priority,omitempty" validate:"omitempty,oneof=critical high medium low"`
}

func (r leadRequest) lead() (model.Lead, error) {
	var dur time.Duration
	if r.Details.EstimatedDuration != "" {
		d, err := time.ParseDuration(r.Details.EstimatedDuration)
		if err != nil {
			return model.Lead{}, err
		}
		dur = d
	}
	return model.Lead{
		ID:          r.ID,
		ClaimNumber: r.ClaimNumber,
		Customer:    model.Customer{Name: r.Customer.Name, Phone: r.Customer.Phone, Email: r.Customer.Email},
		Location: model.JobLocation{
			Address:      r.Location.Address,
			Coordinates:  model.Coordinates{Lat: r.Location.Coordinates.Lat, Lng: r.Location.Coordinates.Lng},
			PropertyType: r.Location.PropertyType,
		},
		Details: model.JobDetails{
			ServiceType:       model.ServiceType(r.Details.ServiceType),
			Urgency:           model.Urgency(r.Details.Urgency),
			EstimatedDuration: dur,
			EstimatedValue:    r.Details.EstimatedValue,
			Requirements:      r.Details.Requirements,
		},
		Priority: model.LeadPriority(r.Priority),
	}, nil
}

func (s *server) createLead(w http.ResponseWriter, r *http.Request) {
	var req leadRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := req.lead()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.Manager.Submit(r.Context(), l)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *server) getLead(w http.ResponseWriter, r *http.Request) {
	l, err := s.Manager.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type responseRequest struct {
	OfferID      string `json:"offer_id,omitempty"`
	ContractorID string `json:"contractor_id" validate:"required"`
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
}

func (s *server) respond(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.Manager.Respond(r.Context(), notify.Response{
		OfferID:      req.OfferID,
		LeadID:       r.PathValue("id"),
		ContractorID: req.ContractorID,
		Accepted:     req.Accepted,
		Reason:       req.Reason,
		At:           time.Now(),
	})
	s.lead(w, r, l, err)
}

type assignRequest struct {
	ContractorID string `json:"contractor_id" validate:"required"`
	Actor        string `json:"actor" validate:"required"`
}

func (s *server) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.Manager.ManualAssign(r.Context(), r.PathValue("id"), req.ContractorID, req.Actor)
	s.lead(w, r, l, err)
}

type actionRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *server) start(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.Manager.Start(r.Context(), r.PathValue("id"), req.Actor)
	s.lead(w, r, l, err)
}

func (s *server) complete(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.Manager.Complete(r.Context(), r.PathValue("id"), req.Actor)
	s.lead(w, r, l, err)
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.Manager.Cancel(r.Context(), r.PathValue("id"), req.Reason, req.Actor)
	s.lead(w, r, l, err)
}

func (s *server) lead(w http.ResponseWriter, r *http.Request, l model.Lead, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
