package api

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/kilianp07/leadalloc/core/contractor"
	"github.com/kilianp07/leadalloc/core/model"
)

func (s *server) upsertContractor(w http.ResponseWriter, r *http.Request) {
	var c model.Contractor
	if err := s.decode(r, &c); err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	if c.ID != "" && c.ID != id {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body id %q does not match path id %q", c.ID, id))
		return
	}
	c.ID = id
	if err := s.Contractors.Upsert(c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.getContractor(w, r)
}

func (s *server) getContractor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, ok := s.Contractors.Get(id)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", contractor.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type kpiRequest struct {
	Metrics map[model.KPIMetric]float64 `json:"metrics" validate:"required,min=1"`
}

// updateKPI feeds raw metric values into the KPI store. Scores are
// recomputed asynchronously.
func (s *server) updateKPI(w http.ResponseWriter, r *http.Request) {
	var req kpiRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	for m := range req.Metrics {
		if !slices.Contains(model.KPIMetrics, m) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown metric %q", m))
			return
		}
	}
	id := r.PathValue("id")
	for _, m := range model.KPIMetrics {
		v, ok := req.Metrics[m]
		if !ok {
			continue
		}
		if err := s.Contractors.RecordMetric(id, m, v); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}
