package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kilianp07/leadalloc/core/audit"
	"github.com/kilianp07/leadalloc/core/model"
)

// NewEventHandler exposes the audit trail via GET /api/events. Filters are
// lead_id, contractor_id, type, start and end (RFC3339) and limit.
func NewEventHandler(store audit.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := r.URL.Query()
		q := audit.Query{
			LeadID:       v.Get("lead_id"),
			ContractorID: v.Get("contractor_id"),
			Type:         model.EventType(v.Get("type")),
		}
		for key, dst := range map[string]*time.Time{"start": &q.Start, "end": &q.End} {
			s := v.Get(key)
			if s == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "invalid "+key, http.StatusBadRequest)
				return
			}
			*dst = t
		}
		if s := v.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			q.Limit = n
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []model.AllocationEvent{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
