package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/rules"
)

func (s *server) analytics(w http.ResponseWriter, r *http.Request) {
	if rep, ok := s.Analytics.Latest(); ok {
		writeJSON(w, http.StatusOK, rep)
		return
	}
	rep, err := s.Analytics.Refresh(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *server) getLoadBalancing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Balancer.Config())
}

// putLoadBalancing replaces the load balancing configuration. Fields missing
// from the body keep their current values.
func (s *server) putLoadBalancing(w http.ResponseWriter, r *http.Request) {
	cfg := s.Balancer.Config()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Balancer.SetConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.Log != nil {
		s.Log.Infow("load balancing config updated", map[string]any{"enabled": cfg.Enabled, "max_share": cfg.MaxLeadSharePercentage})
	}
	writeJSON(w, http.StatusOK, s.Balancer.Config())
}

func (s *server) getRules(w http.ResponseWriter, _ *http.Request) {
	rs := s.Rules.Current().Rules()
	if rs == nil {
		rs = []model.AllocationRule{}
	}
	writeJSON(w, http.StatusOK, rs)
}

// putRules swaps the active rule set. The body is a JSON array or, with a
// YAML content type, a rules document.
func (s *server) putRules(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var rs []model.AllocationRule
	switch r.Header.Get("Content-Type") {
	case "application/yaml", "application/x-yaml", "text/yaml":
		rs, err = rules.Parse(data)
	default:
		err = json.Unmarshal(data, &rs)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode rules: %w", err))
		return
	}
	if err := s.Rules.SetRules(rs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.Log != nil {
		s.Log.Infof("rule set replaced with %d rules", len(rs))
	}
	s.getRules(w, r)
}
