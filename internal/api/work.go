package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

const (
	defaultWorkLimit = 100
	maxWorkLimit     = 1000
)

// listWork handles GET /v1/work?state=&project=&limit=&offset=. Items are
// returned newest first.
func (s *Server) listWork(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultWorkLimit, maxWorkLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var state harvest.WorkState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		if state, err = parseState(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	project := strings.TrimSpace(r.URL.Query().Get("project"))

	all := s.engine.WorkItems()
	matched := make([]harvest.WorkItem, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		item := all[i]
		if state != "" && item.State != state {
			continue
		}
		if project != "" && item.Source.ProjectID != project {
			continue
		}
		matched = append(matched, item)
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"work_items": matched[offset:end],
		"total":      total,
	})
}

// getWork handles GET /v1/work/{work_id}.
func (s *Server) getWork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "work_id")
	for _, item := range s.engine.WorkItems() {
		if item.ID == id {
			writeJSON(w, http.StatusOK, map[string]any{"work_item": item})
			return
		}
	}
	writeError(w, http.StatusNotFound, "work item not found")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseState(input string) (harvest.WorkState, error) {
	switch strings.ToLower(input) {
	case "pending", "queued":
		return harvest.WorkPending, nil
	case "in_flight", "running":
		return harvest.WorkInFlight, nil
	case "completed", "success":
		return harvest.WorkCompleted, nil
	case "failed", "error":
		return harvest.WorkFailed, nil
	default:
		return "", errors.New("invalid state")
	}
}
