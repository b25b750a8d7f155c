package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/crewcallhq/crewcall/internal/engine"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeAction reads the optional actor/reason body; a missing or empty body
// is fine for action endpoints.
func decodeAction(r *http.Request) actionRequest {
	var body actionRequest
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		return actionRequest{}
	}
	return body
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondEngineError maps the engine's error taxonomy onto distinct HTTP
// categories so the UI can tell "already terminal" from "try again" from
// "needs attention".
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, engine.ErrTaskArchived):
		status, code = http.StatusConflict, "task_archived"
	case errors.Is(err, engine.ErrConcurrentModification):
		status, code = http.StatusConflict, "concurrent_modification"
	case errors.Is(err, engine.ErrNoCrewAvailable):
		status, code = http.StatusUnprocessableEntity, "no_crew_available"
	case errors.Is(err, engine.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, engine.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	respondJSON(w, status, errorResponse{
		Error:     err.Error(),
		Code:      code,
		Retryable: engine.Retryable(err),
	})
}

func parseListQuery(q url.Values) (engine.Filters, engine.SortKey, engine.PageRequest, error) {
	var f engine.Filters
	f.Search = q.Get("search")
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				f.Statuses = append(f.Statuses, engine.Status(part))
			}
		}
	}
	f.AssignedCrewID = strings.TrimSpace(q.Get("crew"))
	f.AssignedRoleID = strings.TrimSpace(q.Get("role"))
	f.DepartmentID = strings.TrimSpace(q.Get("department"))
	f.Tab = strings.TrimSpace(q.Get("tab"))

	var err error
	if v := q.Get("due_within_hours"); v != "" {
		f.DueWithinHours, err = strconv.Atoi(v)
		if err != nil {
			return f, "", engine.PageRequest{}, errors.New("due_within_hours must be an integer")
		}
	}
	if v := q.Get("escalated_only"); v != "" {
		f.EscalatedOnly, err = strconv.ParseBool(v)
		if err != nil {
			return f, "", engine.PageRequest{}, errors.New("escalated_only must be a bool")
		}
	}

	var page engine.PageRequest
	if v := q.Get("page"); v != "" {
		page.Page, err = strconv.Atoi(v)
		if err != nil {
			return f, "", engine.PageRequest{}, errors.New("page must be an integer")
		}
	}
	if v := q.Get("page_size"); v != "" {
		page.Size, err = strconv.Atoi(v)
		if err != nil {
			return f, "", engine.PageRequest{}, errors.New("page_size must be an integer")
		}
	}

	return f, engine.SortKey(q.Get("sort")), page, nil
}
