package task

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"daybook/internal/auth"
	"daybook/internal/capacity"
	"daybook/internal/httpmw"
	"daybook/internal/model"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{"error": msg, "code": errCode})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// decodeBody reports a malformed body as a validation error. An empty body
// decodes as an empty object.
func decodeBody(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil && !errors.Is(err, io.EOF) {
		return &ValidationError{Msg: "invalid json: " + err.Error()}
	}
	return nil
}

// writeServiceErr is the single place service errors become HTTP responses.
func (h *Handler) writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *ValidationError
		vc   *VersionConflictError
		ex   *capacity.ExceededError
	)
	switch Code(err) {
	case "validation":
		errors.As(err, &verr)
		body := map[string]any{"error": verr.Error(), "code": "validation"}
		if verr.Field != "" {
			body["field"] = verr.Field
		}
		writeJSON(w, http.StatusBadRequest, body)
	case "not_found":
		writeErr(w, http.StatusNotFound, "not_found", "task not found")
	case "version_conflict":
		errors.As(err, &vc)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   vc.Error(),
			"code":    "version_conflict",
			"current": vc.Current,
		})
	case "capacity_exceeded":
		body := map[string]any{"error": err.Error(), "code": "capacity_exceeded"}
		if errors.As(err, &ex) {
			body["section"] = ex.Section
			body["limit"] = ex.Limit
		}
		writeJSON(w, http.StatusConflict, body)
	default:
		h.log.ErrorContext(r.Context(), "task request failed",
			"request_id", httpmw.RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeErr(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthorized", "missing owner")
	}
	return id, ok
}

func parseBoolPtr(s string) (*bool, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "any":
		return nil, nil
	case "1", "true", "yes":
		b := true
		return &b, nil
	case "0", "false", "no":
		b := false
		return &b, nil
	}
	return nil, invalid("completed", "must be true or false")
}

func parseDayPtr(field, s string) (*model.Day, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := model.ParseDay(s)
	if err != nil {
		return nil, invalid(field, "%v", err)
	}
	return &d, nil
}

func parseListQuery(r *http.Request) (ListQuery, error) {
	q := r.URL.Query()
	var (
		lq  ListQuery
		err error
	)
	if v := strings.TrimSpace(q.Get("scope")); v != "" {
		scope := model.Scope(v)
		lq.Scope = &scope
	}
	if v := strings.TrimSpace(q.Get("section")); v != "" {
		section := model.Section(v)
		lq.Section = &section
	}
	if lq.Date, err = parseDayPtr("date", q.Get("date")); err != nil {
		return lq, err
	}
	if lq.PeriodStart, err = parseDayPtr("periodStart", q.Get("periodStart")); err != nil {
		return lq, err
	}
	if lq.Completed, err = parseBoolPtr(q.Get("completed")); err != nil {
		return lq, err
	}
	return lq, nil
}

// today reads ?date= (or the body date), defaulting to the service clock.
func (h *Handler) today(raw string) (model.Day, error) {
	d, err := parseDayPtr("date", raw)
	if err != nil {
		return model.Day{}, err
	}
	if d == nil {
		return model.DayOf(h.svc.now()), nil
	}
	return *d, nil
}

// /api/tasks  (collection)
func (h *Handler) TasksRoot(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		lq, err := parseListQuery(r)
		if err != nil {
			h.writeServiceErr(w, r, err)
			return
		}
		ts, err := h.svc.List(r.Context(), ownerID, lq)
		if err != nil {
			h.writeServiceErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ts)

	case http.MethodPost:
		var in CreateInput
		if err := decodeBody(r, &in); err != nil {
			h.writeServiceErr(w, r, err)
			return
		}
		t, err := h.svc.Create(r.Context(), ownerID, in)
		if err != nil {
			h.writeServiceErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// /api/tasks/...
func (h *Handler) TasksSub(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	tail := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	tail = strings.Trim(tail, "/")
	if tail == "" {
		writeErr(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	parts := strings.Split(tail, "/")

	if len(parts) == 1 {
		switch parts[0] {
		case "rollover":
			h.rollover(w, r, ownerID)
			return
		case "stats":
			h.stats(w, r, ownerID)
			return
		case "upcoming":
			h.upcoming(w, r, ownerID)
			return
		case "completed":
			h.clearCompleted(w, r, ownerID)
			return
		case "import":
			h.importTasks(w, r, ownerID)
			return
		case "all":
			h.deleteAll(w, r, ownerID)
			return
		}
	}

	id := model.TaskID(parts[0])

	// /api/tasks/{id}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			t, err := h.svc.Get(r.Context(), ownerID, id)
			if err != nil {
				h.writeServiceErr(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, t)

		case http.MethodPut, http.MethodPatch:
			var in struct {
				Patch
				Version *int `json:"version"`
			}
			if err := decodeBody(r, &in); err != nil {
				h.writeServiceErr(w, r, err)
				return
			}
			t, err := h.svc.Update(r.Context(), ownerID, id, in.Version, in.Patch)
			if err != nil {
				h.writeServiceErr(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, t)

		case http.MethodDelete:
			if err := h.svc.Delete(r.Context(), ownerID, id); err != nil {
				h.writeServiceErr(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})

		default:
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
		return
	}

	// /api/tasks/{id}/reorder
	if len(parts) == 2 && parts[1] == "reorder" {
		if r.Method != http.MethodPatch && r.Method != http.MethodPut {
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var in struct {
			ReorderInput
			Version *int `json:"version"`
		}
		if err := decodeBody(r, &in); err != nil {
			h.writeServiceErr(w, r, err)
			return
		}
		t, err := h.svc.Reorder(r.Context(), ownerID, id, in.Version, in.ReorderInput)
		if err != nil {
			h.writeServiceErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
		return
	}

	// /api/tasks/{id}/calendar.ics
	if len(parts) == 2 && parts[1] == "calendar.ics" {
		if r.Method != http.MethodGet {
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		t, err := h.svc.Get(r.Context(), ownerID, id)
		if err != nil {
			h.writeServiceErr(w, r, err)
			return
		}
		ics, err := BuildTaskCalendarICS(t, h.svc.now())
		if err != nil {
			h.writeServiceErr(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="task-`+t.ID+`.ics"`)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, ics)
		return
	}

	writeErr(w, http.StatusNotFound, "not_found", "not found")
}

// POST /api/tasks/rollover
func (h *Handler) rollover(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var in struct {
		Date string `json:"date"`
	}
	if err := decodeBody(r, &in); err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	raw := in.Date
	if raw == "" {
		raw = r.URL.Query().Get("date")
	}
	today, err := h.today(raw)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	rep, err := h.svc.Rollover(r.Context(), ownerID, today)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GET /api/tasks/stats
func (h *Handler) stats(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	st, err := h.svc.Stats(r.Context(), ownerID)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /api/tasks/upcoming?date=&limit=
func (h *Handler) upcoming(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	q := r.URL.Query()
	today, err := h.today(q.Get("date"))
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			h.writeServiceErr(w, r, invalid("limit", "must be a non-negative integer"))
			return
		}
	}
	up, err := h.svc.Upcoming(r.Context(), ownerID, today, limit)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

// DELETE /api/tasks/completed
func (h *Handler) clearCompleted(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodDelete {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	n, err := h.svc.ClearCompleted(r.Context(), ownerID)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": n})
}

// importItem is a CreateInput that also tolerates the read-only fields of a
// listed task, so the output of GET /api/tasks can be imported as is.
type importItem struct {
	CreateInput
	ID        json.RawMessage `json:"id"`
	OwnerID   json.RawMessage `json:"ownerId"`
	Version   json.RawMessage `json:"version"`
	CreatedAt json.RawMessage `json:"createdAt"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
}

// POST /api/tasks/import
func (h *Handler) importTasks(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var in struct {
		Mode  ImportMode   `json:"mode"`
		Tasks []importItem `json:"tasks"`
	}
	if err := decodeBody(r, &in); err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	if in.Tasks == nil {
		h.writeServiceErr(w, r, invalid("tasks", "required"))
		return
	}
	tasks := make([]CreateInput, len(in.Tasks))
	for i, it := range in.Tasks {
		tasks[i] = it.CreateInput
	}
	rep, err := h.svc.Import(r.Context(), ownerID, in.Mode, tasks)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// DELETE /api/tasks/all
func (h *Handler) deleteAll(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodDelete {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	n, err := h.svc.DeleteAll(r.Context(), ownerID)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": n})
}
