package server

import (
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/onnwee/chatbuddy/db"
	"github.com/onnwee/chatbuddy/dispatch"
	"github.com/onnwee/chatbuddy/trigger"
)

// HandleTriggers lists or creates trigger rules.
func (h *Handlers) HandleTriggers(w http.ResponseWriter, r *http.Request) {
	store := &db.TriggerStore{DB: h.DB}
	switch r.Method {
	case http.MethodGet:
		rows, err := store.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		var t db.Trigger
		if err := decodeJSON(r, &t); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if t.Pattern == "" {
			writeError(w, http.StatusBadRequest, "pattern is required")
			return
		}
		if _, err := regexp.Compile(t.Pattern); err != nil {
			writeError(w, http.StatusBadRequest, "invalid pattern: "+err.Error())
			return
		}
		if err := store.Create(r.Context(), &t); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.reloadTriggers(r)
		writeJSON(w, http.StatusCreated, t)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleTriggerByID updates or deletes one trigger rule.
func (h *Handlers) HandleTriggerByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/triggers/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	store := &db.TriggerStore{DB: h.DB}
	switch r.Method {
	case http.MethodGet:
		t, err := store.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if t == nil {
			writeError(w, http.StatusNotFound, "trigger not found")
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodPut:
		var t db.Trigger
		if err := decodeJSON(r, &t); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if t.Pattern != "" {
			if _, err := regexp.Compile(t.Pattern); err != nil {
				writeError(w, http.StatusBadRequest, "invalid pattern: "+err.Error())
				return
			}
		}
		t.ID = id
		if err := store.Update(r.Context(), &t); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "trigger not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.reloadTriggers(r)
		writeJSON(w, http.StatusOK, t)
	case http.MethodDelete:
		if err := store.Delete(r.Context(), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "trigger not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.reloadTriggers(r)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// reloadTriggers refreshes the registry after a rule change so edits apply
// without waiting for the periodic reload.
func (h *Handlers) reloadTriggers(r *http.Request) {
	_ = h.Registry.Reload(r.Context())
	if h.Engine != nil {
		h.Engine.ResetCooldowns()
	}
}

// HandleReload forces a registry reload and schedule sync.
func (h *Handlers) HandleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.Registry.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.Scheduler != nil {
		if err := h.Scheduler.Sync(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, h.Registry.Status())
}

// triggerTestRequest is a synthetic chat message to run through match+resolve.
type triggerTestRequest struct {
	Message string `json:"message"`
	User    string `json:"user"`
	Channel string `json:"channel"`
}

// HandleTriggerTest runs the match engine and resolver against a synthetic
// message. Nothing reaches chat or the overlay unless ?dispatch=1 is set, in
// which case a matched alert-kind trigger is enqueued for real.
func (h *Handlers) HandleTriggerTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req triggerTestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.User == "" {
		req.User = "testuser"
	}
	if req.Channel == "" {
		req.Channel = h.Cfg.TwitchChannel
	}

	ev := trigger.ChatEvent{
		Channel:    req.Channel,
		User:       req.User,
		Message:    req.Message,
		ReceivedAt: time.Now(),
	}

	// Match directly against the snapshot so test runs don't consume cooldowns.
	snap := h.Registry.Current()
	for _, ct := range snap.Triggers {
		caps := ct.Regexp.FindStringSubmatch(ev.Message)
		if caps == nil {
			continue
		}
		template := ct.Template
		var def *db.AlertDefinition
		if ct.Kind == "alert" {
			if d, ok := snap.Alerts[ct.Template]; ok {
				def = &d
				template = d.TextTemplate
			}
		}
		resolved, warns := h.Resolver.Resolve(r.Context(), template, ev, caps)
		warnings := make([]string, 0, len(warns))
		for _, wrn := range warns {
			warnings = append(warnings, wrn.Error())
		}

		dispatched := false
		if r.URL.Query().Get("dispatch") == "1" && def != nil {
			alert := dispatch.AlertEvent{
				TriggerID:    ct.ID,
				Text:         resolved,
				PlayDuration: time.Duration(def.PlayDurationSeconds) * time.Second,
			}
			if def.AudioAssetID != nil {
				if a, ok := snap.Assets[*def.AudioAssetID]; ok {
					alert.Audio = &dispatch.AssetRef{ID: a.ID, Kind: a.Kind, FilePath: a.FilePath, Loopable: a.Loopable}
				}
			}
			if def.VisualAssetID != nil {
				if a, ok := snap.Assets[*def.VisualAssetID]; ok {
					alert.Visual = &dispatch.AssetRef{ID: a.ID, Kind: a.Kind, FilePath: a.FilePath, Loopable: a.Loopable}
				}
			}
			if alert.PlayDuration <= 0 && (alert.Audio != nil || alert.Visual != nil) {
				alert.PlayDuration = h.Cfg.AlertDefaultPlay
			}
			h.Dispatcher.Enqueue(alert)
			dispatched = true
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"matched":    true,
			"trigger_id": ct.ID,
			"kind":       ct.Kind,
			"captures":   caps,
			"resolved":   resolved,
			"warnings":   warnings,
			"dispatched": dispatched,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matched": false})
}

// HandleAssets lists or creates media assets.
func (h *Handlers) HandleAssets(w http.ResponseWriter, r *http.Request) {
	store := &db.AssetStore{DB: h.DB}
	switch r.Method {
	case http.MethodGet:
		rows, err := store.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		var a db.Asset
		if err := decodeJSON(r, &a); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if a.ShortName == "" || a.Kind == "" || a.FilePath == "" {
			writeError(w, http.StatusBadRequest, "short_name, kind, and file_path are required")
			return
		}
		if a.Kind != "audio" && a.Kind != "visual" {
			writeError(w, http.StatusBadRequest, "kind must be audio or visual")
			return
		}
		if err := store.Create(r.Context(), &a); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.reloadTriggers(r)
		writeJSON(w, http.StatusCreated, a)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleAssetByID fetches or deletes one asset.
func (h *Handlers) HandleAssetByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/assets/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	store := &db.AssetStore{DB: h.DB}
	switch r.Method {
	case http.MethodGet:
		a, err := store.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if a == nil {
			writeError(w, http.StatusNotFound, "asset not found")
			return
		}
		writeJSON(w, http.StatusOK, a)
	case http.MethodDelete:
		if err := store.Delete(r.Context(), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "asset not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.reloadTriggers(r)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleAlerts lists or creates alert definitions.
func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	store := &db.AlertStore{DB: h.DB}
	switch r.Method {
	case http.MethodGet:
		rows, err := store.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		var a db.AlertDefinition
		if err := decodeJSON(r, &a); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if a.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := store.Create(r.Context(), &a); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.reloadTriggers(r)
		writeJSON(w, http.StatusCreated, a)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleAlertByID updates or deletes one alert definition.
func (h *Handlers) HandleAlertByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/alerts/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	store := &db.AlertStore{DB: h.DB}
	switch r.Method {
	case http.MethodPut:
		var a db.AlertDefinition
		if err := decodeJSON(r, &a); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.ID = id
		if err := store.Update(r.Context(), &a); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "alert not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.reloadTriggers(r)
		writeJSON(w, http.StatusOK, a)
	case http.MethodDelete:
		if err := store.Delete(r.Context(), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "alert not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.reloadTriggers(r)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleSchedules lists or creates scheduled announcements.
func (h *Handlers) HandleSchedules(w http.ResponseWriter, r *http.Request) {
	store := &db.ScheduleStore{DB: h.DB}
	switch r.Method {
	case http.MethodGet:
		rows, err := store.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		var s db.Schedule
		if err := decodeJSON(r, &s); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.Message == "" || s.CronSpec == "" {
			writeError(w, http.StatusBadRequest, "message and cron_spec are required")
			return
		}
		if err := store.Create(r.Context(), &s); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.syncSchedules(r)
		writeJSON(w, http.StatusCreated, s)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleScheduleByID updates or deletes one scheduled announcement.
func (h *Handlers) HandleScheduleByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/schedules/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	store := &db.ScheduleStore{DB: h.DB}
	switch r.Method {
	case http.MethodPut:
		var s db.Schedule
		if err := decodeJSON(r, &s); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.ID = id
		if err := store.Update(r.Context(), &s); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "schedule not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.syncSchedules(r)
		writeJSON(w, http.StatusOK, s)
	case http.MethodDelete:
		if err := store.Delete(r.Context(), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "schedule not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.syncSchedules(r)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handlers) syncSchedules(r *http.Request) {
	if h.Scheduler != nil {
		_ = h.Scheduler.Sync(r.Context())
	}
}

// HandleKV reads or writes config override keys.
func (h *Handlers) HandleKV(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		key := r.URL.Query().Get("key")
		if key == "" {
			writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		v, err := db.GetKV(r.Context(), h.DB, key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
	case http.MethodPut, http.MethodPost:
		var body struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.Key == "" {
			writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		if err := db.SetKV(r.Context(), h.DB, body.Key, body.Value); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": body.Key, "value": body.Value})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
