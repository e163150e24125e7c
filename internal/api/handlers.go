package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"groupcast/internal/broadcast"
	"groupcast/internal/content"
	"groupcast/internal/recipients"
	"groupcast/internal/schedule"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

// Deps are the domain services the handlers talk to.
type Deps struct {
	Hours     *schedule.Hours
	Store     storage.Store
	Registry  *recipients.Registry
	Content   *content.Store
	Scheduler *broadcast.Service
	Transport transport.Client
}

func (s *Service) router(deps Deps, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tok := strings.TrimSpace(token); tok != "" {
		r.Use(bearerAuth(tok))
	}

	h := &handlers{deps: deps, log: s.log}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/hours", h.getHours)
		r.Put("/hours", h.putHours)

		r.Get("/history", h.getHistory)
		r.Delete("/history", h.clearHistory)

		r.Get("/recipients", h.getRecipients)
		r.Put("/recipients", h.putRecipients)
		r.Get("/recipients/discovered", h.getDiscovered)

		r.Get("/content/{day}", h.getContent)
		r.Put("/content/{day}/caption", h.putCaption)
		r.Post("/content/{day}/copy", h.copyContent)
		r.Delete("/content/{day}", h.deleteContent)
		r.Delete("/content", h.deleteAllContent)

		r.Get("/status", h.getStatus)
		r.Post("/broadcast/run", h.runBroadcast)
	})
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == token {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeErr(w, http.StatusUnauthorized, errors.New("unauthorized"))
		})
	}
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

// ---- hours ----

func (h *handlers) getHours(w http.ResponseWriter, r *http.Request) {
	hours, err := h.deps.Hours.Get()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if hours == nil {
		hours = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hours": hours})
}

func (h *handlers) putHours(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hours []int `json:"hours"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	stored, err := h.deps.Hours.Set(body.Hours)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hours": stored})
}

// ---- history ----

func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Store.ListHistory(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []storage.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": list})
}

func (h *handlers) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.ClearHistory(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- recipients ----

func (h *handlers) getRecipients(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Registry.Selected()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []recipients.Recipient{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": list})
}

func (h *handlers) putRecipients(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipients []recipients.Recipient `json:"recipients"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.deps.Registry.SetSelected(body.Recipients); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	stored, err := h.deps.Registry.Selected()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if stored == nil {
		stored = []recipients.Recipient{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": stored})
}

func (h *handlers) getDiscovered(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Registry.Discovered()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []recipients.Recipient{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": list})
}

// ---- content ----

type dayParam struct {
	wd   time.Weekday
	name string
}

func (h *handlers) day(w http.ResponseWriter, r *http.Request) (d dayParam, ok bool) {
	name := chi.URLParam(r, "day")
	wd, valid := content.ParseDay(name)
	if !valid {
		writeErr(w, http.StatusNotFound, errors.New("unknown day: "+name))
		return dayParam{}, false
	}
	return dayParam{wd: wd, name: strings.ToLower(strings.TrimSpace(name))}, true
}

func (h *handlers) getContent(w http.ResponseWriter, r *http.Request) {
	day, ok := h.day(w, r)
	if !ok {
		return
	}
	entry, err := h.deps.Content.Resolve(day.wd)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"day":      day.name,
		"caption":  entry.Caption,
		"hasImage": entry.ImagePath != "",
		"complete": entry.Complete(),
	})
}

func (h *handlers) putCaption(w http.ResponseWriter, r *http.Request) {
	day, ok := h.day(w, r)
	if !ok {
		return
	}
	var body struct {
		Caption string `json:"caption"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Caption) == "" {
		writeErr(w, http.StatusBadRequest, errors.New("caption must not be empty"))
		return
	}
	if err := h.deps.Content.SetCaption(day.wd, body.Caption); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) copyContent(w http.ResponseWriter, r *http.Request) {
	day, ok := h.day(w, r)
	if !ok {
		return
	}
	var body struct {
		To []string `json:"to"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.To) == 0 {
		writeErr(w, http.StatusBadRequest, errors.New("destination days must not be empty"))
		return
	}
	var dests []time.Weekday
	for _, name := range body.To {
		wd, valid := content.ParseDay(name)
		if !valid {
			writeErr(w, http.StatusBadRequest, errors.New("unknown day: "+name))
			return
		}
		dests = append(dests, wd)
	}
	if err := h.deps.Content.Copy(day.wd, dests); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) deleteContent(w http.ResponseWriter, r *http.Request) {
	day, ok := h.day(w, r)
	if !ok {
		return
	}
	if err := h.deps.Content.Delete(day.wd); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) deleteAllContent(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Content.DeleteAll(); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- status / manual trigger ----

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transportConnected": h.deps.Transport.Connected(),
		"scheduler":          h.deps.Scheduler.Snapshot(),
	})
}

func (h *handlers) runBroadcast(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Scheduler.RunNow(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return false
	}
	return true
}
