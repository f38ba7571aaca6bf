package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/infra/auth"
)

type functionJSON struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mask        uint64 `json:"mask"`
	Supported   bool   `json:"supported"`
	Selected    bool   `json:"selected"`
	Reason      string `json:"reason,omitempty"`
}

type listJSON struct {
	Current      string         `json:"current"`
	RawMask      uint64         `json:"raw_mask"`
	RawFunctions string         `json:"raw_functions"`
	Connected    bool           `json:"connected"`
	Functions    []functionJSON `json:"functions"`
}

type selectJSON struct {
	Function string `json:"function"`
	Outcome  string `json:"outcome"`
	TraceID  string `json:"trace_id"`
}

// Routes собирает HTTP API шлюза.
func (s *Selector) Routes(validator auth.TokenValidator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(validator, s.logger))
		r.Get("/v1/functions", s.handleList)
		r.Post("/v1/functions/{name}", s.handleSelect)
	})

	return r
}

func (s *Selector) handleList(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	all := r.URL.Query().Get("all") == "true"

	res := s.List(r.Context(), claims.Principal(), all)

	out := listJSON{
		Current:      res.Current.Name,
		RawMask:      res.RawMask,
		RawFunctions: domain.FunctionsToString(res.RawMask),
		Connected:    s.sessions.Connected(),
		Functions:    make([]functionJSON, 0, len(res.Functions)),
	}
	for _, f := range res.Functions {
		out.Functions = append(out.Functions, functionJSON{
			Name:        f.Name,
			Description: f.Description,
			Mask:        f.Mask,
			Supported:   f.Supported,
			Selected:    f.Selected,
			Reason:      string(f.Reason),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Selector) handleSelect(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	name := chi.URLParam(r, "name")

	res, err := s.Select(r.Context(), claims.Principal(), name)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, selectJSON{
		Function: res.Function.Name,
		Outcome:  string(res.Outcome),
		TraceID:  res.TraceID,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownFunction):
		return http.StatusNotFound
	case errors.Is(err, ErrFunctionNotSupported):
		return http.StatusForbidden
	default:
		// Устройство не приняло конфигурацию
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
