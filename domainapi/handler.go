package domainapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type envelope struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// Router wires the HTTP surface for DMA (GET/PUT/DELETE /domain_nodes).
func Router(s *Service) http.Handler {
	r := chi.NewRouter()

	r.Get("/domain_nodes", func(w http.ResponseWriter, req *http.Request) {
		domain := req.URL.Query().Get("domain")
		rows, err := s.List(req.Context(), domain)
		if err != nil {
			writeEnvelope(w, http.StatusInternalServerError, envelope{Code: 500, Msg: err.Error()})
			return
		}
		writeEnvelope(w, http.StatusOK, envelope{Code: 0, Msg: "OK", Data: rows})
	})

	r.Put("/domain_nodes", func(w http.ResponseWriter, req *http.Request) {
		var reqs []UpsertRequest
		if err := json.NewDecoder(req.Body).Decode(&reqs); err != nil {
			writeEnvelope(w, http.StatusBadRequest, envelope{Code: 400, Msg: "malformed json body"})
			return
		}
		results := s.CreateOrUpdate(req.Context(), reqs)
		writeEnvelope(w, http.StatusOK, envelope{Code: 0, Msg: "OK", Data: results})
	})

	r.Delete("/domain_nodes", func(w http.ResponseWriter, req *http.Request) {
		var reqs []RemoveRequest
		if err := json.NewDecoder(req.Body).Decode(&reqs); err != nil {
			writeEnvelope(w, http.StatusBadRequest, envelope{Code: 400, Msg: "malformed json body"})
			return
		}
		results := s.Remove(req.Context(), reqs)
		writeEnvelope(w, http.StatusOK, envelope{Code: 0, Msg: "OK", Data: results})
	})

	return r
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
