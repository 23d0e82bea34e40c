package tunnel

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
)

// frpsIDPattern extracts the optional tunnel-server instance id from
// /inner/frps or /inner/frps/{frps_id}.
var frpsIDPattern = regexp.MustCompile(`^frps_\d+$`)

// Handler wraps Processor with the HTTP contract from spec.md §4.3/§6: for
// any JSON-object body the response echoes the received payload with
// reject:false, unchange:true added, and is flushed before side-effects
// run. An unreadable or malformed body gets a 400 instead.
func Handler(p *Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
			return
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(body, &raw); err != nil {
			http.Error(w, `{"error":"malformed json"}`, http.StatusBadRequest)
			return
		}
		raw["reject"] = false
		raw["unchange"] = true

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(raw)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return
		}
		frpsID := chi.URLParam(r, "frps_id")
		if frpsID != "" && !frpsIDPattern.MatchString(frpsID) {
			frpsID = ""
		}
		p.Process(r.Context(), frpsID, ev)
	}
}
