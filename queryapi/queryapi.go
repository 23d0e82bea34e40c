// Package queryapi is the Query API (QA): read-only filtered lookups over
// Node (spec.md §4.7) plus the pageable living-node listing used by
// operators and the health-probe job's pagination cursor semantics.
package queryapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaiahub/nodehub/model"
	"github.com/gaiahub/nodehub/store"
)

type Service struct {
	ss  *store.Store
	log zerolog.Logger
}

func New(ss *store.Store, log zerolog.Logger) *Service {
	return &Service{ss: ss, log: log.With().Str("component", "qa").Logger()}
}

// parseFilter builds a model.NodeFilter from query parameters. The
// `location=country,subdivision,city` parameter is accepted and parsed into
// the parameter map but deliberately not applied as a filter — the
// underlying query layer never implemented it (spec §9 Open Question 1).
// Unknown keys are ignored.
func parseFilter(q map[string][]string) model.NodeFilter {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}

	var f model.NodeFilter
	if s := get("status"); s != "" {
		f.Status = model.NodeStatus(s)
	}
	f.DeviceID = get("device_id")
	f.ChatModel = get("chat_model")
	if ids := get("ids"); ids != "" {
		f.IDs = strings.Split(ids, ",")
	}
	if lived := get("lived_secs"); lived != "" {
		if v, err := strconv.ParseInt(lived, 10, 64); err == nil {
			f.LivedSecs = v
		}
	}
	if page := get("page"); page != "" {
		if v, err := strconv.Atoi(page); err == nil {
			f.Page = v
		}
	}
	if size := get("size"); size != "" {
		if v, err := strconv.Atoi(size); err == nil {
			f.Size = v
		}
	}
	// location=country,subdivision,city is intentionally discarded here.
	return f
}

func (s *Service) QueryNodes(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r.URL.Query())
	nodes, err := s.ss.QueryNodes(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeEnvelope(w, nodes)
}

// LivingNodes serves GET /inner/living_nodes with lived_secs/size/
// after_login_time (RFC 3339) query params, translating them onto the
// keyset-paginated store call.
func (s *Service) LivingNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	livedSecs := int64(0)
	if v := q.Get("lived_secs"); v != "" {
		livedSecs, _ = strconv.ParseInt(v, 10, 64)
	}
	size := 10
	if v := q.Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
		}
	}
	var after time.Time
	if v := q.Get("after_login_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			after = t
		}
	}

	page, err := s.ss.QueryLivingPaged(r.Context(), livedSecs, size, after)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeEnvelope(w, page.Nodes)
}

func writeEnvelope(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "OK", "data": data})
}

func writeErr(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 500, "msg": err.Error()})
}
