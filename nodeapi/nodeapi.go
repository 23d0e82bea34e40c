// Package nodeapi is the Node Service API (NSA): node-originated health and
// capability-report events (spec.md §4.4).
package nodeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/gaiahub/nodehub/apierr"
	"github.com/gaiahub/nodehub/model"
	"github.com/gaiahub/nodehub/store"
)

type Service struct {
	ss      *store.Store
	livingTTL time.Duration
	log     zerolog.Logger
}

func New(ss *store.Store, livingTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{ss: ss, livingTTL: livingTTL, log: log.With().Str("component", "nsa").Logger()}
}

type nodeInfoRequest struct {
	NodeVersion    string `json:"node_version"`
	ChatModel      struct{ Name string `json:"name"` } `json:"chat_model"`
	EmbeddingModel struct{ Name string `json:"name"` } `json:"embedding_model"`
}

// UpdateNodeInfo validates and writes the capability-report columns.
func (s *Service) UpdateNodeInfo(ctx context.Context, nodeID string, req nodeInfoRequest) error {
	if req.ChatModel.Name == "" || req.EmbeddingModel.Name == "" {
		return apierr.InvalidRequest("chat_model.name and embedding_model.name are required")
	}
	return s.ss.UpdateNodeInfo(ctx, nodeID, req.NodeVersion, req.ChatModel.Name, req.EmbeddingModel.Name)
}

type nodeHealthRequest struct {
	Health bool `json:"health"`
}

// UpdateNodeHealth applies the health-report transition table from spec §4.4.
func (s *Service) UpdateNodeHealth(ctx context.Context, nodeID string, req nodeHealthRequest) error {
	node, err := s.ss.GetNodeByID(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return apierr.NotFound("node not found: " + nodeID)
	}

	now := time.Now().UTC()

	switch {
	case req.Health && node.Status == model.StatusOnline:
		return s.ss.UpdateNodeAvail(ctx, nodeID, now, model.StatusOnline)
	case req.Health && node.Status == model.StatusUnavail:
		if now.Sub(node.LastActiveTime) < s.livingTTL {
			return s.ss.UpdateNodeAvail(ctx, nodeID, now, model.StatusOnline)
		}
		return nil
	case !req.Health && node.Status == model.StatusOnline:
		return s.ss.UpdateNodeAvail(ctx, nodeID, now, model.StatusUnavail)
	default:
		return nil
	}
}

// Router wires the HTTP surface for NSA onto r.
func Router(s *Service) http.Handler {
	r := chi.NewRouter()
	r.Post("/node-info/{node_id}", func(w http.ResponseWriter, req *http.Request) {
		nodeID := chi.URLParam(req, "node_id")
		var body nodeInfoRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeErr(w, apierr.InvalidRequest("malformed json body"))
			return
		}
		if err := s.UpdateNodeInfo(req.Context(), nodeID, body); err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w)
	})
	r.Post("/node-health/{node_id}", func(w http.ResponseWriter, req *http.Request) {
		nodeID := chi.URLParam(req, "node_id")
		var body nodeHealthRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeErr(w, apierr.InvalidRequest("malformed json body"))
			return
		}
		if err := s.UpdateNodeHealth(req.Context(), nodeID, body); err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w)
	})
	return r
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "OK"})
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if apierr.Is(err, apierr.KindInvalidRequest) {
		status = http.StatusBadRequest
	} else if apierr.Is(err, apierr.KindNotFound) {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": status, "msg": err.Error()})
}
