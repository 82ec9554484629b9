package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tradesys/botkeeper/internal/ipc"
	"github.com/tradesys/botkeeper/internal/supervisor"
)

// dataChannelFor resolves a kind to its IPC client, or an error when the bot
// never opted into a data channel.
func (s *Server) dataChannelFor(kind supervisor.Kind) (*ipc.Client, error) {
	d, err := s.mgr.Registry().Descriptor(kind)
	if err != nil {
		return nil, err
	}
	if d.IPCPort <= 0 {
		return nil, fmt.Errorf("bot %s has no data channel", kind)
	}
	return ipc.NewClient(fmt.Sprintf("127.0.0.1:%d", d.IPCPort)), nil
}

func (s *Server) handleBotData(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	client, err := s.dataChannelFor(kind)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if data, ok := s.dataCache.Get(string(kind)); ok {
		writeJSON(w, 200, map[string]any{"kind": kind, "data": data, "cached": true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	data, err := client.GetData(ctx)
	if err != nil {
		s.metrics.IPCPolls.WithLabelValues(string(kind), "error").Inc()
		writeError(w, http.StatusBadGateway, fmt.Sprintf("data channel unreachable: %v", err))
		return
	}
	s.metrics.IPCPolls.WithLabelValues(string(kind), "ok").Inc()
	s.dataCache.Set(string(kind), data)
	writeJSON(w, 200, map[string]any{"kind": kind, "data": data, "cached": false})
}

type setDataRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *Server) handleBotDataSet(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	client, err := s.dataChannelFor(kind)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req setDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := client.SetData(ctx, req.Key, req.Value); err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("data channel unreachable: %v", err))
		return
	}
	// the next read should see the write
	s.dataCache.Delete(string(kind))
	writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleBotPing(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	client, err := s.dataChannelFor(kind)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("ping failed: %v", err))
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "message": "pong"})
}
