package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/klinehub/internal/domain"
	"github.com/sawpanic/klinehub/internal/engine"
	"github.com/sawpanic/klinehub/internal/recovery"
	"github.com/sawpanic/klinehub/internal/ws"
)

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Headers are gone at this point; nothing to do but note it.
		return
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Success: false, Message: message, Status: status})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recovery.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "data source temporarily unavailable")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func boolQuery(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// barRequest pulls the shared historical query parameters.
func barRequest(r *http.Request) (engine.Request, error) {
	q := r.URL.Query()
	periodStr := q.Get("period")
	if periodStr == "" {
		periodStr = "1d"
	}
	period, err := domain.ParsePeriod(periodStr)
	if err != nil {
		return engine.Request{}, err
	}
	req := engine.Request{
		Symbol:     q.Get("symbol"),
		StartDate:  q.Get("start_date"),
		EndDate:    q.Get("end_date"),
		Period:     period,
		Normalize:  boolQuery(r, "normalize_data", true),
		Quality:    boolQuery(r, "include_quality_metrics", false),
		UseCache:   boolQuery(r, "use_cache", true),
		MaxRecords: intQuery(r, "max_records", 0),
	}
	if rf := q.Get("resample_from"); rf != "" {
		from, err := domain.ParsePeriod(rf)
		if err != nil {
			return engine.Request{}, err
		}
		req.ResampleFrom = from
	}
	return req, nil
}

type barsBody struct {
	Success bool `json:"success"`
	*engine.Response
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	req, err := barRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.engine.GetBars(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, barsBody{Success: true, Response: resp})
}

type multiPeriodBody struct {
	Success        bool                       `json:"success"`
	Symbol         string                     `json:"symbol"`
	StartDate      string                     `json:"start_date"`
	EndDate        string                     `json:"end_date"`
	Data           map[string][]domain.Bar    `json:"data"`
	QualityReports map[string]any             `json:"quality_reports,omitempty"`
	Errors         map[string]string          `json:"errors,omitempty"`
	Metadata       map[string]engine.Metadata `json:"metadata"`
}

func (s *Server) handleMultiPeriod(w http.ResponseWriter, r *http.Request) {
	req, err := barRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw := strings.Split(r.URL.Query().Get("periods"), ",")
	periods := make([]domain.Period, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		period, err := domain.ParsePeriod(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		periods = append(periods, period)
	}
	if len(periods) == 0 {
		writeError(w, http.StatusBadRequest, "periods parameter is required")
		return
	}

	results := s.engine.GetMultiPeriod(r.Context(), req, periods)

	body := multiPeriodBody{
		Success:   true,
		Symbol:    req.Symbol,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Data:      make(map[string][]domain.Bar, len(results)),
		Metadata:  make(map[string]engine.Metadata, len(results)),
	}
	for period, res := range results {
		key := string(period)
		if res.Err != nil {
			// A failed period contributes an empty series, never aborts
			// the siblings.
			body.Data[key] = []domain.Bar{}
			if body.Errors == nil {
				body.Errors = make(map[string]string)
			}
			body.Errors[key] = res.Err.Error()
			continue
		}
		body.Data[key] = res.Response.Bars
		body.Metadata[key] = res.Response.Metadata
		if res.Response.QualityReport != nil {
			if body.QualityReports == nil {
				body.QualityReports = make(map[string]any)
			}
			body.QualityReports[key] = res.Response.QualityReport
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleQualityCheck(w http.ResponseWriter, r *http.Request) {
	req, err := barRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Quality = true
	resp, err := s.engine.GetBars(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"symbol":         resp.Symbol,
		"period":         resp.Period,
		"total_records":  resp.TotalRecords,
		"quality_report": resp.QualityReport,
		"metadata":       resp.Metadata,
	})
}

type batchBody struct {
	Success bool                        `json:"success"`
	Data    map[string]*engine.Response `json:"data"`
	Errors  map[string]string           `json:"errors,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	req, err := barRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw := strings.Split(r.URL.Query().Get("symbols"), ",")
	symbols := make([]string, 0, len(raw))
	for _, sym := range raw {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols parameter is required")
		return
	}

	results := s.engine.GetBatch(r.Context(), symbols, req, 0)

	body := batchBody{Success: true, Data: make(map[string]*engine.Response, len(results))}
	for sym, res := range results {
		if res.Err != nil {
			if body.Errors == nil {
				body.Errors = make(map[string]string)
			}
			body.Errors[sym] = res.Err.Error()
			continue
		}
		body.Data[sym] = res.Response
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "cache not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": s.cache.Stats()})
}

type invalidateRequest struct {
	Symbol   string `json:"symbol,omitempty"`
	Period   string `json:"period,omitempty"`
	DataType string `json:"data_type,omitempty"`
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "cache not configured")
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	removed := 0
	switch {
	case req.Symbol != "":
		removed = s.cache.InvalidateSymbol(req.Symbol)
	case req.Period != "":
		period, err := domain.ParsePeriod(req.Period)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		removed = s.cache.InvalidatePeriod(period)
	case req.DataType != "":
		removed = s.cache.InvalidateType(req.DataType)
	default:
		writeError(w, http.StatusBadRequest, "one of symbol, period, data_type is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "invalidated": removed})
}

func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusNotFound, "websocket server not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"server":     s.mgr.Stats(),
		"scaling": map[string]any{
			"min_instances":             s.scaling.MinInstances,
			"max_instances":             s.scaling.MaxInstances,
			"target_cpu_utilization":    s.scaling.TargetCPUUtilization,
			"target_memory_utilization": s.scaling.TargetMemoryUtilization,
		},
	})
}

func (s *Server) handleWSConnections(w http.ResponseWriter, r *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusNotFound, "websocket server not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"count":       s.mgr.Count(),
		"connections": s.mgr.Snapshot(),
	})
}

func (s *Server) handleWSHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, http.StatusNotFound, "health checker not configured")
		return
	}
	report := s.health.Evaluate()
	status := http.StatusOK
	if report.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type broadcastRequest struct {
	Type    string   `json:"type"`
	Data    any      `json:"data"`
	Targets []string `json:"targets,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusNotFound, "websocket server not configured")
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeError(w, http.StatusBadRequest, "body must be {type, data}")
		return
	}
	sent, failed := s.mgr.Broadcast(ws.Outbound{
		Type:      req.Type,
		Data:      req.Data,
		Timestamp: time.Now().UnixMilli(),
		MessageID: w.Header().Get("X-Request-ID"),
	}, req.Targets...)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sent": sent, "failed": failed})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusNotFound, "websocket server not configured")
		return
	}
	clientID := mux.Vars(r)["client_id"]
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	s.mgr.Disconnect(clientID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "client_id": clientID})
}
